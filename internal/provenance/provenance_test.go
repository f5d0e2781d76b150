package provenance

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/calseq/internal/logging"
	"github.com/fyrsmithlabs/calseq/internal/solve"
)

func TestComputeMetrics(t *testing.T) {
	t.Run("mixed rows", func(t *testing.T) {
		table := &solve.CalibrationTable{
			Rows: []solve.SolutionRow{
				{Antenna1: 0, Antenna2: solve.AntennaNone, SNR: 12},
				{Antenna1: 1, Antenna2: solve.AntennaNone, SNR: 4},
				{Antenna1: 2, Antenna2: solve.AntennaNone, SNR: 8},
				{Antenna1: 3, Antenna2: solve.AntennaNone, SNR: 2, Flagged: true},
			},
		}
		m := ComputeMetrics(table)
		assert.Equal(t, 4, m.Solutions)
		assert.InDelta(t, 0.25, m.FlaggedFraction, 1e-12)
		assert.Equal(t, 3, m.AntennaCount)
		assert.Equal(t, 8.0, m.MedianSNR)
		assert.Equal(t, 4.0, m.MinSNR)
	})

	t.Run("even count median averages", func(t *testing.T) {
		table := &solve.CalibrationTable{
			Rows: []solve.SolutionRow{
				{Antenna1: 0, Antenna2: 1, SNR: 10},
				{Antenna1: 0, Antenna2: 2, SNR: 20},
			},
		}
		m := ComputeMetrics(table)
		assert.Equal(t, 15.0, m.MedianSNR)
		assert.Equal(t, 3, m.AntennaCount)
	})

	t.Run("all flagged", func(t *testing.T) {
		table := &solve.CalibrationTable{
			Rows: []solve.SolutionRow{{Antenna1: 0, Antenna2: solve.AntennaNone, Flagged: true}},
		}
		m := ComputeMetrics(table)
		assert.Equal(t, 1.0, m.FlaggedFraction)
		assert.Zero(t, m.AntennaCount)
		assert.Zero(t, m.MedianSNR)
	})

	t.Run("empty table", func(t *testing.T) {
		m := ComputeMetrics(&solve.CalibrationTable{})
		assert.Zero(t, m.Solutions)
		assert.Zero(t, m.FlaggedFraction)
	})
}

func sampleRecord(dataset string, stage solve.StageKind) Record {
	return Record{
		RunID:     "run-1",
		Dataset:   dataset,
		Stage:     stage,
		TableID:   "table-" + string(stage),
		TablePath: "/data/cal/" + string(stage) + ".tbl",
		Solver:    solve.SolverIdentity{Name: "casa", Version: "6.5"},
		Params:    solve.StageParams{Stage: stage, MinSNR: 3},
		Attempts:  1,
		Metrics:   Metrics{Solutions: 10, MedianSNR: 7},
	}
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()

	t.Run("fills id and timestamp", func(t *testing.T) {
		store := NewMemoryStore()
		rec := NewRecorder(store, logging.NewTestLogger(t))
		require.NoError(t, rec.Record(ctx, sampleRecord("ds1", solve.StageGain)))

		all := store.All()
		require.Len(t, all, 1)
		assert.NotEmpty(t, all[0].ID)
		assert.False(t, all[0].CreatedAt.IsZero())
	})

	t.Run("store failure wrapped as RecordingError", func(t *testing.T) {
		store := NewMemoryStore()
		store.FailAppend = errors.New("disk full")
		rec := NewRecorder(store, logging.NewTestLogger(t))
		err := rec.Record(ctx, sampleRecord("ds1", solve.StageGain))
		var recErr *RecordingError
		require.ErrorAs(t, err, &recErr)
		assert.ErrorIs(t, err, store.FailAppend)
	})
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip and point lookups", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "provenance.ndjson")
		store, err := NewFileStore(path)
		require.NoError(t, err)
		defer store.Close()

		r1 := sampleRecord("ds1", solve.StageBandpass)
		r1.ID = "rec-1"
		r1.CreatedAt = time.Date(2025, 10, 2, 3, 10, 0, 0, time.UTC)
		r1.Upstream = []UpstreamRef{{TableID: "table-prephase", Remap: []int{0, 0}, Interp: solve.InterpLinear}}
		r2 := sampleRecord("ds1", solve.StageGain)
		r2.ID = "rec-2"
		r3 := sampleRecord("ds2", solve.StageGain)
		r3.ID = "rec-3"

		for _, r := range []Record{r1, r2, r3} {
			require.NoError(t, store.Append(ctx, r))
		}

		byDS, err := store.ByDataset(ctx, "ds1")
		require.NoError(t, err)
		require.Len(t, byDS, 2)
		assert.Equal(t, "rec-1", byDS[0].ID)
		assert.Equal(t, []int{0, 0}, byDS[0].Upstream[0].Remap)
		assert.Equal(t, r1.CreatedAt, byDS[0].CreatedAt)

		byStage, err := store.ByStage(ctx, "ds1", solve.StageGain)
		require.NoError(t, err)
		require.Len(t, byStage, 1)
		assert.Equal(t, "rec-2", byStage[0].ID)
	})

	t.Run("concurrent appends keep one record per line", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "provenance.ndjson")
		store, err := NewFileStore(path)
		require.NoError(t, err)
		defer store.Close()

		const n = 50
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r := sampleRecord("shared", solve.StageDelay)
				r.ID = "rec"
				assert.NoError(t, store.Append(ctx, r))
			}(i)
		}
		wg.Wait()

		recs, err := store.ByDataset(ctx, "shared")
		require.NoError(t, err)
		assert.Len(t, recs, n)
	})

	t.Run("missing file surfaces open error on scan", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "p.ndjson")
		store, err := NewFileStore(path)
		require.NoError(t, err)
		store.Close()

		// Empty store scans cleanly.
		recs, err := store.ByDataset(ctx, "none")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}
