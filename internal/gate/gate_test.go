package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/calseq/internal/logging"
	"github.com/fyrsmithlabs/calseq/internal/solve"
)

type fakeDataset struct {
	fields    []solve.Field
	amps      []float64
	sampleErr error

	gotFields []int
	gotLimit  int
}

func (d *fakeDataset) Name() string                        { return "fake" }
func (d *fakeDataset) Fields() []solve.Field               { return d.fields }
func (d *fakeDataset) ChannelGroups() []solve.ChannelGroup { return nil }
func (d *fakeDataset) SampleModelAmps(_ context.Context, fields []int, limit int) ([]float64, error) {
	d.gotFields = fields
	d.gotLimit = limit
	if d.sampleErr != nil {
		return nil, d.sampleErr
	}
	if len(d.amps) > limit {
		return d.amps[:limit], nil
	}
	return d.amps, nil
}

func modeledFields(n int) []solve.Field {
	fields := make([]solve.Field, n)
	for i := range fields {
		fields[i].HasFluxModel = true
	}
	return fields
}

func TestPrecheck(t *testing.T) {
	ctx := context.Background()
	window := solve.FieldSpec{Start: 1, End: 3}

	t.Run("passes with populated model", func(t *testing.T) {
		ds := &fakeDataset{fields: modeledFields(5), amps: []float64{0, 0.2, 1.4}}
		c := NewChecker(DefaultConfig(), logging.NewTestLogger(t))
		require.NoError(t, c.Precheck(ctx, ds, window))
		assert.Equal(t, []int{1, 2, 3}, ds.gotFields)
		assert.Equal(t, 1000, ds.gotLimit)
	})

	t.Run("fails when a window field has no model", func(t *testing.T) {
		fields := modeledFields(5)
		fields[2].HasFluxModel = false
		ds := &fakeDataset{fields: fields, amps: []float64{1}}
		c := NewChecker(DefaultConfig(), logging.NewTestLogger(t))
		err := c.Precheck(ctx, ds, window)
		var pre *PreconditionError
		require.ErrorAs(t, err, &pre)
		assert.Contains(t, pre.Reason, "field 2")
	})

	t.Run("fails on uniformly zero amplitudes", func(t *testing.T) {
		ds := &fakeDataset{fields: modeledFields(5), amps: []float64{0, 0, 0}}
		c := NewChecker(DefaultConfig(), logging.NewTestLogger(t))
		err := c.Precheck(ctx, ds, window)
		var pre *PreconditionError
		require.ErrorAs(t, err, &pre)
		assert.Contains(t, pre.Reason, "near zero")
	})

	t.Run("fails on empty sample", func(t *testing.T) {
		ds := &fakeDataset{fields: modeledFields(5)}
		c := NewChecker(DefaultConfig(), logging.NewTestLogger(t))
		var pre *PreconditionError
		assert.ErrorAs(t, c.Precheck(ctx, ds, window), &pre)
	})

	t.Run("wraps sampling errors", func(t *testing.T) {
		sentinel := errors.New("read failed")
		ds := &fakeDataset{fields: modeledFields(5), sampleErr: sentinel}
		c := NewChecker(DefaultConfig(), logging.NewTestLogger(t))
		err := c.Precheck(ctx, ds, window)
		assert.ErrorIs(t, err, sentinel)
		var pre *PreconditionError
		assert.ErrorAs(t, err, &pre)
	})

	t.Run("fails on out-of-bounds window", func(t *testing.T) {
		ds := &fakeDataset{fields: modeledFields(3), amps: []float64{1}}
		c := NewChecker(DefaultConfig(), logging.NewTestLogger(t))
		var pre *PreconditionError
		assert.ErrorAs(t, c.Precheck(ctx, ds, solve.FieldSpec{Start: 1, End: 3}), &pre)
	})

	t.Run("custom sample limit forwarded", func(t *testing.T) {
		ds := &fakeDataset{fields: modeledFields(5), amps: []float64{1}}
		c := NewChecker(Config{SampleLimit: 50}, logging.NewTestLogger(t))
		require.NoError(t, c.Precheck(ctx, ds, window))
		assert.Equal(t, 50, ds.gotLimit)
	})
}

func unflaggedRows(ants ...int) []solve.SolutionRow {
	rows := make([]solve.SolutionRow, 0, len(ants))
	for _, a := range ants {
		rows = append(rows, solve.SolutionRow{Antenna1: a, Antenna2: solve.AntennaNone, SNR: 10})
	}
	return rows
}

func TestPostcheck(t *testing.T) {
	ctx := context.Background()
	c := NewChecker(DefaultConfig(), logging.NewTestLogger(t))

	t.Run("passes with configured refant", func(t *testing.T) {
		table := &solve.CalibrationTable{Stage: solve.StageGain, Rows: unflaggedRows(0, 1, 2)}
		ant, err := c.Postcheck(ctx, table, []int{1, 2})
		require.NoError(t, err)
		assert.Equal(t, 1, ant)
	})

	t.Run("falls back along the chain", func(t *testing.T) {
		table := &solve.CalibrationTable{Stage: solve.StageGain, Rows: unflaggedRows(2, 3)}
		ant, err := c.Postcheck(ctx, table, []int{7, 3, 2})
		require.NoError(t, err)
		assert.Equal(t, 3, ant)
	})

	t.Run("matches baseline endpoint", func(t *testing.T) {
		table := &solve.CalibrationTable{
			Stage: solve.StageDelay,
			Rows:  []solve.SolutionRow{{Antenna1: 4, Antenna2: 9, SNR: 5}},
		}
		ant, err := c.Postcheck(ctx, table, []int{9})
		require.NoError(t, err)
		assert.Equal(t, 9, ant)
	})

	t.Run("flagged rows do not count", func(t *testing.T) {
		table := &solve.CalibrationTable{
			Stage: solve.StageBandpass,
			Rows:  []solve.SolutionRow{{Antenna1: 1, Antenna2: solve.AntennaNone, Flagged: true}},
		}
		_, err := c.Postcheck(ctx, table, []int{1})
		var post *PostconditionError
		require.ErrorAs(t, err, &post)
		assert.Equal(t, solve.StageBandpass, post.Stage)
	})

	t.Run("empty table rejected", func(t *testing.T) {
		table := &solve.CalibrationTable{Stage: solve.StageDelay}
		ant, err := c.Postcheck(ctx, table, []int{0})
		assert.Equal(t, solve.AntennaNone, ant)
		var post *PostconditionError
		require.ErrorAs(t, err, &post)
		assert.Contains(t, post.Reason, "empty")
	})

	t.Run("nil table rejected", func(t *testing.T) {
		_, err := c.Postcheck(ctx, nil, []int{0})
		var post *PostconditionError
		assert.ErrorAs(t, err, &post)
	})

	t.Run("sentinel never matches", func(t *testing.T) {
		table := &solve.CalibrationTable{
			Stage: solve.StageGain,
			Rows:  []solve.SolutionRow{{Antenna1: 0, Antenna2: solve.AntennaNone, SNR: 3}},
		}
		_, err := c.Postcheck(ctx, table, []int{solve.AntennaNone})
		var post *PostconditionError
		assert.ErrorAs(t, err, &post)
	})

	t.Run("empty chain rejected", func(t *testing.T) {
		table := &solve.CalibrationTable{Stage: solve.StageGain, Rows: unflaggedRows(0)}
		_, err := c.Postcheck(ctx, table, nil)
		var post *PostconditionError
		assert.ErrorAs(t, err, &post)
	})
}
