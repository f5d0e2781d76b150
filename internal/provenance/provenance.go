// Package provenance records why each calibration table has the values it
// has: the exact solve parameters, the dataset identity, the solver that
// produced it, and post-hoc quality metrics pulled from the table itself.
// Records are append-only.
package provenance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/calseq/internal/logging"
	"github.com/fyrsmithlabs/calseq/internal/solve"
)

const instrumentationName = "github.com/fyrsmithlabs/calseq/internal/provenance"

// RecordingError wraps store failures. Recording failures are non-fatal to
// a run; callers surface them as warnings.
type RecordingError struct {
	Err error
}

func (e *RecordingError) Error() string { return fmt.Sprintf("provenance recording failed: %v", e.Err) }
func (e *RecordingError) Unwrap() error { return e.Err }

// Metrics summarizes a table's solution quality.
type Metrics struct {
	Solutions       int     `json:"solutions"`
	FlaggedFraction float64 `json:"flagged_fraction"`
	AntennaCount    int     `json:"antenna_count"`
	MedianSNR       float64 `json:"median_snr"`
	MinSNR          float64 `json:"min_snr"`
}

// ComputeMetrics derives quality metrics from a table's solution rows. SNR
// statistics cover unflagged rows only.
func ComputeMetrics(t *solve.CalibrationTable) Metrics {
	m := Metrics{
		Solutions:       t.SolutionCount(),
		FlaggedFraction: t.FlaggedFraction(),
	}

	ants := map[int]struct{}{}
	var snrs []float64
	for _, r := range t.Rows {
		if r.Flagged {
			continue
		}
		if r.Antenna1 != solve.AntennaNone {
			ants[r.Antenna1] = struct{}{}
		}
		if r.Antenna2 != solve.AntennaNone {
			ants[r.Antenna2] = struct{}{}
		}
		snrs = append(snrs, r.SNR)
	}
	m.AntennaCount = len(ants)
	if len(snrs) == 0 {
		return m
	}

	sort.Float64s(snrs)
	m.MinSNR = snrs[0]
	mid := len(snrs) / 2
	if len(snrs)%2 == 1 {
		m.MedianSNR = snrs[mid]
	} else {
		m.MedianSNR = (snrs[mid-1] + snrs[mid]) / 2
	}
	return m
}

// UpstreamRef names one upstream table a solve consumed, with the remap
// and interpolation hint it was applied under.
type UpstreamRef struct {
	TableID string           `json:"table_id"`
	Remap   []int            `json:"remap,omitempty"`
	Interp  solve.InterpMode `json:"interp,omitempty"`
}

// Record is one append-only provenance entry, keyed by table ID.
type Record struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Dataset   string    `json:"dataset"`
	CreatedAt time.Time `json:"created_at"`

	Stage     solve.StageKind      `json:"stage"`
	TableID   string               `json:"table_id"`
	TablePath string               `json:"table_path"`
	Solver    solve.SolverIdentity `json:"solver"`

	// Params is the exact parameter set the successful solve ran with,
	// including the reference antenna it was issued.
	Params solve.StageParams `json:"params"`

	// RefAntenna is the designated reference antenna after postcheck's
	// chain fallback; it can differ from Params.RefAntenna.
	RefAntenna int `json:"ref_antenna"`

	Attempts int           `json:"attempts"`
	Upstream []UpstreamRef `json:"upstream,omitempty"`
	Metrics  Metrics       `json:"metrics"`
}

// Store is the durable record sink. Append must be atomic per record:
// concurrent runs sharing a store never observe partial records.
type Store interface {
	Append(ctx context.Context, rec Record) error
	ByDataset(ctx context.Context, dataset string) ([]Record, error)
	ByStage(ctx context.Context, dataset string, stage solve.StageKind) ([]Record, error)
}

// Recorder writes records to a Store with IDs and timestamps filled in.
type Recorder struct {
	store  Store
	logger *logging.Logger

	recorded metric.Int64Counter
}

// NewRecorder builds a Recorder. A nil logger is replaced with a nop
// logger.
func NewRecorder(store Store, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	recorded, _ := meter.Int64Counter("calseq.provenance.records",
		metric.WithDescription("Provenance records appended"))
	return &Recorder{store: store, logger: logger.Named("provenance"), recorded: recorded}
}

// Record appends rec, assigning an ID and timestamp when unset. Failures
// come back as *RecordingError.
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := r.store.Append(ctx, rec); err != nil {
		r.logger.Warn(ctx, "failed to append provenance record",
			zap.String("table_id", rec.TableID),
			zap.String("stage", string(rec.Stage)),
			zap.Error(err))
		return &RecordingError{Err: err}
	}
	r.recorded.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(rec.Stage))))
	r.logger.Debug(ctx, "provenance record appended",
		zap.String("record_id", rec.ID),
		zap.String("table_id", rec.TableID),
		zap.String("stage", string(rec.Stage)))
	return nil
}
