// Package gate enforces the pre- and postconditions around each solve
// stage. A stage never proceeds past a failed precheck, and a table that
// fails postcheck is never registered as an upstream dependency.
package gate

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/calseq/internal/logging"
	"github.com/fyrsmithlabs/calseq/internal/solve"
)

const instrumentationName = "github.com/fyrsmithlabs/calseq/internal/gate"

// PreconditionError reports a dataset state that makes solving pointless.
type PreconditionError struct {
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precondition failed: %s: %v", e.Reason, e.Err)
	}
	return "precondition failed: " + e.Reason
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// PostconditionError reports a produced table that must not be consumed.
type PostconditionError struct {
	Stage  solve.StageKind
	Reason string
}

func (e *PostconditionError) Error() string {
	return fmt.Sprintf("postcondition failed for %s table: %s", e.Stage, e.Reason)
}

// Config tunes the checks.
type Config struct {
	// SampleLimit bounds the model-amplitude sample read per precheck.
	SampleLimit int `koanf:"sample_limit"`

	// MinModelAmp is the threshold the sample's max amplitude must exceed.
	MinModelAmp float64 `koanf:"min_model_amp"`
}

// DefaultConfig returns the standard gate limits.
func DefaultConfig() Config {
	return Config{SampleLimit: 1000, MinModelAmp: 0}
}

// ApplyDefaults fills zero values from DefaultConfig.
func (c *Config) ApplyDefaults() {
	if c.SampleLimit <= 0 {
		c.SampleLimit = DefaultConfig().SampleLimit
	}
}

// Checker runs the gates.
type Checker struct {
	cfg    Config
	logger *logging.Logger

	failures metric.Int64Counter
}

// NewChecker builds a Checker. A nil logger is replaced with a nop logger.
func NewChecker(cfg Config, logger *logging.Logger) *Checker {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	failures, _ := meter.Int64Counter("calseq.gate.failures",
		metric.WithDescription("Gate check failures by kind"))
	return &Checker{cfg: cfg, logger: logger.Named("gate"), failures: failures}
}

// Precheck verifies the dataset is solvable over the field window: every
// window field carries a flux model, and a bounded sample of model
// amplitudes is not uniformly near-zero.
func (c *Checker) Precheck(ctx context.Context, ds solve.Dataset, window solve.FieldSpec) error {
	fields := ds.Fields()
	if window.Start < 0 || window.End >= len(fields) || window.Start > window.End {
		return c.preFail(ctx, fmt.Sprintf("field window %s outside dataset bounds [0,%d)", window, len(fields)), nil)
	}

	idx := make([]int, 0, window.Len())
	for i := window.Start; i <= window.End; i++ {
		if !fields[i].HasFluxModel {
			return c.preFail(ctx, fmt.Sprintf("field %d has no flux model", i), nil)
		}
		idx = append(idx, i)
	}

	amps, err := ds.SampleModelAmps(ctx, idx, c.cfg.SampleLimit)
	if err != nil {
		return c.preFail(ctx, "sampling model amplitudes", err)
	}
	if len(amps) == 0 {
		return c.preFail(ctx, "model amplitude sample is empty", nil)
	}
	maxAmp := amps[0]
	for _, a := range amps[1:] {
		if a > maxAmp {
			maxAmp = a
		}
	}
	if maxAmp <= c.cfg.MinModelAmp {
		return c.preFail(ctx,
			fmt.Sprintf("model amplitudes uniformly near zero (max %.3g over %d samples)", maxAmp, len(amps)), nil)
	}

	c.logger.Debug(ctx, "precheck passed",
		zap.String("window", window.String()),
		zap.Int("samples", len(amps)),
		zap.Float64("max_amp", maxAmp))
	return nil
}

func (c *Checker) preFail(ctx context.Context, reason string, err error) error {
	c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "precondition")))
	c.logger.Warn(ctx, "precheck failed", zap.String("reason", reason), zap.Error(err))
	return &PreconditionError{Reason: reason, Err: err}
}

// Postcheck verifies a produced table is non-empty and that some antenna
// in the reference chain appears unflagged in it. It returns the first
// covered antenna, which becomes the designated reference antenna for
// later stages.
func (c *Checker) Postcheck(ctx context.Context, table *solve.CalibrationTable, refChain []int) (int, error) {
	if table == nil || table.SolutionCount() == 0 {
		stage := solve.StageKind("")
		if table != nil {
			stage = table.Stage
		}
		return solve.AntennaNone, c.postFail(ctx, stage, "table is empty")
	}
	if len(refChain) == 0 {
		return solve.AntennaNone, c.postFail(ctx, table.Stage, "no reference antenna configured")
	}
	for _, ant := range refChain {
		if table.HasAntenna(ant) {
			if ant != refChain[0] {
				c.logger.Warn(ctx, "reference antenna fell back along chain",
					zap.Int("configured", refChain[0]), zap.Int("selected", ant))
			}
			c.logger.Debug(ctx, "postcheck passed",
				zap.String("stage", string(table.Stage)),
				zap.Int("solutions", table.SolutionCount()),
				zap.Int("ref_antenna", ant))
			return ant, nil
		}
	}
	return solve.AntennaNone, c.postFail(ctx, table.Stage,
		fmt.Sprintf("no reference antenna from chain %v present in solutions", refChain))
}

func (c *Checker) postFail(ctx context.Context, stage solve.StageKind, reason string) error {
	c.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", "postcondition"),
		attribute.String("stage", string(stage))))
	c.logger.Warn(ctx, "postcheck failed",
		zap.String("stage", string(stage)), zap.String("reason", reason))
	return &PostconditionError{Stage: stage, Reason: reason}
}
