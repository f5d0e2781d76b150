// Package retry reruns failed solve attempts with strictly relaxed
// parameters. Each retry changes the parameter set toward a safer default;
// identical parameters are never reissued, so the attempt sequence is
// finite even without the attempt cap.
package retry

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

const instrumentationName = "github.com/fyrsmithlabs/calseq/internal/retry"

// ExhaustedRetriesError reports that every attempt failed. It carries the
// last failure's cause.
type ExhaustedRetriesError struct {
	Stage    solve.StageKind
	Attempts int
	LastErr  error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("%s solve failed after %d attempts: %v", e.Stage, e.Attempts, e.LastErr)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.LastErr }

// Config tunes the policy.
type Config struct {
	// MaxRetries is the number of relaxed attempts after the first.
	MaxRetries int `koanf:"max_retries"`
}

// DefaultConfig returns the standard retry budget.
func DefaultConfig() Config { return Config{MaxRetries: 2} }

// AttemptFunc runs one solve attempt with the given parameters.
type AttemptFunc func(ctx context.Context, params solve.StageParams) (*solve.CalibrationTable, error)

// Outcome describes a successful attempt sequence.
type Outcome struct {
	Table *solve.CalibrationTable

	// Attempts is the total number of attempts made, including the
	// successful one.
	Attempts int

	// Params is the parameter set the successful attempt used.
	Params solve.StageParams
}

// Policy drives retries.
type Policy struct {
	cfg    Config
	logger *logging.Logger

	retries metric.Int64Counter
}

// NewPolicy builds a Policy. A nil logger is replaced with a nop logger.
func NewPolicy(cfg Config, logger *logging.Logger) *Policy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	retries, _ := meter.Int64Counter("calseq.solve.retries",
		metric.WithDescription("Relaxed solve retries by stage"))
	return &Policy{cfg: cfg, logger: logger.Named("retry"), retries: retries}
}

// Attempt runs fn with params, relaxing and retrying on failure. The first
// attempt uses params verbatim. Context cancellation aborts immediately
// without counting against the retry budget.
func (p *Policy) Attempt(ctx context.Context, params solve.StageParams, fn AttemptFunc) (*Outcome, error) {
	var lastErr error
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%s solve aborted after %d attempts: %w", params.Stage, attempts, err)
			}
			return nil, err
		}

		attempts++
		table, err := fn(ctx, params)
		if err == nil {
			return &Outcome{Table: table, Attempts: attempts, Params: params}, nil
		}
		lastErr = err

		// Run-level cancellation is not retryable. A per-attempt timeout
		// inside fn is: the caller's context stays live.
		if ctx.Err() != nil {
			return nil, err
		}

		if attempts > p.cfg.MaxRetries {
			break
		}
		relaxed, ok := Relax(params)
		if !ok {
			p.logger.Warn(ctx, "no relaxation left to try",
				zap.String("stage", string(params.Stage)), zap.Int("attempts", attempts))
			break
		}

		p.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(params.Stage))))
		p.logger.Warn(ctx, "solve attempt failed, retrying relaxed",
			zap.String("stage", string(params.Stage)),
			zap.Int("attempt", attempts),
			zap.String("combine", relaxed.Combine.String()),
			zap.Duration("solution_interval", relaxed.SolutionInterval),
			zap.Error(err))
		params = relaxed
	}

	return nil, &ExhaustedRetriesError{Stage: params.Stage, Attempts: attempts, LastErr: lastErr}
}

// Relax returns the next parameter set in the relaxation order, or false
// when nothing is left to relax. The order is: drop channel-group
// combination, then drop scan/field combination, then widen the solution
// interval to the whole observation. The result always differs from p.
func Relax(p solve.StageParams) (solve.StageParams, bool) {
	switch {
	case p.Combine.Has(solve.CombineChanGroup):
		p.Combine = p.Combine.Without(solve.CombineChanGroup)
		return p, true
	case p.Combine != 0:
		p.Combine = p.Combine.Without(solve.CombineScan).Without(solve.CombineField)
		return p, true
	case p.SolutionInterval != 0:
		p.SolutionInterval = 0
		return p, true
	}
	return p, false
}
