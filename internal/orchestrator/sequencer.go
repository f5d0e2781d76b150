package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/calseq/internal/catalog"
	"github.com/fyrsmithlabs/calseq/internal/fieldselect"
	"github.com/fyrsmithlabs/calseq/internal/gate"
	"github.com/fyrsmithlabs/calseq/internal/logging"
	"github.com/fyrsmithlabs/calseq/internal/provenance"
	"github.com/fyrsmithlabs/calseq/internal/retry"
	"github.com/fyrsmithlabs/calseq/internal/solve"
	"github.com/fyrsmithlabs/calseq/internal/spwmap"
)

const instrumentationName = "github.com/fyrsmithlabs/calseq/internal/orchestrator"

// Deps wires the sequencer's collaborators.
type Deps struct {
	Solver   solve.Solver
	Gate     *gate.Checker
	Retry    *retry.Policy
	Recorder *provenance.Recorder // optional; nil disables recording

	FieldSelect fieldselect.Config

	// RefAntennas is the ordered reference-antenna fallback chain.
	RefAntennas []int

	// StageTimeout caps one solve attempt. Zero means no timeout.
	StageTimeout time.Duration

	Logger *logging.Logger
}

// Sequencer runs the calibration stage sequence.
type Sequencer struct {
	solver   solve.Solver
	gate     *gate.Checker
	retry    *retry.Policy
	recorder *provenance.Recorder

	selectCfg    fieldselect.Config
	refAntennas  []int
	stageTimeout time.Duration

	logger *logging.Logger
	tracer trace.Tracer

	stageDuration metric.Float64Histogram
	stagesRun     metric.Int64Counter
}

// NewSequencer builds a Sequencer from deps. Gate, Retry, and Logger fall
// back to defaults when nil.
func NewSequencer(deps Deps) (*Sequencer, error) {
	if deps.Solver == nil {
		return nil, fmt.Errorf("orchestrator: solver is required")
	}
	if len(deps.RefAntennas) == 0 {
		return nil, fmt.Errorf("orchestrator: reference antenna chain is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Gate == nil {
		deps.Gate = gate.NewChecker(gate.DefaultConfig(), deps.Logger)
	}
	if deps.Retry == nil {
		deps.Retry = retry.NewPolicy(retry.DefaultConfig(), deps.Logger)
	}

	meter := otel.Meter(instrumentationName)
	stageDuration, _ := meter.Float64Histogram("calseq.stage.duration",
		metric.WithDescription("Stage wall time in seconds"),
		metric.WithUnit("s"))
	stagesRun, _ := meter.Int64Counter("calseq.stage.outcomes",
		metric.WithDescription("Stage outcomes by status"))

	return &Sequencer{
		solver:        deps.Solver,
		gate:          deps.Gate,
		retry:         deps.Retry,
		recorder:      deps.Recorder,
		selectCfg:     deps.FieldSelect,
		refAntennas:   deps.RefAntennas,
		stageTimeout:  deps.StageTimeout,
		logger:        deps.Logger.Named("orchestrator"),
		tracer:        otel.Tracer(instrumentationName),
		stageDuration: stageDuration,
		stagesRun:     stagesRun,
	}, nil
}

// Plan computes what a run would do without invoking the solver: the field
// window and each stage's effective parameters.
func (s *Sequencer) Plan(ctx context.Context, ds solve.Dataset, cal catalog.Calibrator, stages []solve.StageConfig) (*Plan, error) {
	window, err := fieldselect.Select(cal, ds, s.selectCfg)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Dataset: ds.Name(), Calibrator: cal.Name, Window: window}
	byKind := stagesByKind(stages)
	for _, kind := range solve.StageOrder() {
		cfg, ok := byKind[kind]
		if !ok || !cfg.Enabled {
			plan.Stages = append(plan.Stages, PlannedStage{Stage: kind})
			continue
		}
		plan.Stages = append(plan.Stages, PlannedStage{
			Stage:     kind,
			Enabled:   true,
			Params:    s.stageParams(cfg, window, s.refAntennas[0]),
			DependsOn: cfg.DependsOn,
		})
	}
	return plan, nil
}

// Run executes the stage sequence. It always returns a RunResult; failures
// are folded into its status and warnings.
func (s *Sequencer) Run(ctx context.Context, ds solve.Dataset, cal catalog.Calibrator, stages []solve.StageConfig) *RunResult {
	result := &RunResult{
		RunID:      uuid.NewString(),
		Dataset:    ds.Name(),
		Calibrator: cal.Name,
		StartedAt:  time.Now().UTC(),
	}

	ctx = logging.WithRunID(ctx, result.RunID)
	ctx = logging.WithDataset(ctx, ds.Name())
	ctx, span := s.tracer.Start(ctx, "calseq.run", trace.WithAttributes(
		attribute.String("run.id", result.RunID),
		attribute.String("dataset", ds.Name()),
		attribute.String("calibrator", cal.Name),
	))
	defer span.End()
	defer func() {
		result.CompletedAt = time.Now().UTC()
		span.SetAttributes(attribute.String("run.status", string(result.Status)))
		if result.Status == StatusFailed {
			span.SetStatus(codes.Error, "run failed")
		}
	}()

	window, err := fieldselect.Select(cal, ds, s.selectCfg)
	if err != nil {
		s.logger.Error(ctx, "field selection failed", zap.Error(err))
		result.Status = StatusFailed
		result.Warnings = append(result.Warnings, fmt.Sprintf("field selection: %v", err))
		return result
	}
	result.Window = window
	s.logger.Info(ctx, "field window selected",
		zap.Int("start", window.Start), zap.Int("end", window.End),
		zap.Int("peak", window.Peak), zap.Float64("peak_response", window.PeakResponse))

	byKind := stagesByKind(stages)
	completed := map[solve.StageKind]*solve.CalibrationTable{}
	failed := map[solve.StageKind]bool{}
	refAnt := solve.AntennaNone
	aborted := false
	anyFailed := false

	for _, kind := range solve.StageOrder() {
		cfg, ok := byKind[kind]
		if !ok || !cfg.Enabled {
			result.Stages = append(result.Stages, StageOutcome{
				Stage: kind, Status: StageSkippedConfig, RefAntenna: solve.AntennaNone})
			continue
		}

		if aborted {
			result.Stages = append(result.Stages, StageOutcome{
				Stage: kind, Status: StageSkippedUpstream, RefAntenna: solve.AntennaNone})
			continue
		}

		// Cancellation between stages.
		if err := ctx.Err(); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("run cancelled before %s stage: %v", kind, err))
			result.Stages = append(result.Stages, StageOutcome{
				Stage: kind, Status: StageSkippedUpstream, RefAntenna: solve.AntennaNone})
			aborted = true
			continue
		}

		if dep, isFailed := failedDependency(cfg, byKind, failed); isFailed {
			// Unreachable while failures abort eagerly, but kept so a
			// future lazy-abort policy cannot register past a dead dep.
			result.Stages = append(result.Stages, StageOutcome{
				Stage: kind, Status: StageSkippedUpstream, RefAntenna: solve.AntennaNone,
				Error: fmt.Sprintf("upstream %s failed", dep)})
			continue
		}

		outcome := s.runStage(ctx, ds, cfg, window, completed, refAnt)
		result.Stages = append(result.Stages, outcome)

		if outcome.Status == StageCompleted {
			completed[kind] = outcome.Table
			result.Tables = append(result.Tables, outcome.Table)
			if refAnt == solve.AntennaNone {
				refAnt = outcome.RefAntenna
			}
			s.record(ctx, result, ds, cfg, outcome, completed)
			continue
		}

		// Stage failed.
		anyFailed = true
		failed[kind] = true
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s stage failed: %s", kind, outcome.Error))

		if ctx.Err() != nil {
			aborted = true
			continue
		}
		if dependedUpon(kind, byKind) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("aborting run: later stages depend on %s", kind))
			aborted = true
		}
	}

	switch {
	case aborted:
		result.Status = StatusFailed
	case anyFailed:
		result.Status = StatusPartial
	default:
		result.Status = StatusSuccess
	}
	s.logger.Info(ctx, "run finished",
		zap.String("status", string(result.Status)),
		zap.Int("tables", len(result.Tables)),
		zap.Int("warnings", len(result.Warnings)))
	return result
}

// runStage executes one enabled stage: precheck, then solve+postcheck
// under the retry policy, then channel-group reconciliation bookkeeping.
func (s *Sequencer) runStage(ctx context.Context, ds solve.Dataset, cfg solve.StageConfig, window *fieldselect.Window, completed map[solve.StageKind]*solve.CalibrationTable, refAnt int) StageOutcome {
	kind := cfg.Stage
	ctx = logging.WithStage(ctx, string(kind))
	ctx, span := s.tracer.Start(ctx, "calseq.stage",
		trace.WithAttributes(attribute.String("stage", string(kind))))
	defer span.End()

	start := time.Now()
	defer func() {
		s.stageDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("stage", string(kind))))
	}()

	fail := func(err error) StageOutcome {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.stagesRun.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(kind)),
			attribute.String("status", string(StageFailed))))
		return StageOutcome{Stage: kind, Status: StageFailed, RefAntenna: solve.AntennaNone, Error: err.Error()}
	}

	chain := s.refAntennas
	if refAnt != solve.AntennaNone {
		chain = []int{refAnt}
	}
	params := s.stageParams(cfg, window, chain[0])

	upstream, err := s.upstreamTables(cfg, completed, len(ds.ChannelGroups()))
	if err != nil {
		return fail(err)
	}

	if err := s.gate.Precheck(ctx, ds, params.Fields); err != nil {
		return fail(err)
	}

	chosenRef := chain[0]
	outcome, err := s.retry.Attempt(ctx, params, func(ctx context.Context, p solve.StageParams) (*solve.CalibrationTable, error) {
		table, err := s.solveOnce(ctx, ds, p, upstream)
		if err != nil {
			return nil, err
		}
		ant, err := s.gate.Postcheck(ctx, table, chain)
		if err != nil {
			s.discardTable(table)
			return nil, err
		}
		chosenRef = ant
		return table, nil
	})
	if err != nil {
		return fail(err)
	}

	table := outcome.Table
	s.logger.Info(ctx, "stage completed",
		zap.String("table_id", table.ID),
		zap.Int("attempts", outcome.Attempts),
		zap.Int("ref_antenna", chosenRef),
		zap.Int("solutions", table.SolutionCount()),
		zap.Float64("flagged_fraction", table.FlaggedFraction()))
	s.stagesRun.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(kind)),
		attribute.String("status", string(StageCompleted))))
	return StageOutcome{Stage: kind, Status: StageCompleted, Table: table,
		Attempts: outcome.Attempts, RefAntenna: chosenRef}
}

// solveOnce invokes the solver with the per-stage timeout. A table
// returned after cancellation is discarded, never registered.
func (s *Sequencer) solveOnce(ctx context.Context, ds solve.Dataset, p solve.StageParams, upstream []solve.UpstreamTable) (*solve.CalibrationTable, error) {
	solveCtx := ctx
	if s.stageTimeout > 0 {
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithTimeout(ctx, s.stageTimeout)
		defer cancel()
	}

	table, err := s.solver.SolveStage(solveCtx, ds, p, upstream)
	if cerr := ctx.Err(); cerr != nil {
		if table != nil {
			s.discardTable(table)
		}
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, fmt.Errorf("solver returned no table for %s", p.Stage)
	}
	return table, nil
}

// discardTable asks the solver to remove an orphaned table. Removal is
// best effort and runs under its own deadline since the run context may
// already be cancelled.
func (s *Sequencer) discardTable(table *solve.CalibrationTable) {
	remover, ok := s.solver.(solve.TableRemover)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := remover.RemoveTable(ctx, table); err != nil {
		s.logger.Warn(ctx, "failed to remove orphaned table",
			zap.String("table_id", table.ID), zap.Error(err))
	}
}

// upstreamTables collects the completed dependency tables with their
// remaps and interpolation hints.
func (s *Sequencer) upstreamTables(cfg solve.StageConfig, completed map[solve.StageKind]*solve.CalibrationTable, datasetGroups int) ([]solve.UpstreamTable, error) {
	var out []solve.UpstreamTable
	for _, dep := range cfg.DependsOn {
		table, ok := completed[dep]
		if !ok {
			continue // disabled or optional upstream
		}
		up, err := spwmap.Upstream(table, datasetGroups)
		if err != nil {
			return nil, err
		}
		out = append(out, up)
	}
	return out, nil
}

// stageParams assembles the first-attempt parameters for a stage. Delay
// and gain solve on the peak field only; prephase and bandpass use the
// full window.
func (s *Sequencer) stageParams(cfg solve.StageConfig, window *fieldselect.Window, refAnt int) solve.StageParams {
	fields := window.Spec()
	if cfg.Stage == solve.StageDelay || cfg.Stage == solve.StageGain {
		fields = window.PeakSpec()
	}
	return solve.StageParams{
		Stage:            cfg.Stage,
		Fields:           fields,
		SolutionInterval: cfg.SolutionInterval,
		MinSNR:           cfg.MinSNR,
		Combine:          cfg.Combine,
		Baselines:        cfg.Baselines,
		RefAntenna:       refAnt,
	}
}

// record appends the provenance entry for a completed stage. Recording
// failures become run warnings, never run failures.
func (s *Sequencer) record(ctx context.Context, result *RunResult, ds solve.Dataset, cfg solve.StageConfig, outcome StageOutcome, completed map[solve.StageKind]*solve.CalibrationTable) {
	if s.recorder == nil {
		return
	}
	table := outcome.Table

	var upstream []provenance.UpstreamRef
	for _, dep := range cfg.DependsOn {
		depTable, ok := completed[dep]
		if !ok {
			continue
		}
		remap, err := spwmap.Compute(depTable, len(ds.ChannelGroups()))
		if err != nil {
			continue // already validated before the solve
		}
		upstream = append(upstream, provenance.UpstreamRef{
			TableID: depTable.ID,
			Remap:   remap,
			Interp:  solve.InterpFor(depTable.Stage),
		})
	}

	rec := provenance.Record{
		RunID:      result.RunID,
		Dataset:    ds.Name(),
		Stage:      table.Stage,
		TableID:    table.ID,
		TablePath:  table.Path,
		Solver:     s.solver.Identity(),
		Params:     table.Params,
		RefAntenna: outcome.RefAntenna,
		Attempts:   outcome.Attempts,
		Upstream:   upstream,
		Metrics:    provenance.ComputeMetrics(table),
	}
	if err := s.recorder.Record(ctx, rec); err != nil {
		result.Warnings = append(result.Warnings, err.Error())
	}
}

func stagesByKind(stages []solve.StageConfig) map[solve.StageKind]solve.StageConfig {
	byKind := make(map[solve.StageKind]solve.StageConfig, len(stages))
	for _, cfg := range stages {
		byKind[cfg.Stage] = cfg
	}
	return byKind
}

// dependedUpon reports whether any other enabled stage depends on kind.
func dependedUpon(kind solve.StageKind, byKind map[solve.StageKind]solve.StageConfig) bool {
	for _, cfg := range byKind {
		if !cfg.Enabled || cfg.Stage == kind {
			continue
		}
		for _, dep := range cfg.DependsOn {
			if dep == kind {
				return true
			}
		}
	}
	return false
}

// failedDependency returns the first enabled dependency of cfg that
// failed, if any.
func failedDependency(cfg solve.StageConfig, byKind map[solve.StageKind]solve.StageConfig, failed map[solve.StageKind]bool) (solve.StageKind, bool) {
	for _, dep := range cfg.DependsOn {
		depCfg, ok := byKind[dep]
		if !ok || !depCfg.Enabled {
			continue
		}
		if failed[dep] {
			return dep, true
		}
	}
	return "", false
}
