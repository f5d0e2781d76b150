// Package orchestrator sequences the calibration solve stages for one
// dataset/calibrator pair: field selection once, then the fixed stage
// order with gate checks, retries, channel-group reconciliation, and
// provenance recording around each stage.
package orchestrator

import (
	"time"

	"github.com/fyrsmithlabs/calseq/internal/fieldselect"
	"github.com/fyrsmithlabs/calseq/internal/solve"
)

// Status is the overall outcome of a run.
type Status string

const (
	// StatusSuccess means every enabled stage produced a valid table.
	StatusSuccess Status = "success"

	// StatusPartial means at least one independent stage failed but the
	// run completed the stages that remained runnable.
	StatusPartial Status = "partial"

	// StatusFailed means the run stopped: field selection failed, a
	// depended-upon stage exhausted retries, or the run was cancelled.
	StatusFailed Status = "failed"
)

// StageStatus is the outcome of one stage within a run.
type StageStatus string

const (
	StageCompleted       StageStatus = "completed"
	StageFailed          StageStatus = "failed"
	StageSkippedConfig   StageStatus = "skipped_disabled"
	StageSkippedUpstream StageStatus = "skipped_dependency"
)

// StageOutcome records what happened to one stage.
type StageOutcome struct {
	Stage    solve.StageKind
	Status   StageStatus
	Table    *solve.CalibrationTable
	Attempts int

	// RefAntenna is the reference antenna postcheck settled on, possibly
	// a fallback along the configured chain; later stages pin to it. The
	// table's Params keep the antenna the solve was actually issued
	// with. AntennaNone for stages that produced no table.
	RefAntenna int

	// Error holds the failure description for StageFailed outcomes.
	Error string
}

// RunResult is the orchestrator's only output. A run always returns one;
// errors never escape the run boundary.
type RunResult struct {
	RunID      string
	Dataset    string
	Calibrator string

	Window *fieldselect.Window

	// Tables lists produced tables in stage-completion order.
	Tables []*solve.CalibrationTable

	Stages   []StageOutcome
	Status   Status
	Warnings []string

	StartedAt   time.Time
	CompletedAt time.Time
}

// TableFor returns the produced table for a stage, or nil.
func (r *RunResult) TableFor(kind solve.StageKind) *solve.CalibrationTable {
	for _, o := range r.Stages {
		if o.Stage == kind {
			return o.Table
		}
	}
	return nil
}

// PlannedStage is one stage of a dry-run plan.
type PlannedStage struct {
	Stage     solve.StageKind
	Enabled   bool
	Params    solve.StageParams
	DependsOn []solve.StageKind
}

// Plan is the dry-run output: what a run would do, without solving.
type Plan struct {
	Dataset    string
	Calibrator string
	Window     *fieldselect.Window
	Stages     []PlannedStage
}
