package solve

import (
	"context"
	"fmt"
	"time"
)

// StageKind identifies one of the four solve stages.
type StageKind string

const (
	// StageDelay solves per-antenna delays (K-type). Solved on the peak
	// field only.
	StageDelay StageKind = "delay"

	// StagePrePhase solves a short-interval phase-only correction applied
	// before the bandpass solve.
	StagePrePhase StageKind = "prephase"

	// StageBandpass solves per-channel complex gains (B-type).
	StageBandpass StageKind = "bandpass"

	// StageGain solves time-dependent complex gains (G-type). Solved on
	// the peak field only.
	StageGain StageKind = "gain"
)

// StageOrder returns the fixed dependency order stages execute in.
func StageOrder() []StageKind {
	return []StageKind{StageDelay, StagePrePhase, StageBandpass, StageGain}
}

// Valid reports whether k names a known stage.
func (k StageKind) Valid() bool {
	switch k {
	case StageDelay, StagePrePhase, StageBandpass, StageGain:
		return true
	}
	return false
}

// FrequencyResolved reports whether the stage produces per-channel
// solutions. Frequency-resolved tables are interpolated nearest-neighbor
// when applied; frequency-flat tables linearly.
func (k StageKind) FrequencyResolved() bool {
	return k == StageBandpass
}

// CombineSet is a tagged set of data dimensions collapsed together during
// a solve to raise signal-to-noise.
type CombineSet uint8

const (
	CombineScan CombineSet = 1 << iota
	CombineField
	CombineChanGroup
)

// Has reports whether all dimensions in dim are present.
func (c CombineSet) Has(dim CombineSet) bool { return c&dim == dim }

// With returns c with dim added.
func (c CombineSet) With(dim CombineSet) CombineSet { return c | dim }

// Without returns c with dim removed.
func (c CombineSet) Without(dim CombineSet) CombineSet { return c &^ dim }

func (c CombineSet) String() string {
	if c == 0 {
		return "none"
	}
	s := ""
	add := func(name string) {
		if s != "" {
			s += ","
		}
		s += name
	}
	if c.Has(CombineScan) {
		add("scan")
	}
	if c.Has(CombineField) {
		add("field")
	}
	if c.Has(CombineChanGroup) {
		add("chan_group")
	}
	return s
}

// ParseCombine converts config tokens ("scan", "field", "chan_group") into
// a CombineSet.
func ParseCombine(dims []string) (CombineSet, error) {
	var c CombineSet
	for _, d := range dims {
		switch d {
		case "scan":
			c = c.With(CombineScan)
		case "field":
			c = c.With(CombineField)
		case "chan_group", "spw":
			c = c.With(CombineChanGroup)
		default:
			return 0, fmt.Errorf("unknown combine dimension %q", d)
		}
	}
	return c, nil
}

// BaselineFilter restricts a solve to baselines within a length range.
// Zero values mean unbounded on that side.
type BaselineFilter struct {
	MinMeters float64 `json:"min_meters,omitempty"`
	MaxMeters float64 `json:"max_meters,omitempty"`
}

// IsZero reports whether the filter passes all baselines.
func (f BaselineFilter) IsZero() bool { return f.MinMeters == 0 && f.MaxMeters == 0 }

// FieldSpec selects the contiguous field range a solve runs against.
// Start and End are inclusive dataset field indices.
type FieldSpec struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// SingleField returns a FieldSpec covering exactly one field.
func SingleField(idx int) FieldSpec { return FieldSpec{Start: idx, End: idx} }

// Len returns the number of fields selected.
func (s FieldSpec) Len() int { return s.End - s.Start + 1 }

func (s FieldSpec) String() string {
	if s.Start == s.End {
		return fmt.Sprintf("%d", s.Start)
	}
	return fmt.Sprintf("%d~%d", s.Start, s.End)
}

// StageParams is the exact parameter set handed to the Solver for one
// attempt. Retries mutate a copy; attempts are comparable with Equal so the
// retry policy can guarantee it never reissues identical parameters.
type StageParams struct {
	Stage StageKind `json:"stage"`

	// Fields is the solve-field selection. Delay and Gain use the peak
	// field only; PrePhase and Bandpass the full window.
	Fields FieldSpec `json:"fields"`

	// SolutionInterval is the solve cadence. Zero solves one solution for
	// the whole observation.
	SolutionInterval time.Duration `json:"solution_interval"`

	// MinSNR is the minimum signal-to-noise for a solution to be kept.
	MinSNR float64 `json:"min_snr"`

	Combine   CombineSet     `json:"combine"`
	Baselines BaselineFilter `json:"baselines"`

	// RefAntenna is the phase-reference antenna index.
	RefAntenna int `json:"ref_antenna"`
}

// Equal reports whether two parameter sets are identical.
func (p StageParams) Equal(o StageParams) bool { return p == o }

// StageConfig is the immutable per-stage run configuration, constructed
// once before sequencing starts.
type StageConfig struct {
	Stage            StageKind
	Enabled          bool
	SolutionInterval time.Duration
	MinSNR           float64
	Combine          CombineSet
	Baselines        BaselineFilter

	// DependsOn lists stages whose tables this stage consumes as upstream
	// inputs. Disabled stages are ignored when resolving dependencies.
	DependsOn []StageKind
}

// SkyPosition is an ICRS direction in degrees.
type SkyPosition struct {
	RADeg  float64 `json:"ra_deg"`
	DecDeg float64 `json:"dec_deg"`
}

// Field is one pointing of the observation.
type Field struct {
	// Dir is the field's phase/pointing center.
	Dir SkyPosition

	// HasFluxModel reports whether model visibilities have been written
	// for this field.
	HasFluxModel bool
}

// ChannelGroup is a contiguous set of frequency channels processed as a
// unit (a spectral window).
type ChannelGroup struct {
	ChannelFreqsHz []float64
}

// CenterFreqHz returns the mean channel frequency, or 0 for an empty group.
func (g ChannelGroup) CenterFreqHz() float64 {
	if len(g.ChannelFreqsHz) == 0 {
		return 0
	}
	var sum float64
	for _, f := range g.ChannelFreqsHz {
		sum += f
	}
	return sum / float64(len(g.ChannelFreqsHz))
}

// Dataset is the orchestrator's read-only view of visibility data. The
// orchestrator never mutates the data directly; all writes happen inside
// the Solver.
type Dataset interface {
	// Name identifies the dataset for provenance and logging.
	Name() string

	// Fields returns the observation's pointing fields in index order.
	Fields() []Field

	// ChannelGroups returns the channel-group layout.
	ChannelGroups() []ChannelGroup

	// SampleModelAmps reads a bounded sample of model-visibility
	// amplitudes for the given field indices. Implementations must not
	// read more than limit values.
	SampleModelAmps(ctx context.Context, fields []int, limit int) ([]float64, error)
}

// AntennaNone is the sentinel used in solution rows where an antenna slot
// is unused (e.g. antenna-based rather than baseline-based solutions).
const AntennaNone = -1

// SolutionRow is the per-solution summary the Solver reports for a
// produced table. It carries just enough for gating and quality metrics;
// the numerical content stays behind the table path.
type SolutionRow struct {
	Antenna1     int     `json:"antenna1"`
	Antenna2     int     `json:"antenna2"`
	ChannelGroup int     `json:"channel_group"`
	Flagged      bool    `json:"flagged"`
	SNR          float64 `json:"snr"`
}

// CalibrationTable is the artifact of one completed stage. Tables are
// append-only within a run; a retry produces a new table rather than
// rewriting a prior one.
type CalibrationTable struct {
	ID        string      `json:"id"`
	Path      string      `json:"path"`
	Stage     StageKind   `json:"stage"`
	Dataset   string      `json:"dataset"`
	CreatedAt time.Time   `json:"created_at"`
	Params    StageParams `json:"params"`

	// ChannelGroupCount is 1 when the table was solved with channel-group
	// aggregation, otherwise the dataset's group count.
	ChannelGroupCount int `json:"channel_group_count"`

	Rows []SolutionRow `json:"rows"`
}

// SolutionCount returns the number of solution rows.
func (t *CalibrationTable) SolutionCount() int { return len(t.Rows) }

// FlaggedFraction returns the fraction of flagged solutions, 0 for an
// empty table.
func (t *CalibrationTable) FlaggedFraction() float64 {
	if len(t.Rows) == 0 {
		return 0
	}
	n := 0
	for _, r := range t.Rows {
		if r.Flagged {
			n++
		}
	}
	return float64(n) / float64(len(t.Rows))
}

// HasAntenna reports whether ant appears unflagged in any row, as the
// primary antenna or as either baseline endpoint. The AntennaNone sentinel
// never matches.
func (t *CalibrationTable) HasAntenna(ant int) bool {
	if ant == AntennaNone {
		return false
	}
	for _, r := range t.Rows {
		if r.Flagged {
			continue
		}
		if r.Antenna1 == ant || r.Antenna2 == ant {
			return true
		}
	}
	return false
}

// InterpMode is the interpolation hint supplied alongside an upstream
// table when a later stage applies it.
type InterpMode string

const (
	// InterpNearest is used for frequency-resolved tables (bandpass).
	InterpNearest InterpMode = "nearest"

	// InterpLinear is used for frequency-flat tables (delay, phase, gain).
	InterpLinear InterpMode = "linear"
)

// InterpFor returns the interpolation mode appropriate for tables produced
// by the given stage.
func InterpFor(k StageKind) InterpMode {
	if k.FrequencyResolved() {
		return InterpNearest
	}
	return InterpLinear
}

// UpstreamTable pairs a previously produced table with the channel-group
// remap and interpolation hint a downstream solve needs to apply it
// correctly. Omitting the remap for an aggregated table silently
// misapplies corrections to the wrong channel groups.
type UpstreamTable struct {
	Table  *CalibrationTable
	Remap  []int
	Interp InterpMode
}

// SolverIdentity names the external calibration engine for provenance.
type SolverIdentity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Solver is the opaque numerical engine boundary. The orchestrator never
// interprets table content beyond the attributes on CalibrationTable.
type Solver interface {
	// SolveStage runs one solve attempt and returns the produced table.
	SolveStage(ctx context.Context, ds Dataset, params StageParams, upstream []UpstreamTable) (*CalibrationTable, error)

	// Identity reports the engine's name and version.
	Identity() SolverIdentity
}

// TableRemover is optionally implemented by Solvers that can delete a
// produced table. The orchestrator uses it to discard tables orphaned by
// mid-stage cancellation.
type TableRemover interface {
	RemoveTable(ctx context.Context, table *CalibrationTable) error
}
