// Package fieldselect picks the window of pointing fields a calibration
// run solves against, by weighting each field's primary-beam response at
// the calibrator position with the calibrator's catalog flux.
package fieldselect

import (
	"errors"
	"fmt"
	"math"

	"github.com/fyrsmithlabs/calseq/internal/catalog"
	"github.com/fyrsmithlabs/calseq/internal/solve"
)

// ErrNoCalibratorInView is returned when no field sees the calibrator with
// positive weighted flux.
var ErrNoCalibratorInView = errors.New("no calibrator in view")

// WindowPolicy selects how the field window is grown around the peak.
type WindowPolicy string

const (
	// PolicyFixedWidth takes a fixed half-width of fields either side of
	// the peak, clamped to the dataset bounds.
	PolicyFixedWidth WindowPolicy = "fixed_width"

	// PolicyPBThreshold expands outward from the peak while the
	// primary-beam response stays above MinPBFraction of the peak
	// response, stopping at the first field below threshold on each side.
	PolicyPBThreshold WindowPolicy = "pb_threshold"
)

// Config parameterizes selection.
type Config struct {
	Policy WindowPolicy

	// HalfWidth is the number of fields either side of the peak under
	// PolicyFixedWidth.
	HalfWidth int

	// MinPBFraction is the response cutoff relative to the peak response
	// under PolicyPBThreshold.
	MinPBFraction float64

	// DishDiameterMeters sets the Airy beam scale.
	DishDiameterMeters float64

	// FallbackFreqHz is used when the dataset reports no channel groups.
	FallbackFreqHz float64
}

// DefaultConfig returns selection defaults matching a 4.7 m dish at L band.
func DefaultConfig() Config {
	return Config{
		Policy:             PolicyPBThreshold,
		HalfWidth:          2,
		MinPBFraction:      0.5,
		DishDiameterMeters: 4.7,
		FallbackFreqHz:     1.4e9,
	}
}

// Window is a contiguous run of field indices with per-field weighted-flux
// estimates and the designated peak. Start and End are inclusive.
type Window struct {
	Start int
	End   int
	Peak  int

	// WeightedFlux holds the flux estimates for fields Start..End.
	WeightedFlux []float64

	// PeakResponse is the primary-beam response at the peak field.
	PeakResponse float64
}

// Len returns the number of fields in the window.
func (w *Window) Len() int { return w.End - w.Start + 1 }

// Contains reports whether field index idx falls inside the window.
func (w *Window) Contains(idx int) bool { return idx >= w.Start && idx <= w.End }

// Spec returns the window as a solve field selection.
func (w *Window) Spec() solve.FieldSpec { return solve.FieldSpec{Start: w.Start, End: w.End} }

// PeakSpec returns the peak field as a single-field selection.
func (w *Window) PeakSpec() solve.FieldSpec { return solve.SingleField(w.Peak) }

// Select computes the field window for cal against the dataset's fields.
// It is a pure function over its inputs.
func Select(cal catalog.Calibrator, ds solve.Dataset, cfg Config) (*Window, error) {
	fields := ds.Fields()
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: dataset %s has no fields", ErrNoCalibratorInView, ds.Name())
	}

	freqHz := observingFreqHz(ds, cfg.FallbackFreqHz)

	resp := make([]float64, len(fields))
	wflux := make([]float64, len(fields))
	peak := 0
	for i, f := range fields {
		resp[i] = AiryResponse(f.Dir, cal.Position, freqHz, cfg.DishDiameterMeters)
		wflux[i] = resp[i] * cal.FluxJy
		if wflux[i] > wflux[peak] {
			peak = i
		}
	}

	if wflux[peak] <= 0 {
		return nil, fmt.Errorf("%w: calibrator %s outside all beams", ErrNoCalibratorInView, cal.Name)
	}

	var start, end int
	switch cfg.Policy {
	case PolicyFixedWidth:
		start = max(0, peak-cfg.HalfWidth)
		end = min(len(fields)-1, peak+cfg.HalfWidth)
	case PolicyPBThreshold:
		cutoff := cfg.MinPBFraction * resp[peak]
		start, end = peak, peak
		for start > 0 && resp[start-1] >= cutoff {
			start--
		}
		for end < len(fields)-1 && resp[end+1] >= cutoff {
			end++
		}
	default:
		return nil, fmt.Errorf("unknown field window policy %q", cfg.Policy)
	}

	return &Window{
		Start:        start,
		End:          end,
		Peak:         peak,
		WeightedFlux: wflux[start : end+1],
		PeakResponse: resp[peak],
	}, nil
}

// AiryResponse computes the primary-beam response PB = (2*J1(x)/x)^2 at
// the calibrator's angular offset from a field center, with
// x = pi*D*sin(theta)/lambda. Returns a value in [0, 1].
func AiryResponse(field, src solve.SkyPosition, freqHz, dishDiaM float64) float64 {
	fieldRA := field.RADeg * math.Pi / 180
	fieldDec := field.DecDeg * math.Pi / 180
	srcRA := src.RADeg * math.Pi / 180
	srcDec := src.DecDeg * math.Pi / 180

	dra := (srcRA - fieldRA) * math.Cos(fieldDec)
	ddec := srcDec - fieldDec
	theta := math.Sqrt(dra*dra + ddec*ddec)
	if theta < 1e-10 {
		return 1.0
	}

	lambda := 299792458.0 / freqHz
	x := math.Pi * dishDiaM * math.Sin(theta) / lambda
	if x < 1e-10 {
		return 1.0
	}
	r := 2 * math.J1(x) / x
	r = r * r
	return math.Min(math.Max(r, 0), 1)
}

// observingFreqHz averages channel-group center frequencies, falling back
// when the dataset reports none.
func observingFreqHz(ds solve.Dataset, fallback float64) float64 {
	groups := ds.ChannelGroups()
	if len(groups) == 0 {
		return fallback
	}
	var sum float64
	n := 0
	for _, g := range groups {
		if c := g.CenterFreqHz(); c > 0 {
			sum += c
			n++
		}
	}
	if n == 0 {
		return fallback
	}
	return sum / float64(n)
}
