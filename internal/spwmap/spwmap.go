// Package spwmap reconciles the channel-group layout of a calibration
// table with the layout of the dataset it is applied to. A table solved
// with channel-group aggregation carries a single group; applying it to a
// multi-group dataset without a remap silently corrects the wrong groups.
package spwmap

import (
	"fmt"

	"github.com/fyrsmithlabs/calseq/internal/solve"
)

// IncompatibleError reports a table/dataset channel-group combination that
// has no valid remap.
type IncompatibleError struct {
	TableGroups   int
	DatasetGroups int
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("incompatible channel-group configuration: table has %d groups, dataset has %d",
		e.TableGroups, e.DatasetGroups)
}

// Remap maps each native dataset channel-group index to the table group
// that corrects it. Identity remaps are represented explicitly so the
// solver input is uniform.
type Remap []int

// IsIdentity reports whether the remap maps every index to itself.
func (r Remap) IsIdentity() bool {
	for i, v := range r {
		if v != i {
			return false
		}
	}
	return true
}

// Compute derives the remap for applying table to a dataset with
// datasetGroups channel groups.
//
// An aggregated table (one group) applied to a multi-group dataset maps
// every native group to 0. Matching counts yield the identity. Any other
// combination is an error.
func Compute(table *solve.CalibrationTable, datasetGroups int) (Remap, error) {
	tg := table.ChannelGroupCount
	if tg < 1 || datasetGroups < 1 {
		return nil, &IncompatibleError{TableGroups: tg, DatasetGroups: datasetGroups}
	}

	switch {
	case tg == datasetGroups:
		r := make(Remap, datasetGroups)
		for i := range r {
			r[i] = i
		}
		return r, nil
	case tg == 1:
		return make(Remap, datasetGroups), nil
	default:
		return nil, &IncompatibleError{TableGroups: tg, DatasetGroups: datasetGroups}
	}
}

// Upstream packages a produced table with the remap and interpolation hint
// a later stage needs to consume it against the given dataset layout.
func Upstream(table *solve.CalibrationTable, datasetGroups int) (solve.UpstreamTable, error) {
	remap, err := Compute(table, datasetGroups)
	if err != nil {
		return solve.UpstreamTable{}, fmt.Errorf("reconcile %s table: %w", table.Stage, err)
	}
	return solve.UpstreamTable{
		Table:  table,
		Remap:  remap,
		Interp: solve.InterpFor(table.Stage),
	}, nil
}
