package spwmap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/calseq/internal/solve"
)

func table(stage solve.StageKind, groups int) *solve.CalibrationTable {
	return &solve.CalibrationTable{
		ID:                "t1",
		Stage:             stage,
		ChannelGroupCount: groups,
	}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name          string
		tableGroups   int
		datasetGroups int
		want          Remap
		wantErr       bool
	}{
		{
			name:          "identity when counts match",
			tableGroups:   16,
			datasetGroups: 16,
			want:          Remap{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		},
		{
			name:          "aggregated table maps all groups to zero",
			tableGroups:   1,
			datasetGroups: 4,
			want:          Remap{0, 0, 0, 0},
		},
		{
			name:          "single group identity",
			tableGroups:   1,
			datasetGroups: 1,
			want:          Remap{0},
		},
		{
			name:          "mismatched counts rejected",
			tableGroups:   4,
			datasetGroups: 16,
			wantErr:       true,
		},
		{
			name:          "table larger than dataset rejected",
			tableGroups:   16,
			datasetGroups: 4,
			wantErr:       true,
		},
		{
			name:          "zero table groups rejected",
			tableGroups:   0,
			datasetGroups: 4,
			wantErr:       true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(table(solve.StageBandpass, tt.tableGroups), tt.datasetGroups)
			if tt.wantErr {
				var incompat *IncompatibleError
				require.ErrorAs(t, err, &incompat)
				assert.Equal(t, tt.tableGroups, incompat.TableGroups)
				assert.Equal(t, tt.datasetGroups, incompat.DatasetGroups)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRemapIsIdentity(t *testing.T) {
	assert.True(t, Remap{0, 1, 2}.IsIdentity())
	assert.False(t, Remap{0, 0, 0}.IsIdentity())
	assert.True(t, Remap{}.IsIdentity())
}

func TestUpstream(t *testing.T) {
	t.Run("bandpass gets nearest interp", func(t *testing.T) {
		up, err := Upstream(table(solve.StageBandpass, 1), 4)
		require.NoError(t, err)
		assert.Equal(t, solve.InterpNearest, up.Interp)
		assert.Equal(t, []int{0, 0, 0, 0}, up.Remap)
	})

	t.Run("gain gets linear interp", func(t *testing.T) {
		up, err := Upstream(table(solve.StageGain, 4), 4)
		require.NoError(t, err)
		assert.Equal(t, solve.InterpLinear, up.Interp)
		assert.True(t, Remap(up.Remap).IsIdentity())
	})

	t.Run("incompatible layout surfaces stage in error", func(t *testing.T) {
		_, err := Upstream(table(solve.StagePrePhase, 3), 8)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prephase")
		var incompat *IncompatibleError
		assert.True(t, errors.As(err, &incompat))
	})
}
