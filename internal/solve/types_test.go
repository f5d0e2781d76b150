package solve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageOrderAndValidity(t *testing.T) {
	order := StageOrder()
	require.Equal(t, []StageKind{StageDelay, StagePrePhase, StageBandpass, StageGain}, order)
	for _, k := range order {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, StageKind("polcal").Valid())
	assert.False(t, StageKind("").Valid())
}

func TestFrequencyResolved(t *testing.T) {
	assert.True(t, StageBandpass.FrequencyResolved())
	assert.False(t, StageDelay.FrequencyResolved())
	assert.False(t, StagePrePhase.FrequencyResolved())
	assert.False(t, StageGain.FrequencyResolved())
}

func TestCombineSet(t *testing.T) {
	c := CombineScan.With(CombineField)
	assert.True(t, c.Has(CombineScan))
	assert.True(t, c.Has(CombineField))
	assert.False(t, c.Has(CombineChanGroup))
	assert.False(t, c.Has(CombineScan|CombineChanGroup))

	assert.Equal(t, CombineField, c.Without(CombineScan))
	assert.Equal(t, c, c.With(CombineScan), "With is idempotent")

	assert.Equal(t, "none", CombineSet(0).String())
	assert.Equal(t, "scan,field,chan_group",
		CombineScan.With(CombineField).With(CombineChanGroup).String())
}

func TestParseCombine(t *testing.T) {
	tests := []struct {
		name    string
		dims    []string
		want    CombineSet
		wantErr bool
	}{
		{name: "empty", dims: nil, want: 0},
		{name: "scan only", dims: []string{"scan"}, want: CombineScan},
		{name: "all dims", dims: []string{"scan", "field", "chan_group"},
			want: CombineScan | CombineField | CombineChanGroup},
		{name: "spw alias", dims: []string{"spw"}, want: CombineChanGroup},
		{name: "unknown", dims: []string{"polarization"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCombine(tt.dims)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFieldSpec(t *testing.T) {
	s := FieldSpec{Start: 2, End: 4}
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, "2~4", s.String())

	single := SingleField(7)
	assert.Equal(t, 1, single.Len())
	assert.Equal(t, "7", single.String())
}

func TestStageParamsEqual(t *testing.T) {
	base := StageParams{
		Stage:            StageGain,
		Fields:           SingleField(3),
		SolutionInterval: 30 * time.Second,
		MinSNR:           3,
		Combine:          CombineScan,
		RefAntenna:       0,
	}
	assert.True(t, base.Equal(base))

	changed := base
	changed.Combine = 0
	assert.False(t, base.Equal(changed))

	changed = base
	changed.SolutionInterval = 0
	assert.False(t, base.Equal(changed))
}

func TestCalibrationTableRows(t *testing.T) {
	table := &CalibrationTable{
		Stage: StageGain,
		Rows: []SolutionRow{
			{Antenna1: 0, Antenna2: AntennaNone, SNR: 10},
			{Antenna1: 1, Antenna2: 2, SNR: 5},
			{Antenna1: 3, Antenna2: AntennaNone, Flagged: true, SNR: 1},
			{Antenna1: 4, Antenna2: AntennaNone, SNR: 8},
		},
	}

	assert.Equal(t, 4, table.SolutionCount())
	assert.InDelta(t, 0.25, table.FlaggedFraction(), 1e-12)

	assert.True(t, table.HasAntenna(0))
	assert.True(t, table.HasAntenna(2), "baseline endpoint counts")
	assert.False(t, table.HasAntenna(3), "flagged rows do not count")
	assert.False(t, table.HasAntenna(AntennaNone), "sentinel never matches")

	empty := &CalibrationTable{Stage: StageDelay}
	assert.Equal(t, 0, empty.SolutionCount())
	assert.Zero(t, empty.FlaggedFraction())
}

func TestInterpFor(t *testing.T) {
	assert.Equal(t, InterpNearest, InterpFor(StageBandpass))
	assert.Equal(t, InterpLinear, InterpFor(StageDelay))
	assert.Equal(t, InterpLinear, InterpFor(StagePrePhase))
	assert.Equal(t, InterpLinear, InterpFor(StageGain))
}
