package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/calseq/internal/solve"
)

const sampleCatalog = `name,ra_deg,dec_deg,flux_jy
3C48,24.4221,33.1598,16.5
3C147,85.6506,49.8520,22.9
3C286,202.7845,30.5091,14.7
`

func TestReadCSV(t *testing.T) {
	store, err := ReadCSV(strings.NewReader(sampleCatalog))
	require.NoError(t, err)
	assert.Equal(t, 3, store.Len())
}

func TestReadCSV_MissingColumn(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("name,ra_deg,dec_deg\n3C48,24.4,33.1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flux_jy")
}

func TestReadCSV_BadValue(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("name,ra_deg,dec_deg,flux_jy\n3C48,abc,33.1,16.5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestByName(t *testing.T) {
	store, err := ReadCSV(strings.NewReader(sampleCatalog))
	require.NoError(t, err)

	tests := []struct {
		name    string
		lookup  string
		wantErr bool
		flux    float64
	}{
		{name: "exact match", lookup: "3C147", flux: 22.9},
		{name: "case insensitive", lookup: "3c286", flux: 14.7},
		{name: "unknown", lookup: "3C999", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := store.ByName(context.Background(), tt.lookup)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.flux, c.FluxJy)
		})
	}
}

func TestNearest(t *testing.T) {
	store, err := ReadCSV(strings.NewReader(sampleCatalog))
	require.NoError(t, err)

	c, err := store.Nearest(context.Background(), solve.SkyPosition{RADeg: 24.5, DecDeg: 33.2}, 1.0)
	require.NoError(t, err)
	assert.Equal(t, "3C48", c.Name)

	_, err = store.Nearest(context.Background(), solve.SkyPosition{RADeg: 120.0, DecDeg: -40.0}, 1.0)
	assert.ErrorIs(t, err, ErrNotFound)
}
