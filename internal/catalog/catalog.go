// Package catalog provides the calibrator lookup surface. Catalog
// ingestion stays behind the Lookup interface; the CSV store covers the
// common flat-file case.
package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/calseq/internal/solve"
)

// ErrNotFound is returned when no calibrator matches a lookup.
var ErrNotFound = errors.New("calibrator not found")

// Calibrator is one catalog entry: a point source with a known flux.
type Calibrator struct {
	Name     string            `json:"name"`
	Position solve.SkyPosition `json:"position"`
	FluxJy   float64           `json:"flux_jy"`
}

// Lookup resolves calibrators from a catalog.
type Lookup interface {
	// ByName returns the calibrator with the given name.
	ByName(ctx context.Context, name string) (Calibrator, error)

	// Nearest returns the calibrator closest to pos within radiusDeg.
	Nearest(ctx context.Context, pos solve.SkyPosition, radiusDeg float64) (Calibrator, error)
}

// CSVStore is an in-memory Lookup loaded from a CSV calibrator list with
// columns name, ra_deg, dec_deg, flux_jy (header row required).
type CSVStore struct {
	entries []Calibrator
}

var _ Lookup = (*CSVStore)(nil)

// LoadCSV reads a calibrator catalog from path.
func LoadCSV(path string) (*CSVStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses a calibrator catalog from r.
func ReadCSV(r io.Reader) (*CSVStore, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read catalog header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, want := range []string{"name", "ra_deg", "dec_deg", "flux_jy"} {
		if _, ok := col[want]; !ok {
			return nil, fmt.Errorf("catalog missing column %q", want)
		}
	}

	s := &CSVStore{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read catalog line %d: %w", line, err)
		}
		ra, err := strconv.ParseFloat(rec[col["ra_deg"]], 64)
		if err != nil {
			return nil, fmt.Errorf("catalog line %d: bad ra_deg: %w", line, err)
		}
		dec, err := strconv.ParseFloat(rec[col["dec_deg"]], 64)
		if err != nil {
			return nil, fmt.Errorf("catalog line %d: bad dec_deg: %w", line, err)
		}
		flux, err := strconv.ParseFloat(rec[col["flux_jy"]], 64)
		if err != nil {
			return nil, fmt.Errorf("catalog line %d: bad flux_jy: %w", line, err)
		}
		s.entries = append(s.entries, Calibrator{
			Name:     strings.TrimSpace(rec[col["name"]]),
			Position: solve.SkyPosition{RADeg: ra, DecDeg: dec},
			FluxJy:   flux,
		})
	}
	return s, nil
}

// Len returns the number of catalog entries.
func (s *CSVStore) Len() int { return len(s.entries) }

// ByName implements Lookup.
func (s *CSVStore) ByName(_ context.Context, name string) (Calibrator, error) {
	for _, c := range s.entries {
		if strings.EqualFold(c.Name, name) {
			return c, nil
		}
	}
	return Calibrator{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Nearest implements Lookup.
func (s *CSVStore) Nearest(_ context.Context, pos solve.SkyPosition, radiusDeg float64) (Calibrator, error) {
	best := -1
	bestSep := math.Inf(1)
	for i, c := range s.entries {
		sep := AngularSeparationDeg(pos, c.Position)
		if sep <= radiusDeg && sep < bestSep {
			best, bestSep = i, sep
		}
	}
	if best < 0 {
		return Calibrator{}, fmt.Errorf("%w: none within %.3f deg of (%.4f, %.4f)",
			ErrNotFound, radiusDeg, pos.RADeg, pos.DecDeg)
	}
	return s.entries[best], nil
}

// AngularSeparationDeg returns the small-angle separation between two sky
// positions in degrees.
func AngularSeparationDeg(a, b solve.SkyPosition) float64 {
	dra := (b.RADeg - a.RADeg) * math.Cos(a.DecDeg*math.Pi/180)
	ddec := b.DecDeg - a.DecDeg
	return math.Sqrt(dra*dra + ddec*ddec)
}
