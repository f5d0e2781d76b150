// Package dataset provides a manifest-backed implementation of the
// orchestrator's dataset view. The manifest describes the observation's
// fields and channel-group layout; the visibility data itself stays behind
// the solver.
package dataset

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/calseq/internal/solve"
)

// fieldEntry is one pointing in the manifest.
type fieldEntry struct {
	RADeg        float64 `yaml:"ra_deg"`
	DecDeg       float64 `yaml:"dec_deg"`
	HasFluxModel bool    `yaml:"has_flux_model"`

	// ModelAmpSample optionally embeds a bounded sample of model
	// amplitudes for gate prechecks.
	ModelAmpSample []float64 `yaml:"model_amp_sample,omitempty"`
}

type groupEntry struct {
	ChannelFreqsHz []float64 `yaml:"channel_freqs_hz"`
}

type manifest struct {
	Name          string       `yaml:"name"`
	Fields        []fieldEntry `yaml:"fields"`
	ChannelGroups []groupEntry `yaml:"channel_groups"`
}

// Manifest is a solve.Dataset decoded from a YAML description.
type Manifest struct {
	name   string
	fields []solve.Field
	groups []solve.ChannelGroup
	amps   [][]float64
}

var _ solve.Dataset = (*Manifest)(nil)

// LoadManifest reads a dataset manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset manifest: %w", err)
	}
	defer f.Close()
	return ReadManifest(f)
}

// ReadManifest decodes a dataset manifest from r.
func ReadManifest(r io.Reader) (*Manifest, error) {
	var m manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode dataset manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("dataset manifest has no name")
	}
	if len(m.Fields) == 0 {
		return nil, fmt.Errorf("dataset manifest %s lists no fields", m.Name)
	}

	ds := &Manifest{name: m.Name}
	for _, fe := range m.Fields {
		ds.fields = append(ds.fields, solve.Field{
			Dir:          solve.SkyPosition{RADeg: fe.RADeg, DecDeg: fe.DecDeg},
			HasFluxModel: fe.HasFluxModel,
		})
		ds.amps = append(ds.amps, fe.ModelAmpSample)
	}
	for _, ge := range m.ChannelGroups {
		ds.groups = append(ds.groups, solve.ChannelGroup{ChannelFreqsHz: ge.ChannelFreqsHz})
	}
	return ds, nil
}

// Name implements solve.Dataset.
func (d *Manifest) Name() string { return d.name }

// Fields implements solve.Dataset.
func (d *Manifest) Fields() []solve.Field { return d.fields }

// ChannelGroups implements solve.Dataset.
func (d *Manifest) ChannelGroups() []solve.ChannelGroup { return d.groups }

// SampleModelAmps implements solve.Dataset from the embedded per-field
// samples. At most limit values are returned.
func (d *Manifest) SampleModelAmps(ctx context.Context, fields []int, limit int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]float64, 0, limit)
	for _, idx := range fields {
		if idx < 0 || idx >= len(d.amps) {
			return nil, fmt.Errorf("field index %d outside dataset %s", idx, d.name)
		}
		for _, a := range d.amps[idx] {
			if len(out) >= limit {
				return out, nil
			}
			out = append(out, a)
		}
	}
	return out, nil
}
