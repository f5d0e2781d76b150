// Package config provides run-configuration loading for calseq.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/calseq/internal/fieldselect"
	"github.com/fyrsmithlabs/calseq/internal/gate"
	"github.com/fyrsmithlabs/calseq/internal/logging"
	"github.com/fyrsmithlabs/calseq/internal/retry"
	"github.com/fyrsmithlabs/calseq/internal/solve"
	"github.com/fyrsmithlabs/calseq/internal/telemetry"
)

// Config is the full run configuration.
type Config struct {
	Run        RunConfig        `koanf:"run"`
	Stages     StagesConfig     `koanf:"stages"`
	Gate       gate.Config      `koanf:"gate"`
	Logging    logging.Config   `koanf:"logging"`
	Telemetry  telemetry.Config `koanf:"telemetry"`
	Provenance ProvenanceConfig `koanf:"provenance"`
	Catalog    CatalogConfig    `koanf:"catalog"`
}

// RunConfig holds run-level settings shared by all stages.
type RunConfig struct {
	// FieldWindowPolicy is fixed_width or pb_threshold.
	FieldWindowPolicy string `koanf:"field_window_policy"`

	// HalfWidth is the fixed_width half-width in fields.
	HalfWidth int `koanf:"half_width"`

	// MinPBFraction is the pb_threshold response cutoff.
	MinPBFraction float64 `koanf:"min_pb_fraction"`

	// DishDiameterMeters sets the primary-beam scale.
	DishDiameterMeters float64 `koanf:"dish_diameter_m"`

	// ReferenceAntennas is the ordered reference-antenna fallback chain.
	ReferenceAntennas []int `koanf:"reference_antennas"`

	// MaxRetries bounds relaxed retries per stage.
	MaxRetries int `koanf:"max_retries"`

	// StageTimeout caps one solve attempt's wall time.
	StageTimeout time.Duration `koanf:"stage_timeout"`
}

// StageSettings configures one solve stage.
type StageSettings struct {
	Enabled          bool          `koanf:"enabled"`
	SolutionInterval time.Duration `koanf:"solution_interval"`
	MinSNR           float64       `koanf:"min_snr"`
	Combine          []string      `koanf:"combine"`
	MinBaselineM     float64       `koanf:"min_baseline_m"`
	MaxBaselineM     float64       `koanf:"max_baseline_m"`
	DependsOn        []string      `koanf:"depends_on"`
}

// StagesConfig holds the per-stage settings in solve order.
type StagesConfig struct {
	Delay    StageSettings `koanf:"delay"`
	PrePhase StageSettings `koanf:"prephase"`
	Bandpass StageSettings `koanf:"bandpass"`
	Gain     StageSettings `koanf:"gain"`
}

// ProvenanceConfig locates the provenance store.
type ProvenanceConfig struct {
	// Path is the NDJSON record file.
	Path string `koanf:"path"`
}

// CatalogConfig locates the calibrator catalog.
type CatalogConfig struct {
	// Path is the CSV calibrator list.
	Path string `koanf:"path"`

	// SearchRadiusDeg bounds nearest-position lookups.
	SearchRadiusDeg float64 `koanf:"search_radius_deg"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch fieldselect.WindowPolicy(c.Run.FieldWindowPolicy) {
	case fieldselect.PolicyFixedWidth:
		if c.Run.HalfWidth < 0 {
			return fmt.Errorf("run.half_width must be non-negative")
		}
	case fieldselect.PolicyPBThreshold:
		if c.Run.MinPBFraction <= 0 || c.Run.MinPBFraction > 1 {
			return fmt.Errorf("run.min_pb_fraction must be in (0, 1], got %g", c.Run.MinPBFraction)
		}
	default:
		return fmt.Errorf("unknown run.field_window_policy %q", c.Run.FieldWindowPolicy)
	}

	if c.Run.DishDiameterMeters <= 0 {
		return fmt.Errorf("run.dish_diameter_m must be positive")
	}
	if len(c.Run.ReferenceAntennas) == 0 {
		return fmt.Errorf("run.reference_antennas must list at least one antenna")
	}
	for _, a := range c.Run.ReferenceAntennas {
		if a < 0 {
			return fmt.Errorf("run.reference_antennas contains negative antenna index %d", a)
		}
	}
	if c.Run.MaxRetries < 0 {
		return fmt.Errorf("run.max_retries must be non-negative")
	}
	if c.Run.StageTimeout <= 0 {
		return fmt.Errorf("run.stage_timeout must be positive")
	}

	if _, err := c.StageConfigs(); err != nil {
		return err
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if c.Provenance.Path == "" {
		return fmt.Errorf("provenance.path must be set")
	}
	return nil
}

// FieldSelectConfig converts run-level settings for the field selector.
func (c *Config) FieldSelectConfig() fieldselect.Config {
	fc := fieldselect.DefaultConfig()
	fc.Policy = fieldselect.WindowPolicy(c.Run.FieldWindowPolicy)
	fc.HalfWidth = c.Run.HalfWidth
	fc.MinPBFraction = c.Run.MinPBFraction
	fc.DishDiameterMeters = c.Run.DishDiameterMeters
	return fc
}

// RetryConfig converts run-level settings for the retry policy.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{MaxRetries: c.Run.MaxRetries}
}

// StageConfigs converts the per-stage settings into solve stage configs,
// in the fixed stage order.
func (c *Config) StageConfigs() ([]solve.StageConfig, error) {
	pairs := []struct {
		kind     solve.StageKind
		settings StageSettings
	}{
		{solve.StageDelay, c.Stages.Delay},
		{solve.StagePrePhase, c.Stages.PrePhase},
		{solve.StageBandpass, c.Stages.Bandpass},
		{solve.StageGain, c.Stages.Gain},
	}

	out := make([]solve.StageConfig, 0, len(pairs))
	for _, p := range pairs {
		combine, err := solve.ParseCombine(p.settings.Combine)
		if err != nil {
			return nil, fmt.Errorf("stages.%s.combine: %w", p.kind, err)
		}
		var deps []solve.StageKind
		for _, d := range p.settings.DependsOn {
			dep := solve.StageKind(d)
			if !dep.Valid() {
				return nil, fmt.Errorf("stages.%s.depends_on: unknown stage %q", p.kind, d)
			}
			if dep == p.kind {
				return nil, fmt.Errorf("stages.%s.depends_on: stage cannot depend on itself", p.kind)
			}
			deps = append(deps, dep)
		}
		if p.settings.SolutionInterval < 0 {
			return nil, fmt.Errorf("stages.%s.solution_interval must be non-negative", p.kind)
		}
		out = append(out, solve.StageConfig{
			Stage:            p.kind,
			Enabled:          p.settings.Enabled,
			SolutionInterval: p.settings.SolutionInterval,
			MinSNR:           p.settings.MinSNR,
			Combine:          combine,
			Baselines: solve.BaselineFilter{
				MinMeters: p.settings.MinBaselineM,
				MaxMeters: p.settings.MaxBaselineM,
			},
			DependsOn: deps,
		})
	}
	return out, nil
}
