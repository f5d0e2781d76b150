package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// defaultYAML holds the hardcoded defaults. Solution intervals of 0s solve
// once over the whole observation. The default stage dependencies feed the
// pre-bandpass phase solve into bandpass and bandpass into gain; delay is
// deliberately independent.
const defaultYAML = `
run:
  field_window_policy: pb_threshold
  half_width: 2
  min_pb_fraction: 0.5
  dish_diameter_m: 4.7
  reference_antennas: [0]
  max_retries: 2
  stage_timeout: 30m
gate:
  sample_limit: 1000
  min_model_amp: 0.0
stages:
  delay:
    enabled: true
    solution_interval: 0s
    min_snr: 3.0
    combine: [scan]
  prephase:
    enabled: true
    solution_interval: 30s
    min_snr: 3.0
    combine: [scan, field]
  bandpass:
    enabled: true
    solution_interval: 0s
    min_snr: 3.0
    combine: [scan, field]
    depends_on: [prephase]
  gain:
    enabled: true
    solution_interval: 0s
    min_snr: 3.0
    combine: [scan]
    depends_on: [bandpass]
logging:
  level: info
  format: json
telemetry:
  enabled: false
  endpoint: localhost:4317
  service_name: calseq
  service_version: 0.1.0
  insecure: true
  sampling:
    rate: 1.0
  metrics:
    enabled: true
    export_interval: 15s
  shutdown:
    timeout: 5s
provenance:
  path: calseq-provenance.ndjson
catalog:
  path: ""
  search_radius_deg: 1.0
`

// Load builds the configuration from defaults, an optional YAML file, and
// environment-variable overrides.
//
// Precedence (highest to lowest):
//  1. Environment variables (CALSEQ_RUN_MAX_RETRIES, CALSEQ_STAGES_GAIN_MIN_SNR, ...)
//  2. YAML config file (configPath; skipped when empty)
//  3. Hardcoded defaults
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment variables map CALSEQ_SECTION_FIELD_NAME to
	// section.field_name. Two sections nest one level deeper: stages
	// (CALSEQ_STAGES_GAIN_MIN_SNR -> stages.gain.min_snr) and the
	// telemetry subsections (CALSEQ_TELEMETRY_SAMPLING_RATE ->
	// telemetry.sampling.rate).
	if err := k.Load(env.Provider("CALSEQ_", ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, "CALSEQ_"))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		if parts[0] == "stages" {
			rest := strings.SplitN(parts[1], "_", 2)
			if len(rest) == 2 {
				return "stages." + rest[0] + "." + rest[1]
			}
		}
		if parts[0] == "telemetry" {
			for _, sub := range []string{"sampling", "metrics", "shutdown"} {
				if strings.HasPrefix(parts[1], sub+"_") {
					return "telemetry." + sub + "." + strings.TrimPrefix(parts[1], sub+"_")
				}
			}
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// readConfigFile reads the file through a single descriptor, enforcing the
// size cap on the already-opened file to avoid a stat/read race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}
