package sidecar

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned, wrapped, when a sidecar config is invalid.
var ErrInvalidConfig = errors.New("invalid sidecar config")

// Duration wraps time.Duration to unmarshal from YAML strings such as "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config configures a sidecar's segments at boot.
type Config struct {
	Segments map[string]SegmentConfig `yaml:"segments"`
}

// SegmentConfig configures the limiter for a single segment.
type SegmentConfig struct {
	// TargetTPS is the desired steady state request rate in requests per second. Required.
	TargetTPS float64 `yaml:"target_tps"`

	// MinTPS and MaxTPS bound the target rate. They default to 0 and +Inf.
	MinTPS *float64 `yaml:"min_tps"`
	MaxTPS *float64 `yaml:"max_tps"`

	// Controller gains. A segment with all gains zero keeps a static target rate.
	ProportionalGain float64 `yaml:"kp"`
	IntegralGain     float64 `yaml:"ki"`
	DerivativeGain   float64 `yaml:"kd"`

	// ErrorBias asymmetrically scales positive vs negative errors. Must be in [-1, 1].
	ErrorBias float64 `yaml:"error_bias"`

	// ErrorLimit and OutputLimit bound the controller's accumulated error and correction output. They default to +Inf.
	ErrorLimit  *float64 `yaml:"error_limit"`
	OutputLimit *float64 `yaml:"output_limit"`

	// UpdateInterval is the cadence of target rate recomputation. Defaults to 1 second.
	UpdateInterval Duration `yaml:"update_interval"`
}

// adaptive returns whether the segment configures a controller.
func (c *SegmentConfig) adaptive() bool {
	return c.ProportionalGain != 0 || c.IntegralGain != 0 || c.DerivativeGain != 0
}

// LoadConfig reads and parses a YAML config file, validating it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data, validating it.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks segment level constraints. Limiter and controller construction performs the remaining numeric
// validation when a Registry is built.
func (c *Config) Validate() error {
	if len(c.Segments) == 0 {
		return fmt.Errorf("%w: at least one segment is required", ErrInvalidConfig)
	}
	for name, segment := range c.Segments {
		if segment.TargetTPS <= 0 {
			return fmt.Errorf("%w: segment %q: target_tps is required and must be > 0", ErrInvalidConfig, name)
		}
		if segment.MinTPS != nil && segment.MaxTPS != nil && *segment.MinTPS > *segment.MaxTPS {
			return fmt.Errorf("%w: segment %q: min_tps must be <= max_tps", ErrInvalidConfig, name)
		}
		if segment.ErrorBias < -1 || segment.ErrorBias > 1 {
			return fmt.Errorf("%w: segment %q: error_bias must be in [-1, 1]", ErrInvalidConfig, name)
		}
		if segment.UpdateInterval < 0 {
			return fmt.Errorf("%w: segment %q: update_interval must be > 0", ErrInvalidConfig, name)
		}
	}
	return nil
}
