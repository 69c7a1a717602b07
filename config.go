package callguard

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so policy files can use strings like
// "250ms" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// PolicySpec is the YAML form of a policy or policy override. Absent
// fields inherit the engine default.
type PolicySpec struct {
	BaseDelay        *Duration `yaml:"base_delay"`
	MaxDelay         *Duration `yaml:"max_delay"`
	MaxAttempts      *int      `yaml:"max_attempts"`
	JitterFraction   *float64  `yaml:"jitter_fraction"`
	FailureThreshold *uint32   `yaml:"failure_threshold"`
	WindowDuration   *Duration `yaml:"window_duration"`
	CooldownDuration *Duration `yaml:"cooldown_duration"`
}

// override converts the spec to a PolicyOverride.
func (s PolicySpec) override() PolicyOverride {
	var o PolicyOverride
	if s.BaseDelay != nil {
		d := time.Duration(*s.BaseDelay)
		o.BaseDelay = &d
	}
	if s.MaxDelay != nil {
		d := time.Duration(*s.MaxDelay)
		o.MaxDelay = &d
	}
	o.MaxAttempts = s.MaxAttempts
	o.JitterFraction = s.JitterFraction
	o.FailureThreshold = s.FailureThreshold
	if s.WindowDuration != nil {
		d := time.Duration(*s.WindowDuration)
		o.WindowDuration = &d
	}
	if s.CooldownDuration != nil {
		d := time.Duration(*s.CooldownDuration)
		o.CooldownDuration = &d
	}
	return o
}

// FileConfig is the on-disk engine configuration: engine-wide defaults
// plus per-destination overrides.
//
// Example:
//
//	defaults:
//	  base_delay: 100ms
//	  max_attempts: 3
//	destinations:
//	  billing:
//	    max_attempts: 6
//	    cooldown_duration: 1m
type FileConfig struct {
	Defaults     PolicySpec            `yaml:"defaults"`
	Destinations map[string]PolicySpec `yaml:"destinations"`
}

// LoadConfig reads and parses a YAML policy file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML policy configuration.
func ParseConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Options converts the file configuration into engine options.
func (c *FileConfig) Options() []Option {
	opts := []Option{
		func(cfg *Config) {
			cfg.Policy = cfg.Policy.merged(c.Defaults.override())
		},
	}
	for destination, spec := range c.Destinations {
		opts = append(opts, WithDestinationPolicy(destination, spec.override()))
	}
	return opts
}
