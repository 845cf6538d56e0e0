package config

import (
	"fmt"
	"time"

	"github.com/s1alknau/nematolapse/device"
	"github.com/s1alknau/nematolapse/store"
	"github.com/s1alknau/nematolapse/types"
)

// Config represents a nematolapse.yaml configuration file.
// All values are optional and act as defaults for record flags.
// CLI flags always override config values.
type Config struct {
	Experiment string   `yaml:"experiment"`
	OutputDir  string   `yaml:"output_dir"`
	Duration   Duration `yaml:"duration"`
	Interval   Duration `yaml:"interval"`

	Device      DeviceConfig      `yaml:"device"`
	Phases      PhasesConfig      `yaml:"phases"`
	Store       StoreConfig       `yaml:"store"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Health      HealthConfig      `yaml:"health"`
	Source      SourceConfig      `yaml:"source"`
}

// DeviceConfig holds serial link defaults from the config file.
type DeviceConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// PhasesConfig holds light/dark cycling defaults from the config file.
type PhasesConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Light          Duration `yaml:"light"`
	Dark           Duration `yaml:"dark"`
	StartWithLight bool     `yaml:"start_with_light"`
	ContinuousLED  string   `yaml:"continuous_led"`
}

// StoreConfig holds recording store defaults from the config file.
type StoreConfig struct {
	ChunkSize  int `yaml:"chunk_size"`
	FlushEvery int `yaml:"flush_every"`
}

// CalibrationConfig holds LED calibration state and targets.
type CalibrationConfig struct {
	IRPower    int     `yaml:"ir_power"`
	WhitePower int     `yaml:"white_power"`
	AutoApply  bool    `yaml:"auto_apply"`
	TargetMean float64 `yaml:"target_mean"`
	Tolerance  float64 `yaml:"tolerance"`
}

// HealthConfig holds periodic health check defaults.
type HealthConfig struct {
	CheckEveryFrames int `yaml:"check_every_frames"`
	MinDiskFreeMB    int `yaml:"min_disk_free_mb"`
	MinMemFreeMB     int `yaml:"min_mem_free_mb"`
}

// SourceConfig holds frame source defaults.
type SourceConfig struct {
	Width  int   `yaml:"width"`
	Height int   `yaml:"height"`
	Seed   int64 `yaml:"seed"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// PhaseConfig converts the YAML phase section into the domain config.
func (c *Config) PhaseConfig() types.PhaseConfig {
	return types.PhaseConfig{
		Enabled:        c.Phases.Enabled,
		Light:          c.Phases.Light.Duration,
		Dark:           c.Phases.Dark.Duration,
		StartWithLight: c.Phases.StartWithLight,
	}
}

// ContinuousLED parses the configured continuous LED kind.
// Defaults to IR, the non-disturbing channel.
func (c *Config) ContinuousLED() (types.LEDKind, error) {
	if c.Phases.ContinuousLED == "" {
		return types.LEDInfrared, nil
	}
	return types.ParseLEDKind(c.Phases.ContinuousLED)
}

// Session builds a validated session from the config.
func (c *Config) Session() (*types.Session, error) {
	led, err := c.ContinuousLED()
	if err != nil {
		return nil, err
	}
	outputDir := c.OutputDir
	if outputDir == "" {
		outputDir = "."
	}
	return types.NewSession(c.Experiment, c.Duration.Duration, c.Interval.Duration,
		c.PhaseConfig(), led, outputDir)
}

// DeviceConfig builds the controller config, attaching the calibration
// profile when one is present.
func (c *Config) DeviceConfig() device.Config {
	cfg := device.Config{
		Port: c.Device.Port,
		Baud: c.Device.Baud,
	}
	if profile := c.CalibrationProfile(); profile != nil {
		cfg.Calibration = profile
	}
	return cfg
}

// CalibrationProfile returns the stored calibration, or nil when the
// config carries none.
func (c *Config) CalibrationProfile() *types.CalibrationProfile {
	if c.Calibration.IRPower == 0 && c.Calibration.WhitePower == 0 {
		return nil
	}
	return &types.CalibrationProfile{
		IRPower:    c.Calibration.IRPower,
		WhitePower: c.Calibration.WhitePower,
		AutoApply:  c.Calibration.AutoApply,
	}
}

// StoreConfig builds the recording store config.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		ChunkSize:  c.Store.ChunkSize,
		FlushEvery: c.Store.FlushEvery,
	}
}
