// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Audio    AudioConfig    `yaml:"audio"`
	Gain     GainConfig     `yaml:"gain"`
	Autoplay AutoplayConfig `yaml:"autoplay"`
	Library  LibraryConfig  `yaml:"library"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"console" validate:"oneof=console json"`
	File   string `yaml:"file"`
}

// AudioConfig represents the audio backend and playback timing configuration.
type AudioConfig struct {
	Engine              string       `yaml:"engine" default:"mpd" validate:"oneof=mpd fake"`
	MPD                 MPDConfig    `yaml:"mpd"`
	Device              DeviceConfig `yaml:"device"`
	Volume              float64      `yaml:"volume" default:"0.8" validate:"gte=0,lte=1"`
	TickIntervalMs      int          `yaml:"tick_interval_ms" default:"250" validate:"gte=50,lte=1000"`
	GaplessThresholdSec int          `yaml:"gapless_threshold_sec" default:"5" validate:"gte=1,lte=30"`
	PreviousRestartSec  int          `yaml:"previous_restart_sec" default:"3" validate:"gte=0,lte=30"`
}

// MPDConfig represents the MPD connection configuration.
type MPDConfig struct {
	Address  string `yaml:"address" default:"localhost:6600"`
	Password string `yaml:"password"`
}

// DeviceConfig represents output device preferences.
type DeviceConfig struct {
	Preferred       string `yaml:"preferred"`
	Exclusive       bool   `yaml:"exclusive"`
	MatchSampleRate bool   `yaml:"match_sample_rate"`
	SettleDelayMs   int    `yaml:"settle_delay_ms" default:"500" validate:"gte=0,lte=5000"`
}

// GainConfig represents loudness normalization configuration.
type GainConfig struct {
	Mode            string  `yaml:"mode" default:"off" validate:"oneof=off track album"`
	PreampDB        float64 `yaml:"preamp_db" validate:"gte=-15,lte=15"`
	PreventClipping bool    `yaml:"prevent_clipping" default:"true"`
}

// AutoplayConfig represents autoplay configuration.
type AutoplayConfig struct {
	Enabled     bool                    `yaml:"enabled"`
	BatchSize   int                     `yaml:"batch_size" default:"5" validate:"gte=1,lte=50"`
	LeadTimeSec int                     `yaml:"lead_time_sec" default:"30" validate:"gte=5,lte=300"`
	SeedCount   int                     `yaml:"seed_count" default:"5" validate:"gte=1,lte=20"`
	Providers   []ProviderConfig        `yaml:"providers" validate:"dive"`
	Filters     map[string]FilterConfig `yaml:"filters"`
}

// ProviderConfig represents a single recommendation provider configuration.
type ProviderConfig struct {
	Type     string         `yaml:"type" validate:"required"`
	Settings map[string]any `yaml:"settings"`
}

// FilterConfig represents a candidate filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// LibraryConfig represents the local music library configuration.
type LibraryConfig struct {
	MusicDirs     []string `yaml:"music_dirs"`
	DatabasePath  string   `yaml:"database_path" default:"data/cadenza.db"`
	RescanOnStart bool     `yaml:"rescan_on_start"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("CADENZA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CADENZA_MPD_ADDRESS"); v != "" {
		c.Audio.MPD.Address = v
	}
	if v := os.Getenv("CADENZA_MPD_PASSWORD"); v != "" {
		c.Audio.MPD.Password = v
	}
	if v := os.Getenv("CADENZA_LASTFM_API_KEY"); v != "" {
		c.setProviderSetting("lastfm", "api_key", v)
	}
	if v := os.Getenv("CADENZA_SPOTIFY_CLIENT_ID"); v != "" {
		c.setProviderSetting("spotify", "client_id", v)
	}
	if v := os.Getenv("CADENZA_SPOTIFY_CLIENT_SECRET"); v != "" {
		c.setProviderSetting("spotify", "client_secret", v)
	}
}

// setProviderSetting writes a settings key on the first provider of the
// given type, if configured.
func (c *Config) setProviderSetting(providerType, key, value string) {
	for i := range c.Autoplay.Providers {
		if c.Autoplay.Providers[i].Type == providerType {
			if c.Autoplay.Providers[i].Settings == nil {
				c.Autoplay.Providers[i].Settings = map[string]any{}
			}
			c.Autoplay.Providers[i].Settings[key] = value
			return
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	// Autoplay needs at least one provider to draw from.
	if c.Autoplay.Enabled && len(c.Autoplay.Providers) == 0 {
		return errors.New("autoplay is enabled but no providers are configured")
	}

	// A real engine needs somewhere to find music.
	if c.Library.RescanOnStart && len(c.Library.MusicDirs) == 0 {
		return errors.New("library rescan is enabled but music_dirs is empty")
	}

	return nil
}

// TickInterval returns the position poll interval as a duration.
func (c *AudioConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// GaplessThreshold returns the preload threshold as a duration.
func (c *AudioConfig) GaplessThreshold() time.Duration {
	return time.Duration(c.GaplessThresholdSec) * time.Second
}

// PreviousRestartWindow returns the window within which previous steps
// back to the prior track; past it, previous restarts the current one.
func (c *AudioConfig) PreviousRestartWindow() time.Duration {
	return time.Duration(c.PreviousRestartSec) * time.Second
}

// SettleDelay returns the hardware settle delay as a duration.
func (c *DeviceConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

// LeadTime returns the proactive autoplay trigger lead as a duration.
func (c *AutoplayConfig) LeadTime() time.Duration {
	return time.Duration(c.LeadTimeSec) * time.Second
}

// IsFilterEnabled checks if a candidate filter is enabled.
func (c *Config) IsFilterEnabled(name string) bool {
	if f, ok := c.Autoplay.Filters[name]; ok {
		return f.Enabled
	}
	return false
}
