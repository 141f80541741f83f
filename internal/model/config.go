package model

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultOutputLimit   = 512 * 1024
	DefaultScriptTimeout = 60 * time.Second
	DefaultCollectEvery  = 60 * time.Second
	DefaultExchangeEach  = 60 * time.Second
)

// Schedule selects when periodic collection ticks run: either a 5-field
// cron expression or a plain interval. Cron takes precedence when both
// are set.
type Schedule struct {
	Cron  string        `mapstructure:"cron" yaml:"cron,omitempty"`
	Every time.Duration `mapstructure:"every" yaml:"every,omitempty"`
}

// Interval resolves the schedule into a tick interval.
func (s Schedule) Interval() (time.Duration, error) {
	if s.Cron != "" {
		return ParseCron(s.Cron)
	}
	if s.Every <= 0 {
		return 0, fmt.Errorf("schedule: both cron and every are empty")
	}
	return s.Every, nil
}

// Config is the agent configuration.
type Config struct {
	// DataPath is the directory holding registered graph scripts and the
	// registration database.
	DataPath string `mapstructure:"data_path" yaml:"data_path"`
	// AllowedUsers is the allow list of run-as usernames, "*" permits all.
	AllowedUsers []string `mapstructure:"allowed_users" yaml:"allowed_users"`
	// Collect schedules periodic graph collection ticks.
	Collect Schedule `mapstructure:"collect" yaml:"collect"`
	// ExchangeEach is how often accumulated graph data is flushed out.
	ExchangeEach time.Duration `mapstructure:"exchange_each" yaml:"exchange_each"`
	// OutputLimit caps captured script output, in bytes.
	OutputLimit int `mapstructure:"output_limit" yaml:"output_limit"`
	// ScriptTimeout bounds each periodic script execution.
	ScriptTimeout time.Duration `mapstructure:"script_timeout" yaml:"script_timeout"`
	// ServerURL, when set, posts outbound messages to the control plane
	// over HTTP instead of writing them to stdout.
	ServerURL string `mapstructure:"server_url" yaml:"server_url,omitempty"`
	Verbose       bool          `mapstructure:"verbose" yaml:"verbose,omitempty"`
}

func (c *Config) ApplyDefaults() {
	if c.DataPath == "" {
		c.DataPath = filepath.Join(os.TempDir(), "hostbeat")
	}
	if c.Collect.Cron == "" && c.Collect.Every <= 0 {
		c.Collect.Every = DefaultCollectEvery
	}
	if c.ExchangeEach <= 0 {
		c.ExchangeEach = DefaultExchangeEach
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = DefaultOutputLimit
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = DefaultScriptTimeout
	}
}

func (c Config) Allowlist() Allowlist {
	return Allowlist(c.AllowedUsers)
}

// LoadConfig reads a YAML configuration from r and applies defaults.
func LoadConfig(r io.Reader) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyDefaults()
	if _, err := cfg.Collect.Interval(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file exists yet.
func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// WriteConfig stores cfg as YAML into w.
func WriteConfig(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}
