// Package config defines all configuration for the replay engine dispatcher.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive/deployment-specific fields overridable via BACKTEST_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Datastore  DatastoreConfig  `mapstructure:"datastore"`
	Defaults   DefaultsConfig   `mapstructure:"defaults"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
}

// DispatcherConfig controls the dispatcher's own control-plane listener and
// where it binds the per-session IPC sockets it hands out.
type DispatcherConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	SocketDir    string        `mapstructure:"socket_dir"`
	TickURL      string        `mapstructure:"tick_url"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// DatastoreConfig selects and configures the historical-data source.
//
//   - Kind: "mem" loads CSV fixture files from Dir; "http" talks to a
//     remote historical-data service at BaseURL.
type DatastoreConfig struct {
	Kind       string        `mapstructure:"kind"`
	Dir        string        `mapstructure:"dir"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	RetryWait  time.Duration `mapstructure:"retry_wait"`
}

// DefaultsConfig supplies the fill/latency model parameters a BtConfig may
// omit.
//
//   - FillModel: one of "none", "random", "power", "power2", "power3", "log", "log2".
//   - FillModelK: the exponent parameter for the power variants (the log
//     variants take no parameter).
//   - LatencyModel: one of "fixed", "uniform", "normal".
//   - LatencyNanos / LatencyJitterNanos: parameters for the chosen latency model.
//   - PageLimit: the paged event source's per-page row limit (spec §4.3).
type DefaultsConfig struct {
	FillModel          string        `mapstructure:"fill_model"`
	FillModelK         float64       `mapstructure:"fill_model_k"`
	LatencyModel       string        `mapstructure:"latency_model"`
	LatencyNanos       int64         `mapstructure:"latency_nanos"`
	LatencyJitterNanos int64         `mapstructure:"latency_jitter_nanos"`
	PageLimit          int           `mapstructure:"page_limit"`
	ReceiveTimeout     time.Duration `mapstructure:"receive_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DashboardConfig controls the optional read-only websocket dashboard.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BACKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if addr := os.Getenv("BACKTEST_DISPATCHER_LISTEN_ADDR"); addr != "" {
		cfg.Dispatcher.ListenAddr = addr
	}
	if dir := os.Getenv("BACKTEST_DATASTORE_DIR"); dir != "" {
		cfg.Datastore.Dir = dir
	}
	if url := os.Getenv("BACKTEST_DATASTORE_BASE_URL"); url != "" {
		cfg.Datastore.BaseURL = url
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Dispatcher.ListenAddr == "" {
		return fmt.Errorf("dispatcher.listen_addr is required")
	}
	if c.Dispatcher.SocketDir == "" {
		return fmt.Errorf("dispatcher.socket_dir is required")
	}
	switch c.Datastore.Kind {
	case "mem":
		if c.Datastore.Dir == "" {
			return fmt.Errorf("datastore.dir is required when datastore.kind is \"mem\"")
		}
	case "http":
		if c.Datastore.BaseURL == "" {
			return fmt.Errorf("datastore.base_url is required when datastore.kind is \"http\" (set BACKTEST_DATASTORE_BASE_URL)")
		}
	default:
		return fmt.Errorf("datastore.kind must be one of: mem, http")
	}
	if c.Defaults.PageLimit <= 0 {
		return fmt.Errorf("defaults.page_limit must be > 0")
	}
	return nil
}
