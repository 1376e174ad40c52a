// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides (SCALPEL_AUDIT_ENGINE_CONCURRENCY, ...).
const EnvPrefix = "SCALPEL_AUDIT"

// Supported report formats.
var reportFormats = map[string]bool{"json": true, "text": true, "sarif": true}

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Network() NetworkConfig
	Engine() EngineConfig
	Timing() TimingConfig
	Plugins() PluginsConfig
	Metrics() MetricsConfig
	Report() ReportConfig
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	NetworkCfg  NetworkConfig  `mapstructure:"network" yaml:"network"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	TimingCfg   TimingConfig   `mapstructure:"timing" yaml:"timing"`
	PluginsCfg  PluginsConfig  `mapstructure:"plugins" yaml:"plugins"`
	MetricsCfg  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	ReportCfg   ReportConfig   `mapstructure:"report" yaml:"report"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Network() NetworkConfig   { return c.NetworkCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Timing() TimingConfig     { return c.TimingCfg }
func (c *Config) Plugins() PluginsConfig   { return c.PluginsCfg }
func (c *Config) Metrics() MetricsConfig   { return c.MetricsCfg }
func (c *Config) Report() ReportConfig     { return c.ReportCfg }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details. An empty URL disables persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NetworkConfig tunes the outbound HTTP transport.
type NetworkConfig struct {
	Timeout         time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	UserAgent       string            `mapstructure:"user_agent" yaml:"user_agent"`
	Headers         map[string]string `mapstructure:"headers" yaml:"headers"`
	Proxy           string            `mapstructure:"proxy" yaml:"proxy"`
	IgnoreTLSErrors bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	MaxBodyBytes    int64             `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	MaxConnsPerHost int               `mapstructure:"max_conns_per_host" yaml:"max_conns_per_host"`
}

// EngineConfig configures mutant dispatch.
type EngineConfig struct {
	// Concurrency bounds the number of in-flight mutants per batch.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	// RateLimit caps outbound requests per second. Zero disables pacing.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// TimingConfig configures the blind timing oracle.
type TimingConfig struct {
	// Magnitude is the first requested delay in seconds; the second trial uses twice this.
	Magnitude int `mapstructure:"magnitude" yaml:"magnitude"`
	// CalibrationSamples is the number of zero-delay requests used for the baseline.
	CalibrationSamples int `mapstructure:"calibration_samples" yaml:"calibration_samples"`
	// MinTolerance is the minimum half-width of the acceptance band around a requested delay.
	MinTolerance time.Duration `mapstructure:"min_tolerance" yaml:"min_tolerance"`
	// StdDevFactor widens the band by this many baseline standard deviations.
	StdDevFactor float64 `mapstructure:"stddev_factor" yaml:"stddev_factor"`
}

// PluginsConfig selects detectors and their options.
type PluginsConfig struct {
	// Enabled lists plugin names to run. Empty means every registered plugin.
	Enabled []string `mapstructure:"enabled" yaml:"enabled"`
	// Options maps plugin name to option name to raw value.
	Options map[string]map[string]string `mapstructure:"options" yaml:"options"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen    string `mapstructure:"listen" yaml:"listen"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// ReportConfig selects the report writer.
type ReportConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-audit")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.user_agent", "scalpel-audit/1.0")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.max_body_bytes", 5*1024*1024)
	v.SetDefault("network.max_conns_per_host", 20)

	// -- Engine --
	v.SetDefault("engine.concurrency", 10)
	v.SetDefault("engine.rate_limit", 0.0)
	v.SetDefault("engine.rate_burst", 1)

	// -- Timing --
	v.SetDefault("timing.magnitude", 3)
	v.SetDefault("timing.calibration_samples", 3)
	v.SetDefault("timing.min_tolerance", "1s")
	v.SetDefault("timing.stddev_factor", 3.0)

	// -- Report --
	v.SetDefault("report.format", "json")
	v.SetDefault("report.output", "")

	// -- Metrics --
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.namespace", "scalpel_audit")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The connection string usually carries credentials and is kept out of config files.
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be a positive integer")
	}
	if c.EngineCfg.RateLimit < 0 {
		return fmt.Errorf("engine.rate_limit must not be negative")
	}
	if c.NetworkCfg.Timeout <= 0 {
		return fmt.Errorf("network.timeout must be a positive duration")
	}
	if err := c.TimingCfg.Validate(); err != nil {
		return fmt.Errorf("timing configuration invalid: %w", err)
	}
	if longest := c.TimingCfg.LongestTrial(); c.NetworkCfg.Timeout <= longest {
		return fmt.Errorf("network.timeout %s must exceed the longest timing trial %s (2 x timing.magnitude + timing.min_tolerance)",
			c.NetworkCfg.Timeout, longest)
	}
	if !reportFormats[c.ReportCfg.Format] {
		return fmt.Errorf("report.format %q is not one of json, text, sarif", c.ReportCfg.Format)
	}
	return nil
}

// LongestTrial is the latest a 2N delay trial may still be accepted.
func (t *TimingConfig) LongestTrial() time.Duration {
	return 2*time.Duration(t.Magnitude)*time.Second + t.MinTolerance
}

// Validate checks the TimingConfig settings. A band at least as wide as the
// requested delay would accept a constant-latency page, so it is rejected.
func (t *TimingConfig) Validate() error {
	if t.Magnitude <= 0 {
		return fmt.Errorf("magnitude must be greater than 0")
	}
	if t.CalibrationSamples <= 0 {
		return fmt.Errorf("calibration_samples must be greater than 0")
	}
	if t.MinTolerance <= 0 {
		return fmt.Errorf("min_tolerance must be a positive duration")
	}
	if t.MinTolerance >= time.Duration(t.Magnitude)*time.Second {
		return fmt.Errorf("min_tolerance must be smaller than the delay magnitude")
	}
	if t.StdDevFactor < 0 {
		return fmt.Errorf("stddev_factor must not be negative")
	}
	return nil
}
