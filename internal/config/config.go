// Package config handles the loading and parsing of the application's configuration.
// It uses the Viper library to read from a YAML file and environment variables.
package config

import (
	"errors"
	"strings"
	"time"

	"blindscan/internal/similarity"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Settings defines the overall configuration structure for blindscan.
// It mirrors the structure of blindscan.yaml and is populated by Viper.
type Settings struct {
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Timing    TimingConfig    `mapstructure:"timing"`
	Payloads  PayloadsConfig  `mapstructure:"payloads"`
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	Store     StoreConfig     `mapstructure:"store"`
	Reporting ReportingConfig `mapstructure:"reporting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// ScannerConfig contains settings for the scanner's behavior, like concurrency and timeouts.
type ScannerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retries     int           `mapstructure:"retries"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	Burst       int           `mapstructure:"burst"`
	UserAgents  []string      `mapstructure:"user_agents"`
}

// AuditConfig tunes the differential analyzer.
type AuditConfig struct {
	EqLimit         float64  `mapstructure:"eq_limit"`
	Similarity      string   `mapstructure:"similarity"`
	VolatileHeaders []string `mapstructure:"volatile_headers"`
}

// TimingConfig tunes the time delay analyzer.
type TimingConfig struct {
	SampleCount   int           `mapstructure:"sample_count"`
	Tolerance     time.Duration `mapstructure:"tolerance"`
	ExpectedDelay time.Duration `mapstructure:"expected_delay"`
}

// PayloadsConfig points at an optional payload file.
type PayloadsConfig struct {
	File string `mapstructure:"file"`
}

// PluginsConfig lists the enabled plugins.
type PluginsConfig struct {
	Enabled []string `mapstructure:"enabled"`
}

// StoreConfig selects the knowledge base backend.
type StoreConfig struct {
	Backend string      `mapstructure:"backend"`
	Bolt    BoltConfig  `mapstructure:"bolt"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// BoltConfig holds the BoltDB file location.
type BoltConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// ReportingConfig defines how the scan results are reported.
type ReportingConfig struct {
	Path     string `mapstructure:"path"`
	JSONFile string `mapstructure:"json_file"`
	TXTFile  string `mapstructure:"txt_file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig mirrors logger.Config.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	JSONFormat bool   `mapstructure:"json_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scanner.concurrency", 10)
	v.SetDefault("scanner.timeout", 15*time.Second)
	v.SetDefault("scanner.retries", 2)
	v.SetDefault("scanner.rate_limit", 10.0)
	v.SetDefault("scanner.burst", 5)
	v.SetDefault("scanner.user_agents", []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	})

	v.SetDefault("audit.eq_limit", 0.9)
	v.SetDefault("audit.similarity", "tokens")

	v.SetDefault("timing.sample_count", 3)
	v.SetDefault("timing.tolerance", time.Second)
	v.SetDefault("timing.expected_delay", 5*time.Second)

	v.SetDefault("payloads.file", "")
	v.SetDefault("plugins.enabled", []string{"blind_sqli", "strange_headers"})

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.bolt.path", "blindscan.db")
	v.SetDefault("store.redis.url", "redis://localhost:6379/0")

	v.SetDefault("reporting.path", "reports")
	v.SetDefault("reporting.json_file", "findings.json")
	v.SetDefault("reporting.txt_file", "findings.txt")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.json_format", false)
}

// LoadConfig reads configuration from file and unmarshals it into a
// Settings struct. An empty file looks for blindscan.yaml in the working
// directory and falls back to the defaults when there is none. Environment
// variables prefixed with BLINDSCAN_ override both.
func LoadConfig(file string) (Settings, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("blindscan")
	}
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BLINDSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Settings{}, err
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings the scanner cannot run with. It returns the
// first problem found as an *Error.
func (s Settings) Validate() error {
	switch {
	case s.Scanner.Concurrency < 1:
		return Errorf("scanner.concurrency", "must be at least 1, got %d", s.Scanner.Concurrency)
	case s.Scanner.Timeout <= 0:
		return Errorf("scanner.timeout", "must be positive, got %s", s.Scanner.Timeout)
	case s.Scanner.Retries < 0:
		return Errorf("scanner.retries", "must not be negative, got %d", s.Scanner.Retries)
	case s.Scanner.RateLimit < 0:
		return Errorf("scanner.rate_limit", "must not be negative, got %v", s.Scanner.RateLimit)
	}

	if s.Audit.EqLimit < 0 || s.Audit.EqLimit > 1 {
		return Errorf("audit.eq_limit", "%v is outside [0, 1]", s.Audit.EqLimit)
	}
	if _, err := similarity.ParseMetric(s.Audit.Similarity); err != nil {
		return Errorf("audit.similarity", "%v", err)
	}

	switch {
	case s.Timing.SampleCount < 1:
		return Errorf("timing.sample_count", "must be at least 1, got %d", s.Timing.SampleCount)
	case s.Timing.ExpectedDelay <= 0:
		return Errorf("timing.expected_delay", "must be positive, got %s", s.Timing.ExpectedDelay)
	case s.Timing.Tolerance < 0:
		return Errorf("timing.tolerance", "must not be negative, got %s", s.Timing.Tolerance)
	case s.Timing.Tolerance >= s.Timing.ExpectedDelay:
		return Errorf("timing.tolerance", "%s leaves no margin below the expected delay %s", s.Timing.Tolerance, s.Timing.ExpectedDelay)
	case s.Scanner.Timeout <= s.Timing.ExpectedDelay:
		return Errorf("scanner.timeout", "%s must exceed timing.expected_delay %s", s.Scanner.Timeout, s.Timing.ExpectedDelay)
	}

	switch s.Store.Backend {
	case "", "memory":
	case "bolt":
		if s.Store.Bolt.Path == "" {
			return Errorf("store.bolt.path", "required for the bolt backend")
		}
	case "redis":
		if s.Store.Redis.URL == "" {
			return Errorf("store.redis.url", "required for the redis backend")
		}
	default:
		return Errorf("store.backend", "unknown backend %q", s.Store.Backend)
	}

	if s.Metrics.Enabled && s.Metrics.Addr == "" {
		return Errorf("metrics.addr", "required when metrics are enabled")
	}
	if _, err := zerolog.ParseLevel(s.Log.Level); err != nil {
		return Errorf("log.level", "%v", err)
	}
	return nil
}
