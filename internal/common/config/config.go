package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment mode values.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Log level names accepted in LOG_LEVEL and the log config section.
const (
	LogLevelDebug = "DEBUG"
	LogLevelInfo  = "INFO"
	LogLevelWarn  = "WARN"
	LogLevelError = "ERROR"
)

// RotationConfig controls log file rotation.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"` // megabytes
	MaxAge     int  `yaml:"max_age"`  // days
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

// LogConfig configures console and optional file logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  struct {
		Enabled  bool           `yaml:"enabled"`
		Path     string         `yaml:"path"`
		Rotation RotationConfig `yaml:"rotation"`
	} `yaml:"file"`
}

// BrowserConfig configures the shared headless browser.
type BrowserConfig struct {
	IdleShutdown    Duration `yaml:"idle_shutdown"`
	NetworkIdleWait Duration `yaml:"network_idle_wait"`
	ScreenshotDir   string   `yaml:"screenshot_dir"`
}

// Config is the full engine configuration. Values come from an optional
// YAML file overlaid by environment variables; environment wins.
type Config struct {
	Environment string `yaml:"environment"`

	DatabaseURL string `yaml:"database_url"`
	Port        int    `yaml:"port"`

	// Scheduler master sweep interval.
	CheckInterval Duration `yaml:"check_interval"`
	// Per-probe request timeout.
	RequestTimeout Duration `yaml:"request_timeout"`
	// Absolute dispatcher envelope around any single probe.
	DispatchTimeout Duration `yaml:"dispatch_timeout"`
	// Entries older than this are redispatched on list reads.
	FreshnessWindow Duration `yaml:"freshness_window"`
	// Initial sweep delay after startup.
	InitialSweepDelay Duration `yaml:"initial_sweep_delay"`
	// check-all concurrency cap.
	CheckAllConcurrency int `yaml:"check_all_concurrency"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsListen  string `yaml:"metrics_listen"`

	Browser BrowserConfig `yaml:"browser"`
	Log     LogConfig     `yaml:"log"`
}

// Default returns the configuration defaults before file and env
// overlays.
func Default() *Config {
	cfg := &Config{
		Environment:         EnvDevelopment,
		Port:                3000,
		CheckInterval:       Duration(5 * time.Minute),
		RequestTimeout:      Duration(35 * time.Second),
		DispatchTimeout:     Duration(60 * time.Second),
		FreshnessWindow:     Duration(30 * time.Second),
		InitialSweepDelay:   Duration(10 * time.Second),
		CheckAllConcurrency: 8,
		MetricsEnabled:      false,
		MetricsListen:       "127.0.0.1:9102",
		Browser: BrowserConfig{
			IdleShutdown:    Duration(5 * time.Minute),
			NetworkIdleWait: Duration(30 * time.Second),
			ScreenshotDir:   "screenshots",
		},
	}
	// Log.Level stays empty here so the mode-dependent default can be
	// resolved after file and env overlays.
	cfg.Log.File.Rotation = RotationConfig{MaxSize: 100, MaxAge: 7, MaxBackups: 5}
	return cfg
}

// Load builds the configuration from defaults, an optional YAML file,
// and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile strict-decodes the YAML file into cfg. Unknown keys are
// rejected so typos fail at startup instead of being silently ignored.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables onto cfg.
func (c *Config) applyEnv() error {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := os.Getenv("CHECK_INTERVAL"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CHECK_INTERVAL %q: %w", v, err)
		}
		c.CheckInterval = Duration(time.Duration(ms) * time.Millisecond)
	}
	if v := os.Getenv("REQUEST_TIMEOUT_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid REQUEST_TIMEOUT_MS %q: %w", v, err)
		}
		c.RequestTimeout = Duration(time.Duration(ms) * time.Millisecond)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	} else if c.Log.Level == "" {
		c.Log.Level = c.defaultLogLevel()
	}
	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.MetricsEnabled = true
		c.MetricsListen = v
	}
	return nil
}

func (c *Config) defaultLogLevel() string {
	if c.IsProduction() {
		return LogLevelInfo
	}
	return LogLevelDebug
}

// Validate checks the assembled configuration. Misconfiguration is
// fatal at startup.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("environment must be %q or %q, got %q",
			EnvDevelopment, EnvProduction, c.Environment)
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.DispatchTimeout < c.RequestTimeout {
		return fmt.Errorf("dispatch timeout %s must not be below request timeout %s",
			c.DispatchTimeout, c.RequestTimeout)
	}
	if c.CheckAllConcurrency <= 0 {
		return fmt.Errorf("check-all concurrency must be positive")
	}

	switch c.Log.Level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("log level must be one of DEBUG, INFO, WARN, ERROR, got %q", c.Log.Level)
	}

	if c.Log.File.Enabled && c.Log.File.Path == "" {
		return fmt.Errorf("log.file.path must be set when file logging is enabled")
	}
	return nil
}

// IsProduction reports whether private-IP rejection and the
// DATABASE_URL requirement are in force.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// ListenAddr is the API server listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
