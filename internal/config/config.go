// Package config provides configuration for the livedesk service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the livedesk configuration.
type Config struct {
	// Server settings
	HTTPPort int `yaml:"http_port"`

	// Storage
	DatabaseURL      string        `yaml:"database_url"`
	StoreRetries     int           `yaml:"store_retry_attempts"`
	StoreRetryBase   time.Duration `yaml:"-"`
	StoreRetryBaseMs int           `yaml:"store_retry_base_ms"`
	MaxPageSize      int           `yaml:"max_page_size"`

	// Rate limiting
	RateWindow     time.Duration `yaml:"-"`
	RateWindowMs   int           `yaml:"rate_window_ms"`
	RateReadMax    int           `yaml:"rate_read_max"`
	RateWriteMax   int           `yaml:"rate_write_max"`
	RatePolicyFile string        `yaml:"rate_policy_file"`

	// WebSocket settings
	PingInterval   time.Duration `yaml:"-"`
	WriteTimeout   time.Duration `yaml:"-"`
	ReadTimeout    time.Duration `yaml:"-"`
	PingIntervalMs int           `yaml:"ws_ping_interval_ms"`
	WriteTimeoutMs int           `yaml:"ws_write_timeout_ms"`
	ReadTimeoutMs  int           `yaml:"ws_read_timeout_ms"`
	MaxMessageSize int64         `yaml:"ws_max_message_size"`
	EventsPerSec   float64       `yaml:"ws_events_per_sec"`
	EventBurst     int           `yaml:"ws_event_burst"`

	// Idle session reaper; empty cron disables it
	ReaperCron   string        `yaml:"reaper_cron"`
	ReaperIdle   time.Duration `yaml:"-"`
	ReaperIdleMs int           `yaml:"reaper_idle_ms"`

	// Logging and tracing
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
	TraceFile string `yaml:"trace_file"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	c := &Config{
		HTTPPort:         8080,
		DatabaseURL:      "livedesk.db",
		StoreRetries:     3,
		StoreRetryBaseMs: 50,
		MaxPageSize:      100,
		RateWindowMs:     60000,
		RateReadMax:      120,
		RateWriteMax:     30,
		PingIntervalMs:   30000,
		WriteTimeoutMs:   10000,
		ReadTimeoutMs:    60000,
		MaxMessageSize:   65536,
		EventsPerSec:     20,
		EventBurst:       40,
		ReaperCron:       "*/5 * * * *",
		ReaperIdleMs:     int((2 * time.Hour).Milliseconds()),
		LogLevel:         "info",
		LogFormat:        "json",
	}
	c.resolve()
	return c
}

// Load builds the configuration from defaults, an optional YAML file named
// by LIVEDESK_CONFIG, a .env file and the environment, in that order of
// increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Defaults()
	if path := os.Getenv("LIVEDESK_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.StoreRetries = getEnvInt("STORE_RETRY_ATTEMPTS", cfg.StoreRetries)
	cfg.StoreRetryBaseMs = getEnvInt("STORE_RETRY_BASE_MS", cfg.StoreRetryBaseMs)
	cfg.MaxPageSize = getEnvInt("MAX_PAGE_SIZE", cfg.MaxPageSize)
	cfg.RateWindowMs = getEnvInt("RATE_WINDOW_MS", cfg.RateWindowMs)
	cfg.RateReadMax = getEnvInt("RATE_READ_MAX", cfg.RateReadMax)
	cfg.RateWriteMax = getEnvInt("RATE_WRITE_MAX", cfg.RateWriteMax)
	cfg.RatePolicyFile = getEnv("RATE_POLICY_FILE", cfg.RatePolicyFile)
	cfg.PingIntervalMs = getEnvInt("WS_PING_INTERVAL_MS", cfg.PingIntervalMs)
	cfg.WriteTimeoutMs = getEnvInt("WS_WRITE_TIMEOUT_MS", cfg.WriteTimeoutMs)
	cfg.ReadTimeoutMs = getEnvInt("WS_READ_TIMEOUT_MS", cfg.ReadTimeoutMs)
	cfg.MaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(cfg.MaxMessageSize)))
	cfg.EventsPerSec = getEnvFloat("WS_EVENTS_PER_SEC", cfg.EventsPerSec)
	cfg.EventBurst = getEnvInt("WS_EVENT_BURST", cfg.EventBurst)
	cfg.ReaperCron = getEnvRaw("REAPER_CRON", cfg.ReaperCron)
	cfg.ReaperIdleMs = getEnvInt("REAPER_IDLE_MS", cfg.ReaperIdleMs)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.TraceFile = getEnv("TRACE_FILE", cfg.TraceFile)

	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// resolve derives the duration fields from their millisecond settings.
func (c *Config) resolve() {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	c.StoreRetryBase = ms(c.StoreRetryBaseMs)
	c.RateWindow = ms(c.RateWindowMs)
	c.PingInterval = ms(c.PingIntervalMs)
	c.WriteTimeout = ms(c.WriteTimeoutMs)
	c.ReadTimeout = ms(c.ReadTimeoutMs)
	c.ReaperIdle = ms(c.ReaperIdleMs)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.HTTPPort <= 0 || c.HTTPPort > 65535:
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTPPort)
	case c.DatabaseURL == "":
		return fmt.Errorf("DATABASE_URL is required")
	case c.StoreRetries < 1:
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be >= 1")
	case c.StoreRetryBaseMs < 0:
		return fmt.Errorf("STORE_RETRY_BASE_MS must be >= 0")
	case c.MaxPageSize < 1:
		return fmt.Errorf("MAX_PAGE_SIZE must be >= 1")
	case c.RateWindowMs <= 0 || c.RateReadMax <= 0 || c.RateWriteMax <= 0:
		return fmt.Errorf("rate limit window and ceilings must be positive")
	case c.PingIntervalMs <= 0 || c.WriteTimeoutMs <= 0 || c.ReadTimeoutMs <= 0:
		return fmt.Errorf("websocket timeouts must be positive")
	case c.PingIntervalMs >= c.ReadTimeoutMs:
		return fmt.Errorf("WS_PING_INTERVAL_MS must be shorter than WS_READ_TIMEOUT_MS")
	case c.MaxMessageSize <= 0:
		return fmt.Errorf("WS_MAX_MESSAGE_SIZE must be positive")
	case c.EventsPerSec <= 0 || c.EventBurst <= 0:
		return fmt.Errorf("websocket event throttle must be positive")
	case c.ReaperCron != "" && c.ReaperIdleMs <= 0:
		return fmt.Errorf("REAPER_IDLE_MS must be positive when the reaper is enabled")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvRaw honors an explicitly empty value.
func getEnvRaw(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
