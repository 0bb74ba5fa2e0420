// Package config loads gateway configuration from environment variables,
// following the teacher's env-var-with-defaults pattern (caarlos0/env +
// an optional .env file via godotenv).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server
	Addr        string `env:"WS_ADDR" envDefault:":8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Provider A (cTrader)
	CTraderHost         string `env:"CTRADER_HOST" envDefault:"demo.ctraderapi.com"`
	CTraderPort         int    `env:"CTRADER_PORT" envDefault:"5035"`
	CTraderAccountID    int64  `env:"CTRADER_ACCOUNT_ID"`
	CTraderClientID     string `env:"CTRADER_CLIENT_ID"`
	CTraderClientSecret string `env:"CTRADER_CLIENT_SECRET"`
	CTraderAccessToken  string `env:"CTRADER_ACCESS_TOKEN"`

	// Provider B (TradingView)
	TradingViewSessionID string `env:"TRADINGVIEW_SESSION_ID" envDefault:""`

	// Domain defaults
	ADRLookbackDays int `env:"ADR_LOOKBACK_DAYS" envDefault:"14"`

	// Capacity
	MaxConnections int `env:"WS_MAX_CONNECTIONS" envDefault:"2000"`
	MaxClientQueue int `env:"WS_MAX_CLIENT_QUEUE" envDefault:"1024"`
	MaxGoroutines  int `env:"WS_MAX_GOROUTINES" envDefault:"5000"`

	// Safety thresholds (container-aware CPU measurement)
	CPURejectThreshold float64 `env:"CPU_REJECT_THRESHOLD" envDefault:"80.0"`
	CPUPauseThreshold  float64 `env:"CPU_PAUSE_THRESHOLD" envDefault:"90.0"`
	MemoryLimitBytes   int64   `env:"MEMORY_LIMIT_BYTES" envDefault:"1073741824"`

	// Rate limiting
	MaxBroadcastsPerSec int `env:"WS_MAX_BROADCASTS_PER_SEC" envDefault:"5000"`

	// Worker pool
	WorkerCount     int `env:"WORKER_COUNT" envDefault:"8"`
	WorkerQueueSize int `env:"WORKER_QUEUE_SIZE" envDefault:"800"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: real env vars > .env file > struct defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("info: no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Environment == "production" && cfg.Addr == ":8080" {
		// Dev/prod port convention from spec §6: 8080 dev, 8081 prod, unless
		// the operator set WS_ADDR explicitly (default sentinel check above).
		cfg.Addr = ":8081"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internally-inconsistent or out-of-range
// values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.ADRLookbackDays < 1 {
		return fmt.Errorf("ADR_LOOKBACK_DAYS must be > 0, got %d", c.ADRLookbackDays)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("CPU_PAUSE_THRESHOLD (%.1f) must be >= CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug,info,warn,error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json,pretty (got %q)", c.LogFormat)
	}
	return nil
}

// Print writes a human-readable summary to stdout for startup logs, before
// the structured logger exists.
func (c *Config) Print() {
	fmt.Println("=== Gateway Configuration ===")
	fmt.Printf("Environment:       %s\n", c.Environment)
	fmt.Printf("Address:           %s\n", c.Addr)
	fmt.Printf("ADR lookback:      %d days\n", c.ADRLookbackDays)
	fmt.Printf("Max connections:   %d\n", c.MaxConnections)
	fmt.Printf("Max client queue:  %d\n", c.MaxClientQueue)
	fmt.Printf("CPU reject/pause:  %.1f%% / %.1f%%\n", c.CPURejectThreshold, c.CPUPauseThreshold)
	fmt.Printf("Log level/format:  %s/%s\n", c.LogLevel, c.LogFormat)
	fmt.Println("=============================")
}

// LogConfig emits the same summary via structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("adr_lookback_days", c.ADRLookbackDays).
		Int("max_connections", c.MaxConnections).
		Int("max_client_queue", c.MaxClientQueue).
		Int("max_goroutines", c.MaxGoroutines).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Msg("gateway configuration loaded")
}
