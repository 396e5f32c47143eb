// Package config содержит логику чтения конфигурации сервиса сканпоинт.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса сканпоинт.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	TelemetryAddress string        `env:"TELEMETRY_ADDRESS"`
	OTPDevMode       bool          `env:"OTP_DEV_MODE"`
	OTPTTL           time.Duration `env:"OTP_TTL"`
	SessionReuse     bool          `env:"SESSION_REUSE"`
	RateLimitOff     bool          `env:"RATE_LIMIT_DISABLED"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envTelemetryAddress := cfg.TelemetryAddress
	envOTPDevMode := cfg.OTPDevMode
	envOTPTTL := cfg.OTPTTL
	envSessionReuse := cfg.SessionReuse
	envRateLimitOff := cfg.RateLimitOff

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.TelemetryAddress, "t", "", "telemetry sink address")
	flag.BoolVar(&cfg.OTPDevMode, "dev", false, "use fixed OTP code instead of random")
	flag.DurationVar(&cfg.OTPTTL, "otp-ttl", 5*time.Minute, "OTP challenge time to live")
	flag.BoolVar(&cfg.SessionReuse, "reuse", false, "reuse open session for the same coupon and device")
	flag.BoolVar(&cfg.RateLimitOff, "no-rate-limit", false, "disable request rate limiting")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envTelemetryAddress != "" {
		cfg.TelemetryAddress = envTelemetryAddress
	}
	if envOTPDevMode {
		cfg.OTPDevMode = true
	}
	if envOTPTTL != 0 {
		cfg.OTPTTL = envOTPTTL
	}
	if envSessionReuse {
		cfg.SessionReuse = true
	}
	if envRateLimitOff {
		cfg.RateLimitOff = true
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 5 * time.Minute
	}

	return cfg, nil
}
