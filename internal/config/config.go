package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Signal store backends.
const (
	SignalBackendPostgres = "postgres"
	SignalBackendRedis    = "redis"
	SignalBackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Session
	SessionSecret string
	SessionMaxAge int

	// Verification
	ActionCodeTTL      time.Duration
	VerifyPollInterval time.Duration
	SessionGracePeriod time.Duration
	PostVerifyRoute    string
	EntryRoute         string
	MailFrom           string

	// Signal store
	SignalBackend   string
	RedisURL        string
	SignalRetention time.Duration

	// Rate Limit
	RateLimitVerify int

	// Worker
	CleanupInterval time.Duration
	MetricsPort     string // ワーカーの/metrics公開ポート

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS（カンマ区切りで複数指定可）
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.ActionCodeTTL = getEnvDuration("ACTION_CODE_TTL", 24*time.Hour)
	cfg.VerifyPollInterval = getEnvDuration("VERIFY_POLL_INTERVAL", 3*time.Second)
	cfg.SessionGracePeriod = getEnvDuration("SESSION_GRACE_PERIOD", 2500*time.Millisecond)
	cfg.PostVerifyRoute = getEnvString("POST_VERIFY_ROUTE", "/dashboard")
	cfg.EntryRoute = getEnvString("ENTRY_ROUTE", "/welcome")
	cfg.MailFrom = getEnvString("MAIL_FROM", "noreply@verifybridge.local")
	cfg.SignalBackend = strings.ToLower(getEnvString("SIGNAL_BACKEND", SignalBackendPostgres))
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.SignalRetention = getEnvDuration("SIGNAL_RETENTION", 168*time.Hour)
	cfg.RateLimitVerify = getEnvInt("RATE_LIMIT_VERIFY", 5)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は値同士の整合性を確認する。問題はまとめて返す。
func (c *Config) validate() error {
	var errs []error

	switch c.SignalBackend {
	case SignalBackendPostgres, SignalBackendMemory:
	case SignalBackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when SIGNAL_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SIGNAL_BACKEND: %q", c.SignalBackend))
	}

	for name, route := range map[string]string{"POST_VERIFY_ROUTE": c.PostVerifyRoute, "ENTRY_ROUTE": c.EntryRoute} {
		if !strings.HasPrefix(route, "/") || strings.HasPrefix(route, "//") {
			errs = append(errs, fmt.Errorf("%s must be an absolute path: %q", name, route))
		}
	}
	if c.VerifyPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("VERIFY_POLL_INTERVAL must be positive: %s", c.VerifyPollInterval))
	}
	if c.SessionGracePeriod < 0 {
		errs = append(errs, fmt.Errorf("SESSION_GRACE_PERIOD must not be negative: %s", c.SessionGracePeriod))
	}
	if c.RateLimitVerify <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_VERIFY must be positive: %d", c.RateLimitVerify))
	}

	return errors.Join(errs...)
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
