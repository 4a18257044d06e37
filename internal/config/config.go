// Package config loads and validates client config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Token store drivers accepted by TOKEN_STORE_DRIVER.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds client configuration loaded from the environment.
type Config struct {
	// APIBaseURL is the identity API base URL (e.g. https://api.nser.go.ke). Required.
	APIBaseURL string `mapstructure:"API_BASE_URL"`
	// RequestTimeout bounds every gateway attempt (e.g. "15s").
	RequestTimeout string `mapstructure:"REQUEST_TIMEOUT"`
	// RenewalTimeout bounds the single in-flight token renewal call.
	RenewalTimeout string `mapstructure:"RENEWAL_TIMEOUT"`
	// LogoutTimeout bounds the best-effort server logout notification.
	LogoutTimeout string `mapstructure:"LOGOUT_TIMEOUT"`
	// StepUpResendCooldown is the fixed window after a successful resend during which resend is rejected locally.
	StepUpResendCooldown string `mapstructure:"STEP_UP_RESEND_COOLDOWN"`
	// UserAgent is sent on every request.
	UserAgent string `mapstructure:"USER_AGENT"`

	// TokenStoreDriver is sqlite, postgres or memory.
	TokenStoreDriver string `mapstructure:"TOKEN_STORE_DRIVER"`
	// TokenStoreDSN is the SQLite file path or Postgres DSN. Ignored for memory.
	TokenStoreDSN string `mapstructure:"TOKEN_STORE_DSN"`
	// ProfileID scopes stored credentials; one profile per browser profile or CLI profile.
	ProfileID string `mapstructure:"PROFILE_ID"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is console or json.
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is the OTel service.name resource attribute.
	ServiceName string `mapstructure:"SERVICE_NAME"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// Fake identity API (cmd/fakeidp only).
	FakeIDPAddr string `mapstructure:"FAKEIDP_ADDR"`
	// JWTPrivateKey is the PEM-encoded private key or path to file; generated in memory when empty.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file.
	JWTPublicKey  string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER"`
	JWTAudience   string `mapstructure:"JWT_AUDIENCE"`
	JWTAccessTTL  string `mapstructure:"JWT_ACCESS_TTL"`
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	BcryptCost    int    `mapstructure:"BCRYPT_COST"`
	// DevStepUpCode makes the fake API accept a fixed step-up code. Must be empty in production.
	DevStepUpCode string `mapstructure:"DEV_STEP_UP_CODE"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("API_BASE_URL", "")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("RENEWAL_TIMEOUT", "15s")
	v.SetDefault("LOGOUT_TIMEOUT", "5s")
	v.SetDefault("STEP_UP_RESEND_COOLDOWN", "30s")
	v.SetDefault("USER_AGENT", "nser-portal-session/1.0")
	v.SetDefault("TOKEN_STORE_DRIVER", StoreDriverSQLite)
	v.SetDefault("TOKEN_STORE_DSN", "portal-session.db")
	v.SetDefault("PROFILE_ID", "default")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("SERVICE_NAME", "nser-portal-session")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("FAKEIDP_ADDR", ":8081")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "nser-fakeidp")
	v.SetDefault("JWT_AUDIENCE", "nser-portal")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("DEV_STEP_UP_CODE", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("config: API_BASE_URL must be set")
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("config: API_BASE_URL must be an absolute URL")
	}

	switch strings.ToLower(c.TokenStoreDriver) {
	case StoreDriverSQLite, StoreDriverPostgres:
		if strings.TrimSpace(c.TokenStoreDSN) == "" {
			return errors.New("config: TOKEN_STORE_DSN must be set for sqlite and postgres stores")
		}
	case StoreDriverMemory:
	default:
		return errors.New("config: TOKEN_STORE_DRIVER must be sqlite, postgres or memory")
	}
	c.TokenStoreDriver = strings.ToLower(c.TokenStoreDriver)

	if strings.TrimSpace(c.ProfileID) == "" {
		return errors.New("config: PROFILE_ID must not be empty")
	}

	if c.DevStepUpCode != "" && c.Env == "production" {
		return errors.New("config: DEV_STEP_UP_CODE must not be set when APP_ENV=production")
	}

	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	return nil
}

// RequestTimeoutDuration parses RequestTimeout. Returns 15s if unset or invalid.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return parseDuration(c.RequestTimeout, 15*time.Second)
}

// RenewalTimeoutDuration parses RenewalTimeout. Returns 15s if unset or invalid.
func (c *Config) RenewalTimeoutDuration() time.Duration {
	return parseDuration(c.RenewalTimeout, 15*time.Second)
}

// LogoutTimeoutDuration parses LogoutTimeout. Returns 5s if unset or invalid.
func (c *Config) LogoutTimeoutDuration() time.Duration {
	return parseDuration(c.LogoutTimeout, 5*time.Second)
}

// ResendCooldown parses StepUpResendCooldown. Returns 30s if unset or invalid.
func (c *Config) ResendCooldown() time.Duration {
	return parseDuration(c.StepUpResendCooldown, 30*time.Second)
}

// AccessTTL parses JWTAccessTTL. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.JWTRefreshTTL, 168*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
