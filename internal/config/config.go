// Package config loads process settings from GYB_* environment variables and
// the governance policy from an optional TOML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds process-level settings.
type Config struct {
	HTTPAddr string `env:"GYB_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GYB_GRPC_ADDR" envDefault:":9090"`

	DBDriver    string `env:"GYB_DB_DRIVER" envDefault:"sqlite"`
	DBDSN       string `env:"GYB_DB_DSN" envDefault:"gybernaty.db"`
	AutoMigrate bool   `env:"GYB_AUTO_MIGRATE" envDefault:"true"`

	AuthSecret  string        `env:"GYB_AUTH_SECRET"`
	OperatorKey string        `env:"GYB_OPERATOR_KEY"`
	TokenIssuer string        `env:"GYB_TOKEN_ISSUER" envDefault:"gybernaty-govd"`
	TokenTTL    time.Duration `env:"GYB_TOKEN_TTL" envDefault:"1h"`

	RateLimitRPS   float64  `env:"GYB_RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int      `env:"GYB_RATE_LIMIT_BURST" envDefault:"40"`
	MaxBodyBytes   int64    `env:"GYB_MAX_BODY_BYTES" envDefault:"1048576"`
	CORSOrigins    []string `env:"GYB_CORS_ORIGINS" envSeparator:","`

	StreamBuffer    int           `env:"GYB_STREAM_BUFFER" envDefault:"16"`
	ShutdownTimeout time.Duration `env:"GYB_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"GYB_LOG_LEVEL" envDefault:"info"`

	PolicyFile           string   `env:"GYB_POLICY_FILE"`
	BootstrapAuthorities []string `env:"GYB_BOOTSTRAP_AUTHORITIES" envSeparator:","`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AuthSecret) == "" {
		errs = append(errs, errors.New("GYB_AUTH_SECRET is required"))
	}
	if len(strings.TrimSpace(c.OperatorKey)) < 16 {
		errs = append(errs, errors.New("GYB_OPERATOR_KEY must be at least 16 characters"))
	}
	switch c.DBDriver {
	case "sqlite", "pgx", "memory":
	default:
		errs = append(errs, fmt.Errorf("GYB_DB_DRIVER %q must be sqlite, pgx or memory", c.DBDriver))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit must be >= 0"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("GYB_MAX_BODY_BYTES must be > 0"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("GYB_TOKEN_TTL must be > 0"))
	}
	return errors.Join(errs...)
}
