package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const EnvironmentProduction = "production"

// Config contains runtime configuration values for the aegis binaries.
type Config struct {
	Environment string `env:"AEGIS_ENV" envDefault:"development"`
	LogLevel    string `env:"AEGIS_LOG_LEVEL" envDefault:"info"`
	HTTPAddr    string `env:"AEGIS_HTTP_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"AEGIS_PG_DSN"`

	RedisAddr     string `env:"AEGIS_REDIS_ADDR"`
	RedisPassword string `env:"AEGIS_REDIS_PASSWORD"`
	RedisDB       int    `env:"AEGIS_REDIS_DB" envDefault:"0"`

	Issuer               string        `env:"AEGIS_TOKEN_ISSUER" envDefault:"aegis"`
	AccessTTL            time.Duration `env:"AEGIS_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL           time.Duration `env:"AEGIS_REFRESH_TTL" envDefault:"24h"`
	PersistentRefreshTTL time.Duration `env:"AEGIS_PERSISTENT_REFRESH_TTL" envDefault:"720h"`

	KeyDir        string        `env:"AEGIS_KEY_DIR" envDefault:"var/keys"`
	KeyBits       int           `env:"AEGIS_KEY_BITS" envDefault:"2048"`
	KeyGrace      time.Duration `env:"AEGIS_KEY_GRACE" envDefault:"30m"`
	KeyRotateEach time.Duration `env:"AEGIS_KEY_ROTATE_EVERY" envDefault:"0s"`
	SweepInterval time.Duration `env:"AEGIS_SWEEP_INTERVAL" envDefault:"1m"`

	CookieSecure bool   `env:"AEGIS_COOKIE_SECURE" envDefault:"true"`
	CookieDomain string `env:"AEGIS_COOKIE_DOMAIN"`

	AllowSessionCleanup bool `env:"AEGIS_ALLOW_SESSION_CLEANUP" envDefault:"false"`

	FloodBurst        int  `env:"AEGIS_FLOOD_BURST" envDefault:"200"`
	FloodPerSec       int  `env:"AEGIS_FLOOD_PER_SEC" envDefault:"100"`
	TrustProxyHeaders bool `env:"AEGIS_TRUST_PROXY_HEADERS" envDefault:"false"`

	PurgeInterval time.Duration `env:"AEGIS_PURGE_INTERVAL" envDefault:"1h"`

	// Bootstrap admin, created on first start when no user has that name.
	AdminUsername string `env:"AEGIS_ADMIN_USERNAME"`
	AdminEmail    string `env:"AEGIS_ADMIN_EMAIL"`
	AdminPassword string `env:"AEGIS_ADMIN_PASSWORD"`

	TelemetryEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TelemetryInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	ServiceName       string `env:"AEGIS_SERVICE_NAME" envDefault:"aegis-api"`
}

// Load reads a .env file when present, then parses the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads configuration from the process environment and validates it.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.AccessTTL <= 0 {
		errs = append(errs, errors.New("AEGIS_ACCESS_TTL must be positive"))
	}
	if c.RefreshTTL <= 0 || c.PersistentRefreshTTL <= 0 {
		errs = append(errs, errors.New("refresh token lifetimes must be positive"))
	}
	if c.PersistentRefreshTTL < c.RefreshTTL {
		errs = append(errs, errors.New("AEGIS_PERSISTENT_REFRESH_TTL must not be shorter than AEGIS_REFRESH_TTL"))
	}
	// A retiring key must outlive every token it signed.
	if c.KeyGrace < c.AccessTTL {
		errs = append(errs, fmt.Errorf("AEGIS_KEY_GRACE (%s) must be at least AEGIS_ACCESS_TTL (%s)", c.KeyGrace, c.AccessTTL))
	}
	if c.KeyRotateEach < 0 {
		errs = append(errs, errors.New("AEGIS_KEY_ROTATE_EVERY must not be negative"))
	}
	if c.PurgeInterval <= 0 || c.SweepInterval <= 0 {
		errs = append(errs, errors.New("AEGIS_PURGE_INTERVAL and AEGIS_SWEEP_INTERVAL must be positive"))
	}
	if c.AdminUsername != "" && len(c.AdminPassword) < 8 {
		errs = append(errs, errors.New("AEGIS_ADMIN_PASSWORD must be at least 8 characters"))
	}
	if c.AllowSessionCleanup && c.IsProduction() {
		errs = append(errs, errors.New("AEGIS_ALLOW_SESSION_CLEANUP cannot be enabled in production"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the service runs in the production environment.
func (c Config) IsProduction() bool {
	return c.Environment == EnvironmentProduction
}
