package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreSQLServer = "sqlserver"

	ComplementLocal  = "local"
	ComplementRemote = "remote"

	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	Store                 string        `mapstructure:"STORE"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	ComplementMode        string        `mapstructure:"COMPLEMENT_MODE"`
	ComplementURL         string        `mapstructure:"COMPLEMENT_URL"`
	ComplementTimeout     time.Duration `mapstructure:"COMPLEMENT_TIMEOUT"`
	ComplementMaxAttempts int           `mapstructure:"COMPLEMENT_MAX_ATTEMPTS"`
	AdmissionURL          string        `mapstructure:"ADMISSION_URL"`
	JWTSecret             string        `mapstructure:"JWT_SECRET"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL           string        `mapstructure:"AUTH_JWKS_URL"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	KafkaBrokers          []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic            string        `mapstructure:"KAFKA_TOPIC"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MatchConcurrency      int           `mapstructure:"MATCH_CONCURRENCY"`
	TraceExporter         string        `mapstructure:"TRACE_EXPORTER"`
}

var keys = []string{
	"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"COMPLEMENT_MODE", "COMPLEMENT_URL", "COMPLEMENT_TIMEOUT", "COMPLEMENT_MAX_ATTEMPTS",
	"ADMISSION_URL", "JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"REDIS_URL", "KAFKA_BROKERS", "KAFKA_TOPIC", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "MATCH_CONCURRENCY", "TRACE_EXPORTER",
}

// Load reads the admission server configuration.
func Load() (*Config, error) {
	return load("8080")
}

// LoadComplement reads the complement server configuration. It shares keys
// with the admission server and only differs in its default port.
func LoadComplement() (*Config, error) {
	return load("8081")
}

func load(defaultPort string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", defaultPort)
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("COMPLEMENT_MODE", ComplementLocal)
	v.SetDefault("COMPLEMENT_URL", "http://localhost:8081")
	v.SetDefault("COMPLEMENT_TIMEOUT", "5s")
	v.SetDefault("COMPLEMENT_MAX_ATTEMPTS", 3)
	v.SetDefault("ADMISSION_URL", "http://localhost:8080")
	v.SetDefault("KAFKA_TOPIC", "admission-events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MATCH_CONCURRENCY", 4)
	v.SetDefault("TRACE_EXPORTER", TraceExporterNone)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.Store = strings.ToLower(cfg.Store)
	cfg.ComplementMode = strings.ToLower(cfg.ComplementMode)
	cfg.TraceExporter = strings.ToLower(cfg.TraceExporter)

	if cfg.Store != StoreMemory && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE=%s", cfg.Store)
	}

	return cfg, nil
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// some way of verifying tokens must be configured.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StorePostgres, StoreSQLServer:
	default:
		return fmt.Errorf("STORE must be %q, %q or %q, got %q", StoreMemory, StorePostgres, StoreSQLServer, c.Store)
	}

	switch c.ComplementMode {
	case ComplementLocal:
	case ComplementRemote:
		if c.ComplementURL == "" {
			return fmt.Errorf("COMPLEMENT_URL is required when COMPLEMENT_MODE=remote")
		}
		if c.JWTSecret == "" && !c.IsDev() {
			return fmt.Errorf("JWT_SECRET is required to call the complement service outside development")
		}
	default:
		return fmt.Errorf("COMPLEMENT_MODE must be %q or %q, got %q", ComplementLocal, ComplementRemote, c.ComplementMode)
	}

	if c.ComplementMaxAttempts < 1 {
		return fmt.Errorf("COMPLEMENT_MAX_ATTEMPTS must be at least 1, got %d", c.ComplementMaxAttempts)
	}
	if c.ComplementTimeout <= 0 {
		return fmt.Errorf("COMPLEMENT_TIMEOUT must be positive, got %s", c.ComplementTimeout)
	}
	if c.MatchConcurrency < 1 {
		return fmt.Errorf("MATCH_CONCURRENCY must be at least 1, got %d", c.MatchConcurrency)
	}
	switch c.TraceExporter {
	case TraceExporterNone, TraceExporterStdout:
	default:
		return fmt.Errorf("TRACE_EXPORTER must be %q or %q, got %q", TraceExporterNone, TraceExporterStdout, c.TraceExporter)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	if !c.IsDev() && c.JWTSecret == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"JWT_SECRET or AUTH_JWKS_URL must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}

	return nil
}
