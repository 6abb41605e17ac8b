// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseDriver string        `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	SQLitePath     string        `mapstructure:"SQLITE_PATH"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	TxMaxAttempts  int           `mapstructure:"TX_MAX_ATTEMPTS"`
	KafkaBrokers   []string      `mapstructure:"KAFKA_BROKERS"`
	APIKeys        []string      `mapstructure:"API_KEYS"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	OTLPEndpoint   string        `mapstructure:"OTLP_ENDPOINT"`
	TracingEnabled bool          `mapstructure:"TRACING_ENABLED"`
	Timezone       string        `mapstructure:"TIMEZONE"`
	ShutdownGrace  time.Duration `mapstructure:"SHUTDOWN_GRACE"`

	KafkaReplication int           `mapstructure:"KAFKA_REPLICATION"`
	OutboxRetention  time.Duration `mapstructure:"OUTBOX_RETENTION"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_DRIVER", "DATABASE_URL", "SQLITE_PATH",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "TX_MAX_ATTEMPTS", "KAFKA_BROKERS",
	"API_KEYS", "LOG_LEVEL", "OTLP_ENDPOINT", "TRACING_ENABLED", "TIMEZONE",
	"SHUTDOWN_GRACE", "KAFKA_REPLICATION", "OUTBOX_RETENTION",
}

// Load reads the environment, falling back to .env in the working
// directory and then to defaults. The result is validated.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DATABASE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "lis.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("TX_MAX_ATTEMPTS", 8)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("SHUTDOWN_GRACE", "30s")
	v.SetDefault("KAFKA_REPLICATION", 1)
	v.SetDefault("OUTBOX_RETENTION", "168h")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.APIKeys = splitList(v.GetString("API_KEYS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RequireBrokers fails when no Kafka brokers are configured.
func (c *Config) RequireBrokers() error {
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
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

// Location returns the time zone order numbers and ages are computed in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DATABASE_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DatabaseDriver)
	}

	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are not a valid pool size", c.DBMinConns, c.DBMaxConns)
	}
	if c.KafkaReplication < 1 || c.KafkaReplication > 32767 {
		return fmt.Errorf("KAFKA_REPLICATION must be between 1 and 32767, got %d", c.KafkaReplication)
	}
	if c.TxMaxAttempts < 1 {
		return fmt.Errorf("TX_MAX_ATTEMPTS must be at least 1, got %d", c.TxMaxAttempts)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	if c.TracingEnabled && c.OTLPEndpoint == "" {
		return fmt.Errorf("OTLP_ENDPOINT is required when TRACING_ENABLED is true")
	}
	return nil
}
