// Package config loads engine configuration from a TOML file, an optional
// .env file and PARIMUTUEL_* environment variables, in that order.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Auth     AuthConfig     `toml:"auth"`
	LogLevel string         `toml:"log_level"`
}

type ServerConfig struct {
	Port         int      `toml:"port"`
	CORSOrigins  []string `toml:"cors_origins"`
	ReadTimeout  duration `toml:"read_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
}

// DatabaseConfig selects PostgreSQL. An empty DSN means the in-memory store.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache and distributed locks when
// either URL or Addr is set.
type RedisConfig struct {
	URL        string   `toml:"url"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	CacheTTL   duration `toml:"cache_ttl"`
}

func (r RedisConfig) Enabled() bool { return r.URL != "" || r.Addr != "" }

type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	LockTTL  duration `toml:"lock_ttl"`
}

type LedgerConfig struct {
	// ReservedFloor is the balance every market escrow keeps, charged to
	// the creator at market creation.
	ReservedFloor uint64 `toml:"reserved_floor"`

	// FaucetEnabled exposes the deposit endpoint. Development only.
	FaucetEnabled bool `toml:"faucet_enabled"`
}

type AuthConfig struct {
	Enabled bool     `toml:"enabled"`
	MaxSkew duration `toml:"max_skew"`
}

// duration wraps time.Duration so it decodes from TOML strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			CORSOrigins:  []string{"*"},
			ReadTimeout:  duration{10 * time.Second},
			WriteTimeout: duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:   20,
			MaxRetries: 3,
			CacheTTL:   duration{30 * time.Second},
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "parimutuel-settlements",
			Prefix:         "settlements",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Interval: duration{5 * time.Minute},
			LockTTL:  duration{4 * time.Minute},
		},
		Ledger: LedgerConfig{
			ReservedFloor: 0,
			FaucetEnabled: false,
		},
		Auth: AuthConfig{
			Enabled: true,
			MaxSkew: duration{time.Minute},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Level returns the configured slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	if lvl, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// Validate checks Config for invalid values and returns a combined error
// describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout.Duration <= 0 || c.Server.WriteTimeout.Duration <= 0 {
		errs = append(errs, "server: read_timeout and write_timeout must be > 0")
	}

	if c.Database.DSN != "" {
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Enabled() && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be > 0")
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region is required when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.LockTTL.Duration <= 0 {
			errs = append(errs, "archive: lock_ttl must be > 0")
		}
	}

	if c.Auth.Enabled && c.Auth.MaxSkew.Duration <= 0 {
		errs = append(errs, "auth: max_skew must be > 0 when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
