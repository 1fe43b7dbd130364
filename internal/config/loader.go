package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, then applies environment overrides. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads PARIMUTUEL_* variables, plus the bare PORT,
// DATABASE_URL and REDIS_URL that container platforms inject.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "PARIMUTUEL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PARIMUTUEL_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.ReadTimeout, "PARIMUTUEL_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "PARIMUTUEL_SERVER_WRITE_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Database.DSN, "PARIMUTUEL_DATABASE_DSN")
	setInt(&cfg.Database.PoolMaxConns, "PARIMUTUEL_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "PARIMUTUEL_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "PARIMUTUEL_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "PARIMUTUEL_REDIS_URL")
	setStr(&cfg.Redis.Addr, "PARIMUTUEL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PARIMUTUEL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PARIMUTUEL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PARIMUTUEL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PARIMUTUEL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PARIMUTUEL_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTTL, "PARIMUTUEL_REDIS_CACHE_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PARIMUTUEL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PARIMUTUEL_S3_REGION")
	setStr(&cfg.S3.Bucket, "PARIMUTUEL_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "PARIMUTUEL_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "PARIMUTUEL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PARIMUTUEL_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PARIMUTUEL_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PARIMUTUEL_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "PARIMUTUEL_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.LockTTL, "PARIMUTUEL_ARCHIVE_LOCK_TTL")

	// ── Ledger ──
	setUint64(&cfg.Ledger.ReservedFloor, "PARIMUTUEL_LEDGER_RESERVED_FLOOR")
	setBool(&cfg.Ledger.FaucetEnabled, "PARIMUTUEL_LEDGER_FAUCET_ENABLED")

	// ── Auth ──
	setBool(&cfg.Auth.Enabled, "PARIMUTUEL_AUTH_ENABLED")
	setDuration(&cfg.Auth.MaxSkew, "PARIMUTUEL_AUTH_MAX_SKEW")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "PARIMUTUEL_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
