// Command server runs the parimutuel market engine: the HTTP API, the
// WebSocket event hub and, when enabled, the settlement archiver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/parimutuel/internal/api"
	"github.com/atmx/parimutuel/internal/archive"
	"github.com/atmx/parimutuel/internal/auth"
	"github.com/atmx/parimutuel/internal/config"
	"github.com/atmx/parimutuel/internal/ledger"
	"github.com/atmx/parimutuel/internal/store"
)

// gaugeInterval is how often the open-market gauge is recounted.
const gaugeInterval = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("PARIMUTUEL_CONFIG"), "path to TOML configuration file (optional)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger.Debug("configuration loaded", "config", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("parimutuel exited with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("parimutuel stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Initialize store ---
	var st store.Store
	var locker store.Locker = store.NewLocalLocker()
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Database.DSN != "" {
		pool, err := store.OpenPostgres(ctx, store.PostgresConfig{
			DSN:      cfg.Database.DSN,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if cfg.Database.RunMigrations {
			if err := store.RunMigrations(ctx, pool); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
		}
		st = store.NewPostgresStore(pool, cfg.Ledger.ReservedFloor)
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore(cfg.Ledger.ReservedFloor)
	}

	// Redis adds a read-through cache in front of PostgreSQL and
	// replaces the in-process locker.
	if cfg.Redis.Enabled() {
		rdb, err := store.OpenRedis(ctx, store.RedisConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		cleanup = append(cleanup, func() { rdb.Close() })
		locker = store.NewRedisLocker(rdb)
		if cfg.Database.DSN != "" {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
	}

	// --- Ledger and transport ---
	l := ledger.New(st, ledger.WithLogger(logger))

	if !cfg.Auth.Enabled {
		logger.Warn("request signatures disabled, callers are trusted from " + auth.HeaderCaller)
	}
	if cfg.Ledger.FaucetEnabled {
		logger.Warn("deposit faucet enabled")
	}
	verifier := auth.NewVerifier(cfg.Auth.Enabled, cfg.Auth.MaxSkew.Duration, locker, logger)

	hub := api.NewWSHub(logger)
	svc := api.NewService(l, hub, cfg.Ledger.FaucetEnabled, logger)
	router := api.NewRouter(svc, api.RouterConfig{
		Verifier:    verifier,
		Hub:         hub,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		objects, err := archive.NewS3Store(ctx, archive.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		archiver = archive.New(st, objects, locker, archive.Options{
			Prefix:   cfg.S3.Prefix,
			Interval: cfg.Archive.Interval.Duration,
			LockTTL:  cfg.Archive.LockTTL.Duration,
			Logger:   logger,
		})
		logger.Info("settlement archive enabled", "bucket", cfg.S3.Bucket, "interval", cfg.Archive.Interval.Duration)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return l.RunGauges(ctx, gaugeInterval) })

	g.Go(func() error {
		logger.Info("parimutuel listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down parimutuel...")
		return srv.Shutdown(shutdownCtx)
	})

	if archiver != nil {
		g.Go(func() error { return archiver.Run(ctx) })
	}

	return g.Wait()
}
