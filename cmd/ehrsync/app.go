package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicops/ehrsync/internal/config"
	"github.com/clinicops/ehrsync/internal/domain/clinic"
	"github.com/clinicops/ehrsync/internal/domain/ehrsync"
	"github.com/clinicops/ehrsync/internal/ehr/factory"
	"github.com/clinicops/ehrsync/internal/platform/db"
)

// app holds the dependencies shared by the server and the CLI commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	rdb      *redis.Client
	adapters *factory.Factory
	svc      *ehrsync.Service
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(out).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// CLI output goes to stdout; logs go to stderr.
	logger := newLogger(cfg, os.Stderr)

	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, pool: pool}

	var settings clinic.SettingsStore = clinic.NewSettingsStore(pool)
	if cfg.RedisURL != "" {
		rdb, err := clinic.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, settings are read without cache")
		} else {
			a.rdb = rdb
			settings = clinic.NewCachedSettings(settings, rdb, cfg.SettingsCacheTTL, logger)
		}
	}

	a.adapters = factory.New(settings, logger)
	a.svc = ehrsync.NewService(
		clinic.NewPatientRepo(pool),
		clinic.NewIntakeRepo(pool),
		ehrsync.NewMappingRepoPG(pool),
		ehrsync.NewSyncLogRepoPG(pool),
		logger,
	).WithTransactor(db.NewTransactor(pool)).WithBatchSize(cfg.SyncBatchSize)

	return a, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	a.pool.Close()
}

// tenant returns the --tenant flag or the configured default tenant.
func (a *app) tenant(cmd *cobra.Command) (string, error) {
	tenantID, _ := cmd.Flags().GetString("tenant")
	if tenantID == "" {
		tenantID = a.cfg.DefaultTenant
	}
	if !db.ValidTenantID(tenantID) {
		return "", fmt.Errorf("invalid tenant id %q", tenantID)
	}
	return tenantID, nil
}
