package pushdispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-push-dispatch/internal/storage/cache"
	"github.com/tinywideclouds/go-push-dispatch/internal/storage/postgres"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatch/pushdispatch/config"
)

// NewLogger builds the process logger. Level comes from LOG_LEVEL.
func NewLogger(service string) *slog.Logger {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", service)
	slog.SetDefault(logger)
	return logger
}

// LoadConfig parses the embedded yaml file and applies env overrides.
func LoadConfig(raw []byte, logger *slog.Logger) (*config.Config, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		return nil, fmt.Errorf("unmarshal embedded yaml config: %w", err)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return nil, err
	}
	return config.UpdateConfigWithEnvOverrides(baseCfg, logger)
}

// Stores bundles the storage clients a stage binary needs.
type Stores struct {
	// Devices is the store the delivery stages use; it may be cache-decorated.
	Devices dispatch.DeviceStore
	// Relational always bypasses the cache. The control plane bumps
	// updated_at without passing through the decorator, so any decision that
	// compares timestamps must read from here.
	Relational dispatch.DeviceStore
	Pool       *pgxpool.Pool
	close      func()
}

// Close releases every underlying connection.
func (s *Stores) Close() {
	s.close()
}

// OpenStores connects the relational store and, when enabled, decorates the
// device store with the Redis cache layer.
func OpenStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	relational := postgres.NewStore(pool, logger)
	stores := &Stores{
		Devices:    relational,
		Relational: relational,
		Pool:       pool,
		close:      pool.Close,
	}
	logger.Info("DeviceStore initialized", "type", "postgres")

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		stores.Devices = cache.NewCachedDeviceStore(stores.Devices, redisClient, 24*time.Hour)
		stores.close = func() {
			_ = redisClient.Close()
			pool.Close()
		}
		logger.Info("DeviceStore upgraded", "type", "redis_cached_postgres")
	}

	return stores, nil
}

// Run drives a stage service until a termination signal or the stage loop
// exits, then shuts the health server down.
func Run(ctx context.Context, svc *Service, logger *slog.Logger) {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- svc.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Termination signal received, shutting down...")
	case err := <-svc.Done():
		if err != nil {
			logger.Error("Stage loop terminated", "err", err)
		} else {
			logger.Info("Stage loop finished")
		}
	case err := <-serverErr:
		if err != nil {
			logger.Error("Health server terminated", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", "err", err)
	}
}
