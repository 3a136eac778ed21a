package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/congo-pay/custody/internal/config"
	"github.com/congo-pay/custody/internal/infra"
	"github.com/congo-pay/custody/internal/keyvault"
	"github.com/congo-pay/custody/internal/logging"
	"github.com/congo-pay/custody/internal/metrics"
	"github.com/congo-pay/custody/internal/routes"
	"github.com/congo-pay/custody/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("app", cfg.AppName, "env", cfg.AppEnv)

	if err := run(cfg, logger); err != nil {
		logger.Error("exit with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited cleanly")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	deps := routes.Deps{Cfg: cfg, Logger: logger, Metrics: metrics.New()}

	vault, err := newVault(cfg, logger)
	if err != nil {
		return err
	}
	deps.Vault = vault

	if cfg.DatabaseURL != "" {
		db, err := infra.NewPostgresPool(connectCtx, cfg.DatabaseURL, cfg.AppName)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := infra.Migrate(connectCtx, db, logger); err != nil {
			return err
		}
		deps.DB = db
	}

	if cfg.RedisURL != "" {
		cache, err := infra.NewRedisClient(connectCtx, cfg.RedisURL, cfg.AppName)
		if err != nil {
			return err
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
		deps.Cache = cache
	}

	if cfg.RabbitMQURL != "" {
		ch, closeRabbit, err := infra.NewRabbitChannel(cfg.RabbitMQURL, cfg.AppName)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeRabbit(); err != nil {
				logger.Warn("close rabbitmq", "error", err)
			}
		}()
		deps.Events = ch
	}

	if cfg.MongoURI != "" {
		client, err := infra.NewMongoClient(connectCtx, cfg.MongoURI)
		if err != nil {
			return err
		}
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(disconnectCtx); err != nil {
				logger.Warn("disconnect mongo", "error", err)
			}
		}()
		deps.Mongo = client
	}

	srv, err := server.New(deps)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	logger.Info("starting server", "addr", cfg.Address())
	return srv.Run(ctx)
}

// newVault builds the key vault. Development runs without WALLET_MASTER_KEY
// and without a durable store get an ephemeral key, since nothing sealed
// with it outlives the process.
func newVault(cfg config.Config, logger *slog.Logger) (*keyvault.Vault, error) {
	master := cfg.MasterKey
	if len(master) == 0 {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("WALLET_MASTER_KEY is required")
		}
		if cfg.DatabaseURL != "" {
			return nil, fmt.Errorf("WALLET_MASTER_KEY is required when DATABASE_URL is set")
		}
		logger.Warn("WALLET_MASTER_KEY not set, using an ephemeral key")
		master = make([]byte, keyvault.MinKeyMaterial)
		if _, err := rand.Read(master); err != nil {
			return nil, fmt.Errorf("generate ephemeral master key: %w", err)
		}
	}
	return keyvault.New(master, cfg.VaultParams())
}
