package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rmax-ai/cadence/pkg/api"
	"github.com/rmax-ai/cadence/pkg/engine"
	"github.com/rmax-ai/cadence/pkg/store"
	"github.com/rmax-ai/cadence/pkg/store/redis"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "cadenced: %v\n", err)
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cadenced: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("daemon_failed", zap.Error(err))
	}
}

func run(cfg Config, logger *zap.Logger) error {
	logger.Info("system_started",
		zap.String("component", "cadenced"),
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("build_time", BuildTime),
	)

	ecfg, err := loadEngineConfig(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.PollInterval > 0 {
		ecfg.PollInterval = cfg.PollInterval
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed_to_close_store", zap.Error(err))
		} else {
			logger.Info("store_closed")
		}
	}()

	var deps engine.Deps
	if cfg.Mock {
		deps = mockDeps(logger)
	} else {
		deps = buildDeps(cfg, ecfg, logger)
	}
	sched, err := engine.New(ecfg, deps)
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}
	active := sched.Config()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	persister := engine.NewPersister(st, sched.Ledger(), sched.Location(), active.FlushInterval, logger)
	persister.SetRetention(cfg.Retention)
	if err := persister.Load(ctx); err != nil {
		logger.Warn("daily_usage_load_failed", zap.Error(err))
	}

	persisterDone := make(chan struct{})
	go func() {
		defer close(persisterDone)
		persister.Run(ctx)
	}()

	poller := engine.NewPoller(sched, active.PollInterval, logger)
	go poller.Start(ctx)

	rl := &reloader{path: cfg.ConfigPath, scheduler: sched, logger: logger}
	if cfg.Watch && fileExists(cfg.ConfigPath) {
		go func() {
			if err := rl.watch(ctx); err != nil {
				logger.Warn("config_watch_failed", zap.Error(err))
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("sighup_received")
				_ = rl.apply()
			}
		}
	}()

	srv := api.NewServer(sched, cfg.Addr, logger)
	srv.SetVersion(Version)
	srv.SetPersistence(persister)
	if cfg.AuthToken != "" {
		srv.SetAuthToken(cfg.AuthToken)
	}
	if cfg.TLSCert != "" {
		srv.SetTLS(cfg.TLSCert, cfg.TLSKey)
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_initiated")
	case err := <-serverErr:
		cancel()
		<-persisterDone
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", zap.Error(err))
	}
	<-persisterDone

	logger.Info("shutdown_complete")
	return nil
}

func loadEngineConfig(cfg Config, logger *zap.Logger) (engine.Config, error) {
	ecfg, err := engine.LoadConfig(cfg.ConfigPath)
	if err == nil {
		logger.Info("config_loaded", zap.String("path", cfg.ConfigPath))
		return ecfg, nil
	}
	if cfg.Mock && errors.Is(err, fs.ErrNotExist) {
		logger.Info("config_missing_using_mock_defaults", zap.String("path", cfg.ConfigPath))
		return mockConfig(), nil
	}
	return engine.Config{}, fmt.Errorf("failed to load config %s: %w", cfg.ConfigPath, err)
}

func openStore(cfg Config, logger *zap.Logger) (store.DailyUsageStore, error) {
	switch cfg.StoreKind {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		logger.Info("store_initialized", zap.String("kind", "redis"), zap.String("addr", cfg.RedisAddr))
		return redis.NewRedisUsageStore(client, logger), nil
	case "memory":
		logger.Info("store_initialized", zap.String("kind", "memory"))
		return store.NewMemoryStore(), nil
	default:
		st, err := store.NewStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to init store: %w", err)
		}
		logger.Info("store_initialized", zap.String("kind", "sqlite"), zap.String("path", cfg.DBPath))
		return st, nil
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
