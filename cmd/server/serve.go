package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/blueberrycongee/espgate"
	"github.com/blueberrycongee/espgate/internal/config"
	"github.com/blueberrycongee/espgate/internal/observability"
	"github.com/blueberrycongee/espgate/internal/resilience"
)

type serveOptions struct {
	configPath string
	port       int
	logLevel   string
	dryRun     bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway with the given configuration file.

Examples:
  # Start with a config file
  espgate serve --config /etc/espgate/config.yaml

  # Override the listen port
  espgate serve --config config.yaml --port 9090

  # Validate the config without starting
  espgate serve --config config.yaml --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "config/config.yaml", "path to configuration file")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "override listen port")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "validate config without starting the server")
	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := config.LoadFromFile(opts.configPath)
	if err != nil {
		return err
	}
	applyOverrides(cfg, opts)
	if opts.dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "configuration %s is valid\n", opts.configPath)
		return nil
	}

	levelVar := new(slog.LevelVar)
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		LevelVar: levelVar,
	})
	slog.SetDefault(logger)
	logger.Info("starting espgate", "version", version(), "config", opts.configPath)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgManager, err := config.NewManager(opts.configPath, logger)
	if err != nil {
		return err
	}
	defer cfgManager.Close()
	cfgManager.OnChange(newConfigReloader(logger, levelVar, opts, cfg).Apply)
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	gwOpts := []espgate.Option{
		espgate.FromConfig(cfg),
		espgate.WithLogger(logger),
		espgate.WithTracer(tp.Tracer()),
	}
	if cfg.Resilience.Redis.Enabled {
		rdb, err := connectRedis(ctx, cfg.Resilience.Redis, logger)
		if err != nil {
			return err
		}
		defer rdb.Close()
		gwOpts = append(gwOpts, espgate.WithDistributedLimiter(
			resilience.NewRedisLimiter(rdb, cfg.Resilience.Redis.KeyPrefix),
			cfg.Resilience.Redis.FailOpen,
		))
	}

	gw, err := espgate.New(gwOpts...)
	if err != nil {
		return err
	}
	defer gw.Close()
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           gw.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func applyOverrides(cfg *config.Config, opts *serveOptions) {
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
}

// connectRedis returns a client for the shared rate limiter. An unreachable
// server is fatal unless the limiter fails open.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		if !cfg.FailOpen {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
		}
		logger.Warn("redis unreachable, rate limits fail open until it recovers", "addr", cfg.Addr, "error", err)
		return rdb, nil
	}
	logger.Info("distributed rate limiter enabled", "addr", cfg.Addr, "key_prefix", cfg.KeyPrefix)
	return rdb, nil
}
