package cmd

import (
	"amqpav/internal/broker"
	"amqpav/internal/cache"
	"amqpav/internal/dispatcher"
	"amqpav/internal/http/handlers/health"
	"amqpav/internal/http/router"
	"amqpav/internal/scanner"
	"amqpav/internal/telemetry"
	"context"
	"errors"
	"fmt"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"net/http"
	"time"
)

func newServerCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Consume scan requests and publish verdicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), rt)
		},
	}
}

func runServer(ctx context.Context, rt *runtime) error {
	cfg, logger := rt.cfg, rt.logger
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	logger.Info("starting service", "env", cfg.Environment, "broker_driver", cfg.Broker.Driver)

	// 1) Telemetry
	otelShutdown, err := telemetry.Setup(ctx, cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "error", err)
		}
	}()

	// 2) Broker
	b, err := broker.Open(cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("failed to close broker", "error", err)
		}
	}()

	// 3) Scanning engine, optionally behind the verdict cache
	clamd := scanner.NewClamd(cfg.Clamd, logger)
	checks := map[string]health.Pinger{"clamd": clamd}

	var engine scanner.Engine = clamd
	if cfg.Redis.Enabled {
		redisClient, err := cache.NewRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error("failed to close redis", "error", err)
			}
		}()

		engine = scanner.NewCachedEngine(clamd, cache.NewVerdictCache(redisClient), cfg.Redis.VerdictTTL, logger)
		checks["redis"] = redisClient
	}

	// 4) Dispatcher
	d, err := dispatcher.New(b, engine, dispatcher.NewConfig(cfg.Broker, cfg.Server), logger)
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	errCh := make(chan error, 2)
	dispatcherDone := make(chan struct{})

	go func() {
		defer close(dispatcherDone)
		if err := d.Run(ctx); err != nil {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	// 5) Ops HTTP server
	var srv *http.Server
	if cfg.HTTP.Enabled {
		srv = &http.Server{
			Addr: fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
			Handler: otelhttp.NewHandler(
				router.NewRouter(logger, health.NewHandler(checks)),
				cfg.Observability.ServiceName,
			),
		}

		go func() {
			logger.Info("http server starting", "host", cfg.HTTP.Host, "port", cfg.HTTP.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	// 6) Wait for shutdown signal or an error
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("fatal error from subsystem", "error", runErr)
		stop()
	}

	stop()
	<-dispatcherDone

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown http server", "error", err)
		}
	}

	logger.Info("service stopped")
	return runErr
}
