package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/api"
	"github.com/JakeFAU/url-frontier/internal/app"
	"github.com/JakeFAU/url-frontier/internal/intake"
	"github.com/JakeFAU/url-frontier/internal/reaper"
	"github.com/JakeFAU/url-frontier/internal/retry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the stale-claim reaper and the optional Kafka intake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app.App) error {
	cfg := a.Config
	logger := a.Logger

	sweeper, err := newReaper(a)
	if err != nil {
		return err
	}

	apiServer := api.NewServer(a.Frontier, cfg, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	if cfg.Kafka.Enabled {
		consumer := intake.NewConsumer(
			intake.NewReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID),
			a.Frontier,
			intake.ConsumerConfig{
				BatchSize:     cfg.Kafka.BatchSize,
				FlushInterval: cfg.Kafka.FlushInterval,
				Retry:         retryConfig(a),
				Observer:      a.Recorder,
			},
			logger,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.Error("kafka intake stopped", zap.Error(err))
				cancel()
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			cancel()
		}
		close(serverErr)
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	logger.Info("shutdown complete")

	if err := <-serverErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func newReaper(a *app.App) (*reaper.Reaper, error) {
	r, err := reaper.New(a.Frontier, reaper.Config{
		Interval:   a.Config.Frontier.ReapInterval,
		StaleAfter: a.Config.Frontier.StaleAfter,
		Retention:  a.Config.Frontier.Retention,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("build reaper: %w", err)
	}
	return r, nil
}

func retryConfig(a *app.App) retry.Config {
	return retry.Config{
		MaxAttempts: a.Config.Worker.Retry.MaxAttempts,
		BaseDelay:   a.Config.Worker.Retry.BaseDelay,
		MaxDelay:    a.Config.Worker.Retry.MaxDelay,
	}
}
