package cmd

import (
	"context"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/app"
	"github.com/JakeFAU/url-frontier/internal/frontier"
	"github.com/JakeFAU/url-frontier/internal/worker"
)

func newDrainCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Claim every entry, print it as a JSON line and mark it done",
		Long: `Runs a worker pool against the frontier until nothing is pending or in
flight. Each claimed entry is written to stdout as one JSON line before it is
marked done; a stale-claim reaper runs alongside so entries abandoned by other
workers are picked up too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return drain(ctx, a, concurrency, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of workers (default worker.concurrency)")
	return cmd
}

func drain(ctx context.Context, a *app.App, concurrency int, out io.Writer) error {
	sweeper, err := newReaper(a)
	if err != nil {
		return err
	}
	if concurrency <= 0 {
		concurrency = a.Config.Worker.Concurrency
	}

	var mu sync.Mutex
	emit := worker.HandlerFunc(func(_ context.Context, entry frontier.Entry) error {
		mu.Lock()
		defer mu.Unlock()
		return writeJSONLine(out, entry)
	})

	pool := worker.NewPool(a.Frontier, emit, worker.Config{
		Concurrency:     concurrency,
		PollInterval:    a.Config.Worker.PollInterval,
		StopWhenDrained: true,
		Retry:           retryConfig(a),
		Observer:        a.Recorder,
	}, a.Logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	pool.Run(ctx)
	interrupted := ctx.Err() != nil
	cancel()
	wg.Wait()

	stats, err := a.Frontier.Stats(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	a.Logger.Info("drain finished",
		zap.Bool("interrupted", interrupted),
		zap.Int("pending", stats.Pending),
		zap.Int("in_flight", stats.InFlight),
		zap.Int("done", stats.Done),
	)
	return nil
}
