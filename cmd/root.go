// Package cmd defines and implements the CLI commands for the frontier executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/app"
	"github.com/JakeFAU/url-frontier/internal/config"
	"github.com/JakeFAU/url-frontier/internal/logging"
)

// skipApp marks commands that run without opening the store.
const skipApp = "skip-app"

type runtimeKey struct{}

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	app    *app.App
}

// appFactory builds the application container. Tests swap it to share one
// in-memory store across several command invocations.
type appFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error)

// newRootCmd creates the root command and wires every subcommand.
func newRootCmd(build appFactory) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "frontier",
		Short: "A persistent, deduplicated, priority-ordered URL frontier.",
		Long: `frontier stores every URL a crawl discovers exactly once and hands
pending work to crawl workers in priority order. Claims that are never
completed are returned to the queue once they go stale, so a crashed worker
loses no work.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			rt := &runtime{cfg: cfg, logger: logger}
			if cmd.Annotations[skipApp] == "" {
				a, err := build(cmd.Context(), cfg, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				rt.app = a
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime)
			if !ok {
				return
			}
			if rt.app != nil {
				rt.app.Close()
				return
			}
			_ = rt.logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); FRONTIER_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newAddCmd(),
		newClaimCmd(),
		newDoneCmd(),
		newRequeueCmd(),
		newPurgeCmd(),
		newStatsCmd(),
		newClearCmd(),
		newDrainCmd(),
		newPublishCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd(app.New)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "command failed:", err)
		os.Exit(1)
	}
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

func resolveApp(ctx context.Context) (*app.App, error) {
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return nil, err
	}
	if rt.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt.app, nil
}
