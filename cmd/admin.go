package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the frontier schema if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s store ready\n", a.Config.Store.Backend)
			return nil
		},
	}
}

func newRequeueCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Return stale in-flight entries to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if maxAge <= 0 {
				maxAge = a.Config.Frontier.StaleAfter
			}
			n, err := a.Frontier.RequeueStale(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]int{"reclaimed": n})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "claims older than this are requeued (default frontier.stale_after)")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete done entries completed before the retention window",
		Long: `Deletes DONE entries completed more than --older-than ago. A purged URL
is no longer remembered, so rediscovering it queues it again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = a.Config.Frontier.Retention
			}
			if olderThan <= 0 {
				return errors.New("set --older-than or frontier.retention")
			}
			n, err := a.Frontier.PurgeDone(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]int{"purged": n})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (default frontier.retention)")
	return cmd
}

type statsOutput struct {
	Pending  int  `json:"pending"`
	InFlight int  `json:"in_flight"`
	Done     int  `json:"done"`
	HasWork  bool `json:"has_work"`
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print entry counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.Frontier.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), statsOutput{
				Pending:  stats.Pending,
				InFlight: stats.InFlight,
				Done:     stats.Done,
				HasWork:  stats.HasWork(),
			})
		},
	}
}

func newClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every entry in every state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear the frontier without --yes")
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Frontier.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "frontier cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion of all entries")
	return cmd
}
