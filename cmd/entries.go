package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/frontier"
)

type addSummary struct {
	Inserted  int `json:"inserted"`
	Skipped   int `json:"skipped"`
	Invalid   int `json:"invalid"`
	Malformed int `json:"malformed"`
}

func newAddCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "add [file|-]",
		Short: "Add link records (one JSON object per line) to the frontier",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			in, err := openInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer in.Close()

			if batch <= 0 {
				batch = a.Config.Store.BatchSize
			}
			var sum addSummary
			offset := 0
			malformed, err := readRecords(in, batch, a.Logger, func(records []frontier.LinkRecord) error {
				res, err := a.Frontier.AddEntries(cmd.Context(), records)
				sum.Inserted += res.Inserted
				sum.Skipped += res.Skipped
				sum.Invalid += len(res.Invalid)
				for _, inv := range res.Invalid {
					a.Logger.Warn("rejected record",
						zap.Int("record", offset+inv.Index),
						zap.String("url", records[inv.Index].URL),
						zap.Error(inv.Err),
					)
				}
				offset += len(records)
				return err
			})
			sum.Malformed = malformed
			if werr := writeJSONLine(cmd.OutOrStdout(), sum); werr != nil {
				return werr
			}
			if err != nil {
				return fmt.Errorf("add entries: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "records per AddEntries call (default store.batch_size)")
	return cmd
}

func newClaimCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim pending entries and print them as JSON lines",
		Long: `Claims up to --count entries in priority order and prints each as a
JSON line. Claimed entries stay IN_FLIGHT until marked done with the done
command or returned by requeue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			for range max(count, 1) {
				entry, ok, err := a.Frontier.ClaimNext(cmd.Context())
				if err != nil {
					return fmt.Errorf("claim: %w", err)
				}
				if !ok {
					fmt.Fprintln(cmd.ErrOrStderr(), "no pending entries")
					return nil
				}
				if err := writeJSONLine(cmd.OutOrStdout(), entry); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "maximum number of entries to claim")
	return cmd
}

func newDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>...",
		Short: "Mark in-flight entries as done",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var errs []error
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil || id <= 0 {
					errs = append(errs, fmt.Errorf("invalid entry id %q", arg))
					continue
				}
				if err := a.Frontier.MarkDone(cmd.Context(), id); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d done\n", id)
			}
			return errors.Join(errs...)
		},
	}
}
