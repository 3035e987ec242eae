package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/frontier"
	"github.com/JakeFAU/url-frontier/internal/intake"
)

func newPublishCmd() *cobra.Command {
	var (
		batch   int
		brokers []string
		topic   string
	)
	cmd := &cobra.Command{
		Use:         "publish [file|-]",
		Short:       "Publish link records (one JSON object per line) to the Kafka intake topic",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if len(brokers) == 0 {
				brokers = rt.cfg.Kafka.Brokers
			}
			if topic == "" {
				topic = rt.cfg.Kafka.Topic
			}
			if len(brokers) == 0 || topic == "" {
				return fmt.Errorf("kafka brokers and topic are required")
			}

			in, err := openInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer in.Close()

			producer := intake.NewProducer(brokers, topic)
			defer func() {
				if cerr := producer.Close(); cerr != nil {
					rt.logger.Warn("close producer", zap.Error(cerr))
				}
			}()

			published := 0
			malformed, err := readRecords(in, batch, rt.logger, func(records []frontier.LinkRecord) error {
				if err := producer.Publish(cmd.Context(), records...); err != nil {
					return err
				}
				published += len(records)
				return nil
			})
			if werr := writeJSONLine(cmd.OutOrStdout(), map[string]int{
				"published": published,
				"malformed": malformed,
			}); werr != nil {
				return werr
			}
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 500, "records per Kafka write")
	cmd.Flags().StringSliceVar(&brokers, "brokers", nil, "Kafka brokers (default kafka.brokers)")
	cmd.Flags().StringVar(&topic, "topic", "", "Kafka topic (default kafka.topic)")
	return cmd
}
