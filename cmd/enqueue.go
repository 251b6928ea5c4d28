package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/econgraph/seriesd/internal/app"
	"github.com/econgraph/seriesd/internal/engine"
)

func newEnqueueCmd() *cobra.Command {
	var (
		source     string
		externalID string
		priority   int
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a crawl job for one series",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.Manager.Enqueue(cmd.Context(), source, externalID, priority)
			if errors.Is(err, engine.ErrDuplicateActiveJob) {
				logger.Info("series already has an active job",
					zap.String("series_id", engine.SeriesKey(source, externalID)))
				return nil
			}
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}

			logger.Info("job enqueued",
				zap.String("job_id", job.ID),
				zap.String("series_id", engine.SeriesKey(source, externalID)),
				zap.Int("priority", job.Priority),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "source id (required)")
	cmd.Flags().StringVar(&externalID, "external-id", "", "provider series id (required)")
	cmd.Flags().IntVar(&priority, "priority", 5, "priority 1-10, higher served first")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("external-id")
	return cmd
}
