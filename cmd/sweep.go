package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/econgraph/seriesd/internal/app"
	"github.com/econgraph/seriesd/internal/scheduler"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one rescheduling pass, enqueueing every due series",
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

			sweeper := scheduler.NewSweeper(
				a.Manager,
				a.Attempts,
				a.Registry,
				scheduler.CadenceStrategy{
					DegradeThreshold:  cfg.Queue.ChronicFailureCutoff,
					BackoffMultiplier: cfg.Scheduler.BackoffMultiplier,
					ChronicCadence:    time.Duration(cfg.Scheduler.ChronicCadenceHours) * time.Hour,
				},
				a.Clock,
				logger.Named("sweeper"),
				scheduler.SweeperConfig{Priority: cfg.Scheduler.SweepPriority},
			)

			enqueued, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("sweep finished", zap.Int("enqueued", enqueued))
			return nil
		},
	}
}
