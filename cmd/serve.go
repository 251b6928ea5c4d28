package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/econgraph/seriesd/internal/api"
	"github.com/econgraph/seriesd/internal/app"
	"github.com/econgraph/seriesd/internal/dispatcher"
	"github.com/econgraph/seriesd/internal/metrics"
	"github.com/econgraph/seriesd/internal/scheduler"
	"github.com/econgraph/seriesd/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion engine: workers, reaper, sweeper, and HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	workers := make([]*worker.Worker, 0, cfg.Worker.Count)
	for i := range cfg.Worker.Count {
		id, err := a.IDGen.NewID()
		if err != nil {
			return fmt.Errorf("generate worker id: %w", err)
		}
		workers = append(workers, worker.New(
			id,
			a.Manager,
			a.Fetchers,
			a.Observations,
			a.Recorder,
			a.Publisher,
			a.Clock,
			a.IDGen,
			worker.Config{
				LeaseDuration:   cfg.LeaseDuration(),
				IdleSleep:       time.Duration(cfg.Worker.IdleSleepSeconds) * time.Second,
				ClaimsPerSecond: cfg.Worker.ClaimsPerSecond,
				Topic:           cfg.PubSub.Topic,
			},
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}

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
		scheduler.SweeperConfig{
			Interval: cfg.SweepInterval(),
			Priority: cfg.Scheduler.SweepPriority,
		},
	)

	dispatch := dispatcher.New(a.Manager, workers, sweeper, logger.Named("dispatcher"), dispatcher.Config{
		ReapInterval: cfg.ReapInterval(),
	})

	apiServer := api.NewServer(a.Manager, a.Observations, a.Attempts, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchDone := make(chan error, 1)
	go func() {
		logger.Info("dispatcher started", zap.Int("workers", len(workers)))
		dispatchDone <- dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := <-dispatchDone; err != nil {
		logger.Error("dispatcher exited with error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
