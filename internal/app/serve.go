package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"healbot/internal/httpapi"
	"healbot/internal/intake"
	"healbot/internal/pipeline"
	"healbot/internal/policy"
	"healbot/internal/sanitize"

	"github.com/spf13/cobra"
)

const shutdownGrace = 30 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the intake API, the pipeline workers and the recovery scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(parent context.Context, opts *rootOptions) error {
	cfg, logger := opts.cfg, opts.logger
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	if cfg.PolicyPath != "" {
		watcher, err := policy.NewWatcher(c.deny, cfg.PolicyPath, logger)
		if err != nil {
			return err
		}
		go watcher.Run(ctx)
	}

	dispatcher := pipeline.NewDispatcher(c.pipeline, cfg.Workers, cfg.QueueSize, logger)
	recovery := pipeline.NewRecovery(c.store, c.recorder, dispatcher, cfg.StuckAfter(), logger)

	// Anything left mid-flight by a previous process is resumed or failed
	// before new submissions arrive.
	result, err := recovery.SweepAll(ctx)
	if err != nil {
		logger.WithError(err).Error("Startup recovery sweep failed")
	} else {
		logger.Info(pipeline.FormatSweepSummary(result))
	}

	schedulerDone, err := pipeline.StartScheduler(ctx, cfg.RecoverySchedule, logger,
		pipeline.Job{Name: "recovery", Run: func(ctx context.Context) {
			result, err := recovery.Sweep(ctx)
			if err != nil {
				logger.WithError(err).Error("Recovery sweep failed")
				return
			}
			if result.Requeued+result.Interrupted+len(result.Errors) > 0 {
				logger.Info(pipeline.FormatSweepSummary(result))
			}
		}},
		pipeline.Job{Name: "rate-limit-sweep", Run: func(context.Context) {
			if n := c.limiter.Sweep(time.Now()); n > 0 {
				logger.Debugf("Evicted %d expired rate limit windows", n)
			}
		}},
	)
	if err != nil {
		return err
	}

	sanitizer := sanitize.New(sanitize.Options{
		MinBugLength:        cfg.MinDescriptionLength,
		MinSuggestionLength: cfg.MinSuggestionLength,
		MaxLength:           cfg.MaxTextLength,
	})
	api := httpapi.New(httpapi.Options{
		Intake:        intake.NewService(sanitizer, c.limiter, c.store, c.recorder, dispatcher, logger),
		Reports:       c.store,
		Rollback:      c.pipeline,
		OperatorToken: cfg.OperatorToken,
		Ping:          c.store.Ping,
		Logger:        logger,
	})
	if cfg.OperatorToken == "" {
		logger.Warn("operator_token is not set; operator endpoints are disabled")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
		cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown did not complete")
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Workers did not drain before the deadline; the next start will recover them")
	}
	// The scheduler stops with ctx; wait so no sweep races the store close.
	<-schedulerDone
	return runErr
}
