package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kinect/internal/api"
	"kinect/internal/config"
	"kinect/shared/reminders"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the daily reminder scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	// Reminder settings hot reload; everything else needs a restart.
	if err := config.Watch(ctx, configPath, logger, func(updated *config.Config) {
		a.engine.UpdateSettings(updated.Reminders.Settings())
		logger.Info().
			Int("digest_cap", updated.Reminders.DigestCap).
			Int("due_soon_window_days", updated.Reminders.DueSoonWindowDays).
			Msg("reminder settings reloaded")
	}); err != nil {
		logger.Error().Err(err).Msg("config watch failed")
	}

	var trigger api.Trigger
	schedulerDone := make(chan struct{})
	if a.cfg.Schedule.Enabled {
		scheduler, err := reminders.NewScheduler(a.cfg.Schedule.SchedulerConfig, a.engine, logger)
		if err != nil {
			return err
		}
		trigger = scheduler
		go func() {
			defer close(schedulerDone)
			scheduler.Start(ctx)
		}()
	} else {
		close(schedulerDone)
		logger.Info().Msg("reminder scheduler disabled")
	}

	router := api.NewRouter(a.engine, api.Options{
		AdminToken:     a.cfg.HTTP.AdminToken,
		TriggerTimeout: a.cfg.Schedule.RunTimeout,
		Trigger:        trigger,
		Checks:         a.checks(),
		Gatherer:       a.gatherer(),
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           router,
		ReadTimeout:       a.cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: a.cfg.HTTP.ReadTimeout,
		WriteTimeout:      a.cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", Version).Msg("kinect serving")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)

	// A run in flight finishes before the database is closed.
	<-schedulerDone
	return err
}
