package reminders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SchedulerConfig holds configuration for the reminder scheduler.
type SchedulerConfig struct {
	// Spec is a standard five-field cron expression. Default: daily at 09:00.
	Spec string `yaml:"spec" env:"SPEC"`
	// Timezone for scheduling (e.g., "Europe/Moscow").
	Timezone string `yaml:"timezone" env:"TIMEZONE"`
	// RunTimeout bounds a whole scheduled run. Zero means no bound.
	RunTimeout time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Spec:       "0 9 * * *",
		Timezone:   "UTC",
		RunTimeout: time.Hour,
	}
}

// Scheduler triggers RunForAllUsers on a cron schedule.
type Scheduler struct {
	config   SchedulerConfig
	engine   *Engine
	cron     *cron.Cron
	location *time.Location
	logger   zerolog.Logger
	clock    func() time.Time

	mu      sync.Mutex
	running bool
	last    *RunSummary
	baseCtx context.Context
}

// NewScheduler creates a new reminder scheduler.
func NewScheduler(config SchedulerConfig, engine *Engine, logger zerolog.Logger) (*Scheduler, error) {
	if config.Spec == "" {
		config.Spec = DefaultSchedulerConfig().Spec
	}
	if config.Timezone == "" {
		config.Timezone = "UTC"
	}

	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, &ConfigError{Field: "schedule.timezone", Reason: err.Error()}
	}

	logger = logger.With().Str("component", "scheduler").Logger()
	cronLog := cronLogger{logger: logger}

	s := &Scheduler{
		config:   config,
		engine:   engine,
		location: loc,
		logger:   logger,
		clock:    time.Now,
		baseCtx:  context.Background(),
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}

	if _, err := s.cron.AddFunc(config.Spec, s.tick); err != nil {
		return nil, &ConfigError{Field: "schedule.spec", Reason: err.Error()}
	}
	return s, nil
}

// Start begins the scheduler loop and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.baseCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info().
		Str("spec", s.config.Spec).
		Str("timezone", s.config.Timezone).
		Time("next_run", s.Next()).
		Msg("reminder scheduler started")

	<-ctx.Done()
	s.Stop()
	s.logger.Info().Msg("reminder scheduler stopped by context")
}

// Stop stops the scheduler and waits for a run in flight to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// RunNow forces an immediate run of the reminder processing.
func (s *Scheduler) RunNow(ctx context.Context) (RunSummary, error) {
	s.logger.Info().Msg("manual reminder processing triggered")
	return s.run(ctx)
}

// Next returns the next scheduled run time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// LastRun returns the summary of the last finished run, if any.
func (s *Scheduler) LastRun() (RunSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return RunSummary{}, false
	}
	return *s.last, true
}

// IsRunning returns whether the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	if _, err := s.run(ctx); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			s.logger.Warn().Msg("skipping scheduled run, another run holds the lock")
			return
		}
		s.logger.Error().Err(err).Msg("scheduled reminder run failed")
	}
}

func (s *Scheduler) run(ctx context.Context) (RunSummary, error) {
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	summary, err := s.engine.RunForAllUsers(ctx, s.clock().In(s.location))
	if err != nil {
		return summary, err
	}

	s.mu.Lock()
	s.last = &summary
	s.mu.Unlock()
	return summary, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(fmt.Sprintf("cron: %s", msg))
}
