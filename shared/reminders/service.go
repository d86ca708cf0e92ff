package reminders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"kinect/internal/models"
	"kinect/shared/retry"
)

// RunLockKey is the key under which batch runs are serialized.
const RunLockKey = "kinect:reminders:run"

// Config holds configuration for the reminder engine.
type Config struct {
	// Settings are the initial evaluation settings.
	Settings Settings

	// Concurrency limits how many users are processed in parallel.
	// Default: 1 (sequential).
	Concurrency int

	// UserTimeout bounds fetch, classification and delivery for one user.
	// Default: 2 minutes.
	UserTimeout time.Duration

	// RunLockTTL bounds how long a crashed run can hold the run lock.
	// Default: 30 minutes.
	RunLockTTL time.Duration

	// Retry configures verify and send retries.
	Retry retry.Policy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Settings:    DefaultSettings(),
		Concurrency: 1,
		UserTimeout: 2 * time.Minute,
		RunLockTTL:  30 * time.Minute,
		Retry:       retry.DefaultPolicy(),
	}
}

// UserResult is the outcome of processing one user.
type UserResult struct {
	UserID       int64    `json:"user_id"`
	Sent         bool     `json:"sent"`
	OverdueCount int      `json:"overdue_count"`
	DueSoonCount int      `json:"due_soon_count"`
	Warnings     int      `json:"warnings"`
	MessageID    string   `json:"message_id,omitempty"`
	Rejected     []string `json:"rejected,omitempty"`
}

// UserFailure is a per-user error collected by a batch run.
type UserFailure struct {
	UserID int64  `json:"user_id"`
	Error  string `json:"error"`
	cause  error
}

// Err returns the underlying error.
func (f UserFailure) Err() error { return f.cause }

// RunSummary aggregates a batch run regardless of completion order.
type RunSummary struct {
	RunID          string        `json:"run_id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	UsersTotal     int           `json:"users_total"`
	UsersProcessed int           `json:"users_processed"`
	UsersSkipped   int           `json:"users_skipped"`
	EmailsSent     int           `json:"emails_sent"`
	OverdueTotal   int           `json:"overdue_total"`
	Failures       []UserFailure `json:"failures"`
	Canceled       bool          `json:"canceled"`
}

// Engine runs the read → classify → compose → deliver pipeline.
type Engine struct {
	config     *Config
	store      ContactStore
	transports TransportFactory
	limiter    *RateLimiter
	lock       RunLock
	metrics    *Metrics
	logger     zerolog.Logger
	settings   atomic.Pointer[Settings]
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With().Str("component", "reminders").Logger() }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRateLimiter paces sends.
func WithRateLimiter(l *RateLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithRunLock replaces the in-process run lock.
func WithRunLock(l RunLock) Option {
	return func(e *Engine) { e.lock = l }
}

// NewEngine creates a new reminder engine.
func NewEngine(config *Config, store ContactStore, transports TransportFactory, opts ...Option) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.UserTimeout <= 0 {
		config.UserTimeout = 2 * time.Minute
	}
	if config.RunLockTTL <= 0 {
		config.RunLockTTL = 30 * time.Minute
	}

	e := &Engine{
		config:     config,
		store:      store,
		transports: transports,
		lock:       NewLocalLock(),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.UpdateSettings(config.Settings)
	return e
}

// UpdateSettings swaps the evaluation settings. Runs in flight keep their snapshot.
func (e *Engine) UpdateSettings(s Settings) {
	if s.Thresholds.Days == nil {
		s.Thresholds.Days = DefaultCategoryDefaults().Days
	}
	if s.DigestCap <= 0 {
		s.DigestCap = DefaultDigestCap
	}
	if s.DueSoonWindow < 0 {
		s.DueSoonWindow = DefaultDueSoonWindow
	}
	e.settings.Store(&s)
}

// Settings returns the current evaluation settings.
func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// Stats evaluates a user's contacts without sending anything.
func (e *Engine) Stats(ctx context.Context, userID int64, now time.Time) (Stats, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return Stats{}, err
	}
	return e.evaluate(ctx, userID, e.Settings(), now)
}

// RunForUser composes and sends the digest for one user. It ignores the
// user's opt-out, since it is only used for explicit test sends.
func (e *Engine) RunForUser(ctx context.Context, userID int64, now time.Time) (UserResult, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return UserResult{UserID: userID}, err
		}
		return UserResult{UserID: userID}, fmt.Errorf("get user %d: %w", userID, err)
	}

	ch := e.openChannel(1)
	defer e.closeChannel(ch)

	return e.processUser(ctx, ch, user, e.Settings(), now)
}

// RunForAllUsers processes every user that has reminders enabled. A failing
// user is recorded in the summary and never stops the others. Only run-level
// failures (store unreachable, lock held) are returned as errors.
func (e *Engine) RunForAllUsers(ctx context.Context, now time.Time) (RunSummary, error) {
	summary := RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Failures:  make([]UserFailure, 0),
	}
	logger := e.logger.With().Str("run_id", summary.RunID).Logger()

	release, err := e.lock.Acquire(ctx, RunLockKey, e.config.RunLockTTL)
	if err != nil {
		e.metrics.IncRun("locked")
		return summary, err
	}
	defer release()

	users, err := e.store.ListUsers(ctx)
	if err != nil {
		e.metrics.IncRun("aborted")
		logger.Error().Err(err).Msg("failed to list users")
		return summary, fmt.Errorf("list users: %w", err)
	}
	summary.UsersTotal = len(users)
	settings := e.Settings()

	logger.Info().
		Int("users", len(users)).
		Int("concurrency", e.config.Concurrency).
		Time("now", now).
		Msg("starting reminder run")

	ch := e.openChannel(e.config.Concurrency)
	defer e.closeChannel(ch)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)

	for _, user := range users {
		if !user.RemindersEnabled {
			mu.Lock()
			summary.UsersSkipped++
			mu.Unlock()
			continue
		}
		if gctx.Err() != nil {
			mu.Lock()
			summary.UsersSkipped++
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				summary.UsersSkipped++
				mu.Unlock()
				return nil
			}

			res, err := e.processUser(gctx, ch, user, settings, now)

			mu.Lock()
			defer mu.Unlock()
			summary.UsersProcessed++
			summary.OverdueTotal += res.OverdueCount
			if err != nil {
				summary.Failures = append(summary.Failures, UserFailure{UserID: user.ID, Error: err.Error(), cause: err})
				if errors.Is(err, ErrDataAccess) {
					return err
				}
				return nil
			}
			if res.Sent {
				summary.EmailsSent++
			}
			return nil
		})
	}

	waitErr := g.Wait()

	sort.Slice(summary.Failures, func(i, j int) bool { return summary.Failures[i].UserID < summary.Failures[j].UserID })
	summary.Duration = time.Since(summary.StartedAt)
	summary.Canceled = ctx.Err() != nil

	e.metrics.ObserveRunDuration(summary.Duration.Seconds())
	e.metrics.SetLastRunOverdue(summary.OverdueTotal)

	if waitErr != nil {
		e.metrics.IncRun("aborted")
		logger.Error().Err(waitErr).
			Int("processed", summary.UsersProcessed).
			Int("remaining", summary.UsersTotal-summary.UsersProcessed-summary.UsersSkipped).
			Msg("reminder run aborted")
		return summary, waitErr
	}

	outcome := "completed"
	if summary.Canceled {
		outcome = "canceled"
	}
	e.metrics.IncRun(outcome)

	logger.Info().
		Int("total", summary.UsersTotal).
		Int("processed", summary.UsersProcessed).
		Int("skipped", summary.UsersSkipped).
		Int("sent", summary.EmailsSent).
		Int("failed", len(summary.Failures)).
		Bool("canceled", summary.Canceled).
		Dur("duration", summary.Duration).
		Msg("reminder run finished")

	return summary, nil
}

// processUser runs the pipeline for one user under its own timeout.
func (e *Engine) processUser(ctx context.Context, ch *Channel, user models.User, settings Settings, now time.Time) (UserResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.UserTimeout)
	defer cancel()

	logger := e.logger.With().Int64("user_id", user.ID).Logger()
	res := UserResult{UserID: user.ID}

	stats, err := e.evaluate(ctx, user.ID, settings, now)
	if err != nil {
		e.metrics.IncDigest("error")
		return res, err
	}
	res.OverdueCount = stats.OverdueCount
	res.DueSoonCount = stats.DueSoonCount
	res.Warnings = len(stats.Warnings)

	digest, err := ComposeDigest(user, stats.Overdue, settings.DigestCap)
	if errors.Is(err, ErrNoOverdueContacts) {
		e.metrics.IncDigest("empty")
		logger.Debug().Msg("no overdue contacts, nothing to send")
		return res, nil
	}
	if err != nil {
		e.metrics.IncDigest("error")
		return res, fmt.Errorf("compose digest: %w", err)
	}

	sent, err := ch.Deliver(ctx, digest.Message(user))
	res.Rejected = sent.Rejected
	if err != nil {
		if errors.Is(err, ErrTransientDelivery) {
			e.metrics.IncDigest("failed_transient")
		} else {
			e.metrics.IncDigest("failed_permanent")
		}
		logger.Error().Err(err).Int("overdue", stats.OverdueCount).Msg("failed to deliver digest")
		return res, err
	}

	res.Sent = true
	res.MessageID = sent.MessageID
	e.metrics.IncDigest("sent")
	logger.Info().
		Int("overdue", stats.OverdueCount).
		Int("shown", digest.Shown).
		Str("message_id", sent.MessageID).
		Msg("digest sent")
	return res, nil
}

func (e *Engine) evaluate(ctx context.Context, userID int64, settings Settings, now time.Time) (Stats, error) {
	contacts, err := e.store.ListContacts(ctx, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("list contacts for user %d: %w", userID, err)
	}
	lists, err := e.store.ListContactLists(ctx, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("list contact lists for user %d: %w", userID, err)
	}

	stats := Aggregate(contacts, lists, settings, now)
	for _, w := range stats.Warnings {
		e.logger.Warn().
			Int64("user_id", userID).
			Int64("contact_id", w.ContactID).
			Str("reason", w.Reason).
			Msg("skipping malformed contact")
	}
	return stats, nil
}

func (e *Engine) openChannel(poolSize int) *Channel {
	return OpenChannel(e.transports, ChannelConfig{Retry: e.config.Retry, PoolSize: poolSize}, e.limiter, e.metrics, e.logger)
}

func (e *Engine) closeChannel(ch *Channel) {
	if err := ch.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to close mail transports")
	}
}
