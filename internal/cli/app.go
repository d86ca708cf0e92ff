package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kinect/internal/api"
	"kinect/internal/config"
	"kinect/internal/database"
	"kinect/internal/mailer"
	"kinect/internal/runlock"
	"kinect/shared/reminders"
)

// app holds everything a command needs, built from one config file.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	db       *database.DB
	store    *database.Store
	redis    *redis.Client
	lock     *runlock.RedisLock
	registry *prometheus.Registry
	engine   *reminders.Engine
}

func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Log)
	log.Logger = logger

	a := &app{cfg: cfg, logger: logger}

	a.db, err = database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store = database.NewStore(a.db)

	factory, err := mailer.NewFactory(cfg.SMTP)
	if err != nil {
		a.Close()
		return nil, err
	}

	var metrics *reminders.Metrics
	if cfg.Monitoring.PrometheusEnabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = reminders.NewMetrics(cfg.Monitoring.Namespace, a.registry)
	}

	opts := []reminders.Option{
		reminders.WithLogger(logger),
		reminders.WithMetrics(metrics),
		reminders.WithRateLimiter(reminders.NewRateLimiter(cfg.RateLimit, metrics)),
	}
	if a.redis = runlock.NewClient(cfg.Redis); a.redis != nil {
		a.lock = runlock.New(a.redis, logger)
		opts = append(opts, reminders.WithRunLock(a.lock))
		logger.Info().Str("address", cfg.Redis.Address).Msg("using redis run lock")
	}

	a.engine = reminders.NewEngine(&reminders.Config{
		Settings:    cfg.Reminders.Settings(),
		Concurrency: cfg.Reminders.Concurrency,
		UserTimeout: cfg.Reminders.UserTimeout,
		RunLockTTL:  cfg.Reminders.RunLockTTL,
		Retry:       cfg.Retry,
	}, a.store, factory, opts...)

	return a, nil
}

// checks returns the dependencies reported by /readyz.
func (a *app) checks() map[string]api.Pinger {
	checks := map[string]api.Pinger{"database": a.store}
	if a.lock != nil {
		checks["redis"] = a.lock
	}
	return checks
}

// gatherer returns nil when metrics are disabled so the endpoint is not mounted.
func (a *app) gatherer() prometheus.Gatherer {
	if a.registry == nil {
		return nil
	}
	return a.registry
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close redis")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close database")
		}
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
