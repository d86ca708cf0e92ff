// Package config loads the service configuration from YAML, .env and the
// environment, in that order of precedence from lowest to highest.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"kinect/internal/database"
	"kinect/internal/mailer"
	"kinect/internal/models"
	"kinect/internal/runlock"
	"kinect/shared/reminders"
	"kinect/shared/retry"
)

// DefaultPath is used when no config path is given.
const DefaultPath = "configs/config.yaml"

// EnvPrefix prefixes every environment override, e.g. KINECT_SMTP_HOST.
const EnvPrefix = "KINECT_"

func init() {
	// Report validation errors by their YAML key.
	validation.ErrorTag = "yaml"
}

type Config struct {
	HTTP       HTTPConfig                  `yaml:"http" envPrefix:"HTTP_"`
	Database   database.Config             `yaml:"database" envPrefix:"DATABASE_"`
	Redis      runlock.Config              `yaml:"redis" envPrefix:"REDIS_"`
	SMTP       mailer.Config               `yaml:"smtp" envPrefix:"SMTP_"`
	Reminders  RemindersConfig             `yaml:"reminders" envPrefix:"REMINDERS_"`
	Retry      retry.Policy                `yaml:"retry" envPrefix:"RETRY_"`
	RateLimit  reminders.RateLimiterConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Schedule   ScheduleConfig              `yaml:"schedule" envPrefix:"SCHEDULE_"`
	Monitoring MonitoringConfig            `yaml:"monitoring" envPrefix:"MONITORING_"`
	Log        LogConfig                   `yaml:"log" envPrefix:"LOG_"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	// AdminToken protects the batch trigger endpoint when set.
	AdminToken   string        `yaml:"admin_token" env:"ADMIN_TOKEN"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// RemindersConfig is the hot-reloadable part of the configuration.
type RemindersConfig struct {
	Thresholds        map[models.Category]int `yaml:"thresholds"`
	FallbackDays      int                     `yaml:"fallback_days" env:"FALLBACK_DAYS"`
	DigestCap         int                     `yaml:"digest_cap" env:"DIGEST_CAP"`
	DueSoonWindowDays int                     `yaml:"due_soon_window_days" env:"DUE_SOON_WINDOW_DAYS"`
	Concurrency       int                     `yaml:"concurrency" env:"CONCURRENCY"`
	UserTimeout       time.Duration           `yaml:"user_timeout" env:"USER_TIMEOUT"`
	RunLockTTL        time.Duration           `yaml:"run_lock_ttl" env:"RUN_LOCK_TTL"`
}

// Settings converts the section into engine settings.
func (c RemindersConfig) Settings() reminders.Settings {
	days := make(map[models.Category]int, len(c.Thresholds))
	for k, v := range c.Thresholds {
		days[k] = v
	}
	return reminders.Settings{
		Thresholds:    reminders.CategoryDefaults{Days: days, Fallback: c.FallbackDays},
		DueSoonWindow: c.DueSoonWindowDays,
		DigestCap:     c.DigestCap,
	}
}

type ScheduleConfig struct {
	Enabled                   bool `yaml:"enabled" env:"ENABLED"`
	reminders.SchedulerConfig `yaml:",inline"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled" env:"PROMETHEUS_ENABLED"`
	Namespace         string `yaml:"namespace" env:"NAMESPACE"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	// Format is "console" or "json".
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	defaults := reminders.DefaultSettings()
	thresholds := make(map[models.Category]int, len(defaults.Thresholds.Days))
	for k, v := range defaults.Thresholds.Days {
		thresholds[k] = v
	}
	engine := reminders.DefaultConfig()

	return &Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 10 * time.Minute,
		},
		Database: database.Config{
			Driver:  database.DriverSQLite,
			DSN:     "data/kinect.db",
			Migrate: true,
		},
		SMTP: mailer.Config{
			Port:      587,
			FromName:  "Kinect",
			Timeout:   15 * time.Second,
			TLSPolicy: "opportunistic",
		},
		Reminders: RemindersConfig{
			Thresholds:        thresholds,
			FallbackDays:      reminders.GlobalFallbackDays,
			DigestCap:         reminders.DefaultDigestCap,
			DueSoonWindowDays: reminders.DefaultDueSoonWindow,
			Concurrency:       engine.Concurrency,
			UserTimeout:       engine.UserTimeout,
			RunLockTTL:        engine.RunLockTTL,
		},
		Retry:     retry.DefaultPolicy(),
		RateLimit: reminders.DefaultRateLimiterConfig(),
		Schedule: ScheduleConfig{
			Enabled:         true,
			SchedulerConfig: reminders.DefaultSchedulerConfig(),
		},
		Monitoring: MonitoringConfig{PrometheusEnabled: true, Namespace: "kinect"},
		Log:        LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads the YAML file at path over the defaults, then applies a .env
// file from the working directory and KINECT_* environment variables.
// A missing file is only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Support ${ENV_VAR} placeholders in YAML config.
		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &reminders.ConfigError{Field: path, Reason: err.Error()}
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, &reminders.ConfigError{Field: path, Reason: err.Error()}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, &reminders.ConfigError{Field: "env", Reason: err.Error()}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section. The returned error matches
// reminders.ErrConfiguration and lists each invalid field.
func (c *Config) Validate() error {
	return errors.Join(
		section("http", validation.ValidateStruct(&c.HTTP,
			validation.Field(&c.HTTP.Addr, validation.Required),
		)),
		section("database", validation.ValidateStruct(&c.Database,
			validation.Field(&c.Database.Driver, validation.Required, validation.In(database.DriverSQLite, database.DriverPostgres)),
			validation.Field(&c.Database.DSN, validation.When(c.Database.Driver == database.DriverPostgres, validation.Required)),
		)),
		section("smtp", validation.ValidateStruct(&c.SMTP,
			validation.Field(&c.SMTP.Host, validation.Required),
			validation.Field(&c.SMTP.Port, validation.Required, validation.Min(1), validation.Max(65535)),
			validation.Field(&c.SMTP.FromAddress, validation.Required, is.EmailFormat),
			validation.Field(&c.SMTP.TLSPolicy, validation.In("", "opportunistic", "mandatory", "none", "ssl")),
			validation.Field(&c.SMTP.Password, validation.When(c.SMTP.Username != "", validation.Required)),
		)),
		section("reminders", c.Reminders.validate()),
		section("retry", validation.ValidateStruct(&c.Retry,
			validation.Field(&c.Retry.MaxAttempts, validation.Required, validation.Min(1)),
			validation.Field(&c.Retry.BaseDelay, validation.Required),
			validation.Field(&c.Retry.MaxDelay, validation.Min(c.Retry.BaseDelay)),
			validation.Field(&c.Retry.Jitter, validation.Max(1.0)),
		)),
		section("rate_limit", validation.ValidateStruct(&c.RateLimit,
			validation.Field(&c.RateLimit.Rate, validation.Min(0.0)),
			validation.Field(&c.RateLimit.JitterMax, validation.Min(c.RateLimit.JitterMin)),
		)),
		section("schedule", c.Schedule.validate()),
		section("log", validation.ValidateStruct(&c.Log,
			validation.Field(&c.Log.Level, validation.By(func(v interface{}) error {
				_, err := zerolog.ParseLevel(v.(string))
				return err
			})),
			validation.Field(&c.Log.Format, validation.In("console", "json")),
		)),
	)
}

func (c *RemindersConfig) validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.FallbackDays, validation.Required, validation.Min(1)),
		validation.Field(&c.DigestCap, validation.Required, validation.Min(1)),
		validation.Field(&c.DueSoonWindowDays, validation.Min(0)),
		validation.Field(&c.Concurrency, validation.Required, validation.Min(1)),
		validation.Field(&c.UserTimeout, validation.Required),
	); err != nil {
		return err
	}
	for category, days := range c.Thresholds {
		if !category.Valid() {
			return validation.Errors{"thresholds": fmt.Errorf("unknown category %q", category)}
		}
		if days <= 0 {
			return validation.Errors{"thresholds": fmt.Errorf("%s must be positive", category)}
		}
	}
	return nil
}

func (c *ScheduleConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.ValidateStruct(&c.SchedulerConfig,
		validation.Field(&c.Spec, validation.Required),
		validation.Field(&c.Timezone, validation.By(func(v interface{}) error {
			_, err := time.LoadLocation(v.(string))
			return err
		})),
	)
}

// section turns ozzo validation errors into one ConfigError per field.
func section(name string, err error) error {
	if err == nil {
		return nil
	}

	var fields validation.Errors
	if !errors.As(err, &fields) {
		return &reminders.ConfigError{Field: name, Reason: err.Error()}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	errs := make([]error, 0, len(keys))
	for _, k := range keys {
		errs = append(errs, &reminders.ConfigError{Field: name + "." + k, Reason: fields[k].Error()})
	}
	return errors.Join(errs...)
}
