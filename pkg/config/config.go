// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreBadger   = "badger"
	StoreMemory   = "memory"
)

// Task runner transports.
const (
	RunnerHTTP  = "http"
	RunnerNATS  = "nats"
	RunnerLocal = "local"
)

// Config holds every setting the service reads at startup.
type Config struct {
	HTTPAddr       string
	LogLevel       string
	AllowedOrigins []string

	StoreDriver string
	DatabaseURL string
	BadgerDir   string

	TaskRunner         string
	TaskAPIURL         string
	TaskAPIKey         string
	NATSURL            string
	NATSSubjectPrefix  string
	TaskPollInterval   time.Duration
	MaxConcurrentTasks int

	OTLPEndpoint string
	SentryDSN    string
}

// Default returns the configuration used for any field the environment leaves unset.
func Default() Config {
	return Config{
		HTTPAddr:          ":8080",
		LogLevel:          "debug",
		AllowedOrigins:    []string{"http://localhost:3000"},
		StoreDriver:       StorePostgres,
		TaskRunner:        RunnerLocal,
		NATSURL:           "nats://127.0.0.1:4222",
		NATSSubjectPrefix: "tasks",
		TaskPollInterval:  time.Second,
	}
}

// FromEnv reads the process environment.
func FromEnv() (*Config, error) {
	return Load(os.LookupEnv)
}

// Load builds a Config from lookup, filling gaps from Default and validating the result.
func Load(lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config

	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg.HTTPAddr = get("HTTP_ADDR")
	cfg.LogLevel = strings.ToLower(get("LOG_LEVEL"))
	if origins := get("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	cfg.StoreDriver = strings.ToLower(get("STORE_DRIVER"))
	cfg.DatabaseURL = get("DATABASE_URL")
	cfg.BadgerDir = get("BADGER_DIR")
	cfg.TaskRunner = strings.ToLower(get("TASK_RUNNER"))
	cfg.TaskAPIURL = strings.TrimRight(get("TASK_API_URL"), "/")
	cfg.TaskAPIKey = get("TASK_API_KEY")
	cfg.NATSURL = get("NATS_URL")
	cfg.NATSSubjectPrefix = get("NATS_SUBJECT_PREFIX")
	cfg.OTLPEndpoint = get("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.SentryDSN = get("SENTRY_DSN")

	if v := get("TASK_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("TASK_POLL_INTERVAL %q is not a positive duration", v)
		}
		cfg.TaskPollInterval = d
	}
	if v := get("MAX_CONCURRENT_TASKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("MAX_CONCURRENT_TASKS %q is not a non-negative integer", v)
		}
		cfg.MaxConcurrentTasks = n
	}

	if err := mergo.Merge(&cfg, Default()); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s store", StorePostgres)
		}
	case StoreBadger, StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.TaskRunner {
	case RunnerHTTP:
		if c.TaskAPIURL == "" {
			return fmt.Errorf("TASK_API_URL is required for the %s task runner", RunnerHTTP)
		}
	case RunnerNATS, RunnerLocal:
	default:
		return fmt.Errorf("unknown TASK_RUNNER %q", c.TaskRunner)
	}

	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown LOG_LEVEL %q", c.LogLevel)
	}
}
