package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Supported store backends.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// Config is the process configuration, read from the environment (and .env if present).
type Config struct {
	Store        string        // TASKGRAPH_STORE: postgres | redis | memory
	DatabaseURL  string        // DATABASE_URL, or assembled from DB_* variables
	RedisAddr    string        // REDIS_ADDR: host:port or redis:// URL
	HTTPPort     int           // HTTP_PORT
	Workers      int           // WORKERS
	PollInterval time.Duration // POLL_INTERVAL
	TaskTimeout  time.Duration // TASK_TIMEOUT
	Retries      int           // TASK_RETRIES
	StaleAfter   time.Duration // STALE_AFTER
	StaleCheck   time.Duration // STALE_CHECK_INTERVAL
	LogLevel     string        // LOG_LEVEL
	LogFormat    string        // LOG_FORMAT
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Store:        StorePostgres,
		RedisAddr:    "localhost:6379",
		HTTPPort:     8080,
		Workers:      4,
		PollInterval: 2 * time.Second,
		TaskTimeout:  time.Minute,
		Retries:      0,
		StaleAfter:   15 * time.Minute,
		StaleCheck:   time.Minute,
	}
}

// Load reads .env (if present) and the environment on top of Default, applies the overrides
// in order (command-line flags, typically) and validates the result.
func Load(overrides ...func(*Config)) (Config, error) {
	// a missing .env is fine; real environment variables take precedence either way
	_ = godotenv.Load()
	cfg, err := parseEnv(os.Getenv)
	if err != nil {
		return cfg, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	return cfg, cfg.Validate()
}

// FromEnv builds and validates a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg, err := parseEnv(getenv)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func parseEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	if v := getenv("TASKGRAPH_STORE"); v != "" {
		cfg.Store = strings.ToLower(v)
	}
	cfg.DatabaseURL = getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = postgresURL(getenv)
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	cfg.LogLevel = getenv("LOG_LEVEL")
	cfg.LogFormat = getenv("LOG_FORMAT")

	var err error
	if cfg.HTTPPort, err = intVar(getenv, "HTTP_PORT", cfg.HTTPPort); err != nil {
		return cfg, err
	}
	if cfg.Workers, err = intVar(getenv, "WORKERS", cfg.Workers); err != nil {
		return cfg, err
	}
	if cfg.Retries, err = intVar(getenv, "TASK_RETRIES", cfg.Retries); err != nil {
		return cfg, err
	}
	if cfg.PollInterval, err = durationVar(getenv, "POLL_INTERVAL", cfg.PollInterval); err != nil {
		return cfg, err
	}
	if cfg.TaskTimeout, err = durationVar(getenv, "TASK_TIMEOUT", cfg.TaskTimeout); err != nil {
		return cfg, err
	}
	if cfg.StaleAfter, err = durationVar(getenv, "STALE_AFTER", cfg.StaleAfter); err != nil {
		return cfg, err
	}
	if cfg.StaleCheck, err = durationVar(getenv, "STALE_CHECK_INTERVAL", cfg.StaleCheck); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the values that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("postgres store needs DATABASE_URL or DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT and DB_NAME")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("redis store needs REDIS_ADDR")
		}
	case StoreMemory:
	default:
		return errors.Errorf("unknown store %q (want postgres, redis or memory)", c.Store)
	}
	if c.Workers < 1 {
		return errors.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.Retries < 0 {
		return errors.Errorf("TASK_RETRIES cannot be negative, got %d", c.Retries)
	}
	return nil
}

func postgresURL(getenv func(string) string) string {
	user, password := getenv("DB_USERNAME"), getenv("DB_PASSWORD")
	host, port, name := getenv("DB_HOST"), getenv("DB_PORT"), getenv("DB_NAME")
	if user == "" || password == "" || host == "" || port == "" || name == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
}

func intVar(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, errors.Wrapf(err, "parse %s", key)
	}
	return n, nil
}

func durationVar(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, errors.Wrapf(err, "parse %s", key)
	}
	return d, nil
}
