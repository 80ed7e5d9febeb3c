package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sakif/sandbox-executor/internal/sandbox/docker"
	"github.com/sakif/sandbox-executor/internal/server"
	"github.com/sakif/sandbox-executor/internal/service"
)

// config is everything read from the environment at startup.
type config struct {
	LogLevel     slog.Level
	WorkspaceDir string
	StatusDBPath string
	PullImages   bool

	CallbackBaseURL string
	CallbackSecret  string

	Server  server.Config
	Service service.Config
	Sandbox docker.Config
}

// loadConfig reads the environment through getenv. Unset variables take
// their defaults; set but unparsable ones are errors.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		LogLevel:     slog.LevelInfo,
		StatusDBPath: "data/executions.db",
		Server:       server.DefaultConfig(),
		Service:      service.DefaultConfig(),
		Sandbox:      docker.DefaultConfig(),
	}
	e := envReader{getenv: getenv}

	if v := getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			e.fail("LOG_LEVEL", v, err)
		}
	}
	cfg.WorkspaceDir = getenv("WORKSPACE_DIR")
	if v := getenv("STATUS_DB_PATH"); v != "" {
		cfg.StatusDBPath = v
	}
	cfg.PullImages = e.bool("PULL_IMAGES", false)

	cfg.CallbackBaseURL = strings.TrimSpace(getenv("CALLBACK_BASE_URL"))
	cfg.CallbackSecret = getenv("CALLBACK_SECRET")

	cfg.Server.Port = e.int("PORT", cfg.Server.Port)
	cfg.Server.RateLimitRPS = e.float("RATE_LIMIT_RPS", cfg.Server.RateLimitRPS)

	cfg.Service.Workers = e.int("WORKERS", cfg.Service.Workers)
	cfg.Service.QueueSize = e.int("QUEUE_SIZE", cfg.Service.QueueSize)
	cfg.Service.Retention = e.duration("STATUS_RETENTION", cfg.Service.Retention)

	cfg.Sandbox.MaxSandboxes = e.int("MAX_SANDBOXES", cfg.Sandbox.MaxSandboxes)
	cfg.Sandbox.MemoryLimit = int64(e.int("SANDBOX_MEMORY_MB", int(cfg.Sandbox.MemoryLimit>>20))) << 20
	cfg.Sandbox.CPULimit = e.float("SANDBOX_CPUS", cfg.Sandbox.CPULimit)
	if v := getenv("SANDBOX_USER"); v != "" {
		cfg.Sandbox.User = v
	}
	cfg.Sandbox.OutputLimit = e.int("OUTPUT_LIMIT_KB", cfg.Sandbox.OutputLimit>>10) << 10

	if e.err != nil {
		return cfg, e.err
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	if c.Service.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Service.Workers)
	}
	if c.Service.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive, got %d", c.Service.QueueSize)
	}
	if c.Service.Retention <= 0 {
		return fmt.Errorf("STATUS_RETENTION must be positive, got %s", c.Service.Retention)
	}
	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %g", c.Server.RateLimitRPS)
	}
	if c.CallbackBaseURL != "" {
		u, err := url.Parse(c.CallbackBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("CALLBACK_BASE_URL must be an http(s) URL, got %q", c.CallbackBaseURL)
		}
	}
	if err := c.Sandbox.Validate(); err != nil {
		return err
	}
	return nil
}

// envReader parses typed values and keeps the first error.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
}

func (e *envReader) int(key string, def int) int {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

func (e *envReader) bool(key string, def bool) bool {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}
