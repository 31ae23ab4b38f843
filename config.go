package worker

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cryguy/openworker/internal/core"
	"github.com/cryguy/openworker/internal/fetch"
)

// LogSink receives every console line a script writes.
type LogSink func(level, message string)

// Config holds the limits and plumbing of a worker.
type Config struct {
	MemoryLimitMB      int `yaml:"memory_limit_mb"`      // per-engine heap limit
	ExecutionTimeoutMs int `yaml:"execution_timeout_ms"` // one synchronous evaluation
	MaxFetchRequests   int `yaml:"max_fetch_requests"`   // outbound fetches per second, 0 for unlimited
	FetchTimeoutSec    int `yaml:"fetch_timeout_sec"`
	MaxResponseBytes   int `yaml:"max_response_bytes"` // buffered response bodies
	StreamCapacity     int `yaml:"stream_capacity"`    // chunks per native stream
	BodyBuffer         int `yaml:"body_buffer"`        // chunks per Response.Stream
	PoolSize           int `yaml:"pool_size"`

	// DrainTimeout bounds how long piped bodies and waitUntil work keep the
	// worker busy after a response was handed out.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	FetchPoll PollPolicy `yaml:"fetch_poll"`
	TaskPoll  PollPolicy `yaml:"task_poll"`

	// AllowPrivateFetch lets scripts reach loopback and private networks.
	AllowPrivateFetch bool `yaml:"allow_private_fetch"`
	// ModuleDir resolves relative imports of module workers. Empty means
	// the script must be self-contained.
	ModuleDir string `yaml:"module_dir"`
	// Vars is exposed to module handlers as env.
	Vars map[string]string `yaml:"vars"`
	// Crons lists the schedules that fire scheduled events while serving.
	Crons []string `yaml:"crons"`

	LogSink LogSink `yaml:"-"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		MemoryLimitMB:      128,
		ExecutionTimeoutMs: 5000,
		FetchTimeoutSec:    30,
		MaxResponseBytes:   10 * 1024 * 1024,
		StreamCapacity:     core.DefaultStreamCapacity,
		BodyBuffer:         16,
		PoolSize:           4,
		DrainTimeout:       30 * time.Second,
		FetchPoll:          DefaultFetchPoll,
		TaskPoll:           DefaultTaskPoll,
		Vars:               map[string]string{},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and applies OPENWORKER_*
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg, os.Environ()); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overlays OPENWORKER_* variables. OPENWORKER_VAR_NAME=value adds
// NAME to Vars.
func applyEnv(cfg *Config, environ []string) error {
	ints := map[string]*int{
		"OPENWORKER_MEMORY_LIMIT_MB":      &cfg.MemoryLimitMB,
		"OPENWORKER_EXECUTION_TIMEOUT_MS": &cfg.ExecutionTimeoutMs,
		"OPENWORKER_MAX_FETCH_REQUESTS":   &cfg.MaxFetchRequests,
		"OPENWORKER_FETCH_TIMEOUT_SEC":    &cfg.FetchTimeoutSec,
		"OPENWORKER_MAX_RESPONSE_BYTES":   &cfg.MaxResponseBytes,
		"OPENWORKER_STREAM_CAPACITY":      &cfg.StreamCapacity,
		"OPENWORKER_POOL_SIZE":            &cfg.PoolSize,
	}
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "OPENWORKER_") {
			continue
		}
		if name, isVar := strings.CutPrefix(key, "OPENWORKER_VAR_"); isVar {
			if cfg.Vars == nil {
				cfg.Vars = map[string]string{}
			}
			cfg.Vars[name] = val
			continue
		}
		switch key {
		case "OPENWORKER_ALLOW_PRIVATE_FETCH":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.AllowPrivateFetch = b
		case "OPENWORKER_DRAIN_TIMEOUT":
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.DrainTimeout = d
		case "OPENWORKER_MODULE_DIR":
			cfg.ModuleDir = val
		case "OPENWORKER_CRONS":
			cfg.Crons = nil
			for expr := range strings.SplitSeq(val, ";") {
				if expr = strings.TrimSpace(expr); expr != "" {
					cfg.Crons = append(cfg.Crons, expr)
				}
			}
		default:
			if p, known := ints[key]; known {
				n, err := strconv.Atoi(val)
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				*p = n
			}
		}
	}
	return nil
}

// Validate checks that the values are usable. It returns the first problem.
func (c Config) Validate() error {
	switch {
	case c.MemoryLimitMB < 0:
		return errors.New("memory_limit_mb must not be negative")
	case c.ExecutionTimeoutMs < 1:
		return errors.New("execution_timeout_ms must be at least 1")
	case c.MaxFetchRequests < 0:
		return errors.New("max_fetch_requests must not be negative")
	case c.StreamCapacity < 1:
		return errors.New("stream_capacity must be at least 1")
	case c.BodyBuffer < 1:
		return errors.New("body_buffer must be at least 1")
	case c.PoolSize < 1:
		return errors.New("pool_size must be at least 1")
	case c.DrainTimeout <= 0:
		return errors.New("drain_timeout must be positive")
	}
	if err := c.FetchPoll.validate(); err != nil {
		return fmt.Errorf("fetch_poll: %w", err)
	}
	if err := c.TaskPoll.validate(); err != nil {
		return fmt.Errorf("task_poll: %w", err)
	}
	if _, err := c.Schedules(); err != nil {
		return err
	}
	return nil
}

// Schedules parses Crons.
func (c Config) Schedules() ([]*Cron, error) {
	out := make([]*Cron, 0, len(c.Crons))
	for _, expr := range c.Crons {
		cr, err := ParseCron(expr)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, nil
}

func (c Config) limits() core.EngineConfig {
	return core.EngineConfig{
		MemoryLimitMB:    c.MemoryLimitMB,
		ExecutionTimeout: c.ExecutionTimeoutMs,
		MaxFetchRequests: c.MaxFetchRequests,
		FetchTimeoutSec:  c.FetchTimeoutSec,
		MaxResponseBytes: c.MaxResponseBytes,
		StreamCapacity:   c.StreamCapacity,
	}.Normalize()
}

func (c Config) fetchOptions() fetch.Options {
	l := c.limits()
	return fetch.Options{
		AllowPrivate:      c.AllowPrivateFetch,
		Timeout:           time.Duration(l.FetchTimeoutSec) * time.Second,
		RequestsPerSecond: l.MaxFetchRequests,
	}
}
