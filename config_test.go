package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openworker.yaml")
	data := `memory_limit_mb: 32
pool_size: 3
drain_timeout: 2s
fetch_poll:
  iterations: 50
vars:
  NAME: from-file
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENWORKER_POOL_SIZE", "5")
	t.Setenv("OPENWORKER_VAR_TOKEN", "secret")
	t.Setenv("OPENWORKER_ALLOW_PRIVATE_FETCH", "true")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MemoryLimitMB != 32 {
		t.Errorf("memory = %d", cfg.MemoryLimitMB)
	}
	if cfg.PoolSize != 5 {
		t.Errorf("pool size = %d, env should win", cfg.PoolSize)
	}
	if cfg.DrainTimeout != 2*time.Second {
		t.Errorf("drain = %v", cfg.DrainTimeout)
	}
	if cfg.FetchPoll.Iterations != 50 || len(cfg.FetchPoll.Tiers) != 2 {
		t.Errorf("fetch poll = %+v", cfg.FetchPoll)
	}
	if cfg.Vars["NAME"] != "from-file" || cfg.Vars["TOKEN"] != "secret" {
		t.Errorf("vars = %v", cfg.Vars)
	}
	if !cfg.AllowPrivateFetch {
		t.Error("allow private fetch not applied")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.StreamCapacity != 16 || cfg.BodyBuffer != 16 {
		t.Errorf("capacities = %d/%d", cfg.StreamCapacity, cfg.BodyBuffer)
	}
	if cfg.FetchPoll.Iterations != 500 || cfg.TaskPoll.Iterations != 100 {
		t.Errorf("poll iterations = %d/%d", cfg.FetchPoll.Iterations, cfg.TaskPoll.Iterations)
	}
}

func TestLoadConfig_BadEnv(t *testing.T) {
	t.Setenv("OPENWORKER_MEMORY_LIMIT_MB", "lots")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected error")
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]func(*Config){
		"pool":    func(c *Config) { c.PoolSize = 0 },
		"timeout": func(c *Config) { c.ExecutionTimeoutMs = 0 },
		"drain":   func(c *Config) { c.DrainTimeout = 0 },
		"tiers": func(c *Config) {
			c.FetchPoll.Tiers = []PollTier{{Until: 10, Sleep: time.Millisecond}, {Until: 5, Sleep: time.Millisecond}}
		},
		"final": func(c *Config) { c.TaskPoll.Final = 0 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestPollPolicy_Tiers(t *testing.T) {
	p := DefaultFetchPoll
	checks := map[int]time.Duration{0: time.Microsecond, 9: time.Microsecond, 10: time.Millisecond, 109: time.Millisecond, 110: 10 * time.Millisecond, 499: 10 * time.Millisecond}
	for i, want := range checks {
		if got := p.sleep(i); got != want {
			t.Errorf("sleep(%d) = %v, want %v", i, got, want)
		}
	}
	if p.Budget() != 5*time.Second {
		t.Errorf("fetch budget = %v", p.Budget())
	}
	want := 10*time.Microsecond + 40*time.Millisecond + 50*10*time.Millisecond
	if got := DefaultTaskPoll.Budget(); got != want {
		t.Errorf("task budget = %v, want %v", got, want)
	}
}

func TestEventIDsAreOrdered(t *testing.T) {
	prev := ""
	for range 100 {
		id := NewFetchEvent(Request{}).ID
		if len(id) != 26 {
			t.Fatalf("id %q is not a ULID", id)
		}
		if id <= prev {
			t.Fatalf("id %q not after %q", id, prev)
		}
		prev = id
	}
}
