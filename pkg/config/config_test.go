package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "herd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("backend = %s, want sqlite", cfg.Store.Backend)
	}
	if cfg.Dispatcher.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Dispatcher.Workers)
	}
	if cfg.Locks.TTL.Std() != 30*time.Second {
		t.Errorf("lock ttl = %s, want 30s", cfg.Locks.TTL.Std())
	}
	if !cfg.Health.Enabled {
		t.Error("health monitor should default to enabled")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: memory
dispatcher:
  workers: 8
  poll_interval: 250ms
locks:
  ttl: 1m
health:
  enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("backend = %s, want memory", cfg.Store.Backend)
	}
	if cfg.Dispatcher.Workers != 8 {
		t.Errorf("workers = %d, want 8", cfg.Dispatcher.Workers)
	}
	if cfg.Dispatcher.PollInterval.Std() != 250*time.Millisecond {
		t.Errorf("poll interval = %s, want 250ms", cfg.Dispatcher.PollInterval.Std())
	}
	if cfg.Locks.TTL.Std() != time.Minute {
		t.Errorf("lock ttl = %s, want 1m", cfg.Locks.TTL.Std())
	}
	if cfg.Health.Enabled {
		t.Error("health monitor should be disabled")
	}
	// Untouched knobs keep their defaults.
	if cfg.Dispatcher.ClaimBatch != 10 {
		t.Errorf("claim batch = %d, want 10", cfg.Dispatcher.ClaimBatch)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
despatcher:
  workers: 8
`)
	if _, err := Load(path); err == nil {
		t.Fatal("misspelled section should be rejected")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, content := range map[string]string{
		"bad backend":  "store:\n  backend: postgres\n",
		"bad duration": "locks:\n  ttl: soon\n",
		"zero workers": "dispatcher:\n  workers: 0\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatal("invalid config should be rejected")
			}
		})
	}
}

func TestEngineConversions(t *testing.T) {
	cfg := Default()
	dc := cfg.Dispatcher.Engine()
	if dc.Workers != cfg.Dispatcher.Workers || dc.PollInterval != cfg.Dispatcher.PollInterval.Std() {
		t.Error("dispatcher conversion dropped fields")
	}
	lc := cfg.Locks.Engine()
	if lc.TTL != cfg.Locks.TTL.Std() || lc.MaxRestarts != cfg.Locks.MaxRestarts {
		t.Error("lock conversion dropped fields")
	}
}
