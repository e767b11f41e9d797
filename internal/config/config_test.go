package config

import (
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Root == "" {
		t.Fatalf("expected a default root")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Root = "/srv/plugins"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Root != "/srv/plugins" {
		t.Fatalf("expected root to round-trip, got %s", loaded.Root)
	}
}

func TestEnvOverridesRoot(t *testing.T) {
	t.Setenv(envRoot, "/env/root")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Root != "/env/root" {
		t.Fatalf("expected env override to win, got %s", cfg.Root)
	}
}
