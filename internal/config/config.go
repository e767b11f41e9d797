// Package config loads storage-scriptd's daemon configuration, following
// the teacher's config.go: a YAML file read at startup, overridable by
// environment variables, saved atomically via a temp-file-plus-rename.
// Unlike the teacher, this config is never fsnotify-watched for changes:
// hot-reconfiguration of root/state paths is explicitly out of scope.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's full configuration. Root is the only resource
// spec.md §6 calls essential; State is non-essential and defaults to a
// fixed path of its own, independent of Root.
type Config struct {
	Root   string `yaml:"root"`
	State  string `yaml:"state"`

	SwitchHost string `yaml:"switch_host"`
	AdminAddr  string `yaml:"admin_addr"`
}

// Default returns a Config with every field set to a reasonable default,
// matching the teacher's Default() constructor style.
func Default() Config {
	return Config{
		Root:       "/var/lib/storage-scriptd/plugins",
		State:      "/var/lib/storage-scriptd/state.db",
		SwitchHost: "127.0.0.1",
		AdminAddr:  "127.0.0.1:8080",
	}
}

const (
	envRoot   = "STORAGE_SCRIPTD_ROOT"
	envState  = "STORAGE_SCRIPTD_STATE"
	envAdmin  = "STORAGE_SCRIPTD_ADMIN_ADDR"
)

// Load reads path (if it exists) over the defaults, then applies
// environment variable overrides for the two path resources spec.md §6
// names plus the admin HTTP surface's bind address.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No config file yet: defaults plus environment only.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if v := os.Getenv(envRoot); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv(envState); v != "" {
		cfg.State = v
	}
	if v := os.Getenv(envAdmin); v != "" {
		cfg.AdminAddr = v
	}

	if cfg.Root == "" {
		return Config{}, fmt.Errorf("config: root is required")
	}
	return cfg, nil
}

// Save writes cfg to path atomically: write to a sibling temp file, then
// rename over path, matching the teacher's Save().
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("create temp config in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("commit config to %s: %w", path, err)
	}
	return nil
}
