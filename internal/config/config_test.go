package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.Addr != DefaultAddr {
		t.Errorf("Addr = %q, want %q", cfg.Addr, DefaultAddr)
	}
	if cfg.MaxWorkers != DefaultMaxWorkers {
		t.Errorf("MaxWorkers = %d, want %d", cfg.MaxWorkers, DefaultMaxWorkers)
	}
	if cfg.Snapshot != DefaultSnapshot {
		t.Errorf("Snapshot = %q, want %q", cfg.Snapshot, DefaultSnapshot)
	}
	if cfg.PreviewPort != DefaultPreviewPort {
		t.Errorf("PreviewPort = %d, want %d", cfg.PreviewPort, DefaultPreviewPort)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REMEDY_ADDR", "0.0.0.0:9000")
	t.Setenv("REMEDY_MAX_WORKERS", "8")
	t.Setenv("REMEDY_IGNORE_GLOBS", "node_modules/**, **/*.log")

	cfg := Load()
	if cfg.Addr != "0.0.0.0:9000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.MaxWorkers != 8 {
		t.Errorf("MaxWorkers = %d", cfg.MaxWorkers)
	}
	if len(cfg.IgnoreGlobs) != 2 || cfg.IgnoreGlobs[0] != "node_modules/**" || cfg.IgnoreGlobs[1] != "**/*.log" {
		t.Errorf("IgnoreGlobs = %v", cfg.IgnoreGlobs)
	}
}
