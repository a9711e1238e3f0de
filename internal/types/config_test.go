package types

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Driver.TermLengthBytes != 16777216 {
		t.Fatalf("TermLengthBytes = %d, want 16777216", cfg.Driver.TermLengthBytes)
	}
	if cfg.Driver.MTULength != 1408 {
		t.Fatalf("MTULength = %d, want 1408", cfg.Driver.MTULength)
	}
	if cfg.Control.Dir != "/dev/shm/aeron-mediadriver/cnc" {
		t.Fatalf("Control.Dir = %q", cfg.Control.Dir)
	}
	if cfg.Debug.Enabled {
		t.Fatal("Debug.Enabled default should be false")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"driver":{"mtuLength":2000,"termLengthBytes":65536}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Driver.MTULength != 2000 {
		t.Fatalf("MTULength = %d, want 2000", cfg.Driver.MTULength)
	}
	if cfg.Driver.TermLengthBytes != 65536 {
		t.Fatalf("TermLengthBytes = %d, want 65536", cfg.Driver.TermLengthBytes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("Load with missing path should return an error")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"control":{"dir":"${TEST_CNC_DIR}"}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("TEST_CNC_DIR", "/tmp/my-cnc")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Control.Dir != "/tmp/my-cnc" {
		t.Fatalf("Control.Dir = %q, want /tmp/my-cnc", cfg.Control.Dir)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("AERON_DIR", "/tmp/aeron-override")
	t.Setenv("ENABLE_PROMETHEUS", "false")
	t.Setenv("DEBUG_SERVER_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Driver.AeronDir != "/tmp/aeron-override" {
		t.Fatalf("AeronDir = %q", cfg.Driver.AeronDir)
	}
	if cfg.Metrics.EnablePrometheus {
		t.Fatal("EnablePrometheus should be overridden to false")
	}
	if !cfg.Debug.Enabled {
		t.Fatal("Debug.Enabled should be overridden to true")
	}
}
