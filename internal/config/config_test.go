package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.MaxDim != 8192 {
		t.Errorf("expected MaxDim 8192, got %d", cfg.MaxDim)
	}
	if cfg.Tolerance != 1e-3 {
		t.Errorf("expected Tolerance 1e-3, got %v", cfg.Tolerance)
	}
	if cfg.Iterations != 1 {
		t.Errorf("expected Iterations 1, got %d", cfg.Iterations)
	}
	if cfg.FixedDims() {
		t.Error("default config should draw random dims")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid default", func(c *Config) {}, ""},
		{"fixed dims", func(c *Config) { c.M, c.N, c.K = 256, 128, 48 }, ""},
		{"zero max dim", func(c *Config) { c.MaxDim = 0 }, "max_dim"},
		{"negative m", func(c *Config) { c.M = -1 }, "invalid m"},
		{"k above max", func(c *Config) { c.MaxDim = 64; c.K = 65 }, "invalid k"},
		{"zero tolerance", func(c *Config) { c.Tolerance = 0 }, "tolerance"},
		{"negative workers", func(c *Config) { c.Workers = -2 }, "workers"},
		{"zero iterations", func(c *Config) { c.Iterations = 0 }, "iterations"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"json log format", func(c *Config) { c.LogFormat = "JSON" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFixedDimsRequiresAllThree(t *testing.T) {
	cfg := Default()
	cfg.M, cfg.N = 10, 10
	if cfg.FixedDims() {
		t.Error("FixedDims should be false with k unset")
	}
	cfg.K = 10
	if !cfg.FixedDims() {
		t.Error("FixedDims should be true with m, n, k set")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sgemm.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
max_dim = 512
m = 130
n = 200
k = 48
seed = 42
tolerance = 0.01
strict = true
log_format = "json"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxDim != 512 || cfg.M != 130 || cfg.N != 200 || cfg.K != 48 {
		t.Errorf("dims not decoded: %+v", cfg)
	}
	if cfg.Seed != 42 || !cfg.Strict || cfg.Tolerance != 0.01 {
		t.Errorf("run options not decoded: %+v", cfg)
	}
	// untouched keys keep defaults
	if cfg.Iterations != 1 || cfg.LogLevel != "info" {
		t.Errorf("defaults not preserved: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "max_dims = 12\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Errorf("expected unknown keys error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}
