package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"strings"
	"testing"

	"github.com/23skdu/longbow-sgemm/internal/config"
	"github.com/23skdu/longbow-sgemm/internal/harness"
)

func TestIPCPath(t *testing.T) {
	tests := []struct {
		base       string
		run, total int
		want       string
	}{
		{"", 1, 3, ""},
		{"c.arrow", 1, 1, "c.arrow"},
		{"out/c.arrow", 2, 3, "out/c-2.arrow"},
		{"c", 3, 3, "c-3"},
	}
	for _, tt := range tests {
		if got := ipcPath(tt.base, tt.run, tt.total); got != tt.want {
			t.Errorf("ipcPath(%q,%d,%d) = %q, want %q", tt.base, tt.run, tt.total, got, tt.want)
		}
	}
}

func TestApplyFlagsOnlyVisited(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.IntVar(fixedM, "m", 0, "")
	fs.IntVar(fixedK, "k", 0, "")
	fs.BoolVar(strict, "strict", false, "")
	if err := fs.Parse([]string{"-m", "300", "-strict"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.K = 77
	applyFlags(fs, &cfg)
	if cfg.M != 300 || !cfg.Strict {
		t.Errorf("visited flags not applied: %+v", cfg)
	}
	if cfg.K != 77 {
		t.Errorf("unvisited flag overwrote config: K=%d", cfg.K)
	}
}

func TestRunText(t *testing.T) {
	cfg := config.Default()
	cfg.M, cfg.N, cfg.K = 130, 129, 32
	cfg.Seed = 3
	cfg.Strict = true

	var out bytes.Buffer
	if err := run(context.Background(), cfg, "text", &out); err != nil {
		t.Fatal(err)
	}
	s := out.String()
	if !strings.Contains(s, "kernel=SGEMM_k") || !strings.Contains(s, "pass=true") {
		t.Errorf("unexpected text output:\n%s", s)
	}
}

func TestRunJSONIterations(t *testing.T) {
	cfg := config.Default()
	cfg.MaxDim = 64
	cfg.Iterations = 3
	cfg.Seed = 9

	var out bytes.Buffer
	if err := run(context.Background(), cfg, "json", &out); err != nil {
		t.Fatal(err)
	}
	var reports []harness.Report
	if err := json.Unmarshal(out.Bytes(), &reports); err != nil {
		t.Fatalf("output is not a JSON report list: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}
	for i, r := range reports {
		if r.Run != i+1 {
			t.Errorf("report %d has run %d", i, r.Run)
		}
		if r.Kernel != "SGEMM_small" {
			t.Errorf("dims under 128 should use SGEMM_small, got %s", r.Kernel)
		}
	}
}

func TestRunRejectsUnknownOutput(t *testing.T) {
	for _, format := range []string{"yaml", "", "JSON"} {
		var out bytes.Buffer
		err := run(context.Background(), config.Default(), format, &out)
		if err == nil {
			t.Errorf("output %q: expected error", format)
		}
		if out.Len() != 0 {
			t.Errorf("output %q: wrote %q before rejecting", format, out.String())
		}
	}
}
