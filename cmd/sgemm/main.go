package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-sgemm/internal/config"
	"github.com/23skdu/longbow-sgemm/internal/device"
	"github.com/23skdu/longbow-sgemm/internal/export"
	"github.com/23skdu/longbow-sgemm/internal/harness"
	"github.com/23skdu/longbow-sgemm/internal/logger"
	"github.com/23skdu/longbow-sgemm/internal/matrix"
	"github.com/23skdu/longbow-sgemm/internal/monitoring"
)

var (
	configPath  = flag.String("config", "", "Path to TOML config file")
	maxDim      = flag.Int("max-dim", config.MaxMatrixDim, "Upper bound for randomly drawn n, m, k")
	fixedM      = flag.Int("m", 0, "Rows of A and C (0 draws at random)")
	fixedN      = flag.Int("n", 0, "Columns of B and C (0 draws at random)")
	fixedK      = flag.Int("k", 0, "Columns of A, rows of B (0 draws at random)")
	seed        = flag.Uint64("seed", 0, "Random seed (0 seeds from the clock)")
	tolerance   = flag.Float64("tolerance", 1e-3, "Relative error accepted by the spot check")
	strict      = flag.Bool("strict", false, "Fail the run when the spot or transpose check fails")
	workers     = flag.Int("workers", 0, "Concurrent thread groups on the software device (0 = NumCPU)")
	iterations  = flag.Int("iterations", 1, "Number of demo runs")
	output      = flag.String("output", "text", "Output format: text, json")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "console", "Log format: console, json")
	metricsAddr = flag.String("metrics", "", "Address to serve /metrics, /health and /status (empty disables)")
	exportIPC   = flag.String("export-ipc", "", "Write C to this Arrow IPC file")
	flightAddr  = flag.String("flight", "", "Push C to this Arrow Flight endpoint")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *output, os.Stdout); err != nil {
		logger.Log.Error("sgemm demo failed", "err", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig layers defaults, the optional TOML file and explicitly set
// flags, in that order.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	applyFlags(flag.CommandLine, &cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if err := checkOutput(*output); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func checkOutput(format string) error {
	switch format {
	case "text", "json":
		return nil
	}
	return fmt.Errorf("invalid output: %q (want text or json)", format)
}

func applyFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max-dim":
			cfg.MaxDim = *maxDim
		case "m":
			cfg.M = *fixedM
		case "n":
			cfg.N = *fixedN
		case "k":
			cfg.K = *fixedK
		case "seed":
			cfg.Seed = *seed
		case "tolerance":
			cfg.Tolerance = *tolerance
		case "strict":
			cfg.Strict = *strict
		case "workers":
			cfg.Workers = *workers
		case "iterations":
			cfg.Iterations = *iterations
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "export-ipc":
			cfg.ExportIPC = *exportIPC
		case "flight":
			cfg.FlightAddr = *flightAddr
		}
	})
}

func run(ctx context.Context, cfg config.Config, format string, out io.Writer) error {
	if err := checkOutput(format); err != nil {
		return err
	}

	dev, err := device.NewContext(device.WithWorkers(cfg.Workers))
	if err != nil {
		return fmt.Errorf("init device: %w", err)
	}
	defer dev.Free()

	mon := monitoring.NewMonitor(dev)
	if cfg.MetricsAddr != "" {
		mon.Start(cfg.MetricsAddr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = mon.Stop(sctx)
		}()
	}

	var exporter harness.Exporter
	if cfg.FlightAddr != "" {
		fc := export.NewFlightClient(cfg.FlightAddr)
		if err := fc.Connect(ctx); err != nil {
			return err
		}
		defer fc.Close()
		exporter = fc
	}

	rng := matrix.NewRand(cfg.Seed)
	reports := make([]*harness.Report, 0, cfg.Iterations)
	for i := 1; i <= cfg.Iterations; i++ {
		rep, err := harness.Run(ctx, dev, cfg, rng, harness.Options{
			Run:      i,
			IPCPath:  ipcPath(cfg.ExportIPC, i, cfg.Iterations),
			Exporter: exporter,
		})
		if rep != nil {
			mon.RecordRun(rep)
			reports = append(reports, rep)
			if format == "text" {
				writeText(out, rep)
			}
		}
		if err != nil {
			return fmt.Errorf("run %d: %w", i, err)
		}
	}
	if format == "json" {
		return writeJSON(out, reports)
	}
	return nil
}

// ipcPath numbers the export file per run when there is more than one.
func ipcPath(base string, run, total int) string {
	if base == "" || total <= 1 {
		return base
	}
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), run, ext)
}

func writeText(w io.Writer, r *harness.Report) {
	fmt.Fprintf(w, "=== Run %d (%s) ===\n", r.Run, r.Backend)
	fmt.Fprintf(w, "%s  kernel=%s groups=%s\n", r.Dims, r.Kernel, r.Groups)
	fmt.Fprintf(w, "C[%d,%d]  device=%g  cpu=%g  rel_error=%.3g  pass=%t\n",
		r.SpotCheck.Row, r.SpotCheck.Col, r.SpotCheck.Device, r.SpotCheck.CPU, r.SpotCheck.RelError, r.SpotCheck.Pass)
	fmt.Fprintf(w, "transpose C[%d,%d]  before=%g  after=%g  match=%t\n",
		r.Transpose.Row, r.Transpose.Col, r.Transpose.Before, r.Transpose.After, r.Transpose.Match)
	fmt.Fprintf(w, "dispatch=%v  total=%v  %.2f GFLOP/s\n\n", r.Timings.Dispatch, r.Timings.Total, r.GFLOPS)
}

func writeJSON(w io.Writer, reports []*harness.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if len(reports) == 1 {
		return enc.Encode(reports[0])
	}
	return enc.Encode(reports)
}
