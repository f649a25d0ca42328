package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-sgemm/internal/device"
	"github.com/23skdu/longbow-sgemm/internal/harness"
	"github.com/23skdu/longbow-sgemm/internal/logger"
)

const (
	maxAlerts  = 100
	maxHistory = 1000
)

// Alert thresholds.
var (
	SlowDispatch    = 10 * time.Second
	HighDeviceBytes = int64(2 << 30)
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Device      DeviceInfo      `json:"device"`
	Performance PerformanceInfo `json:"performance"`
	LastRun     *harness.Report `json:"last_run,omitempty"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type DeviceInfo struct {
	Backend        string `json:"backend"`
	Workers        int    `json:"workers"`
	AllocatedBytes int64  `json:"allocated_bytes"`
}

type PerformanceInfo struct {
	Runs              int       `json:"runs"`
	AvgGFLOPS         float64   `json:"avg_gflops"`
	AvgDispatchMs     float64   `json:"avg_dispatch_ms"`
	P95DispatchMs     float64   `json:"p95_dispatch_ms"`
	SpotCheckFailures int       `json:"spot_check_failures"`
	TransposeFailures int       `json:"transpose_failures"`
	LastRun           time.Time `json:"last_run"`
}

// Alert represents a monitor alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // kernel, memory, check
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type runPoint struct {
	dispatch        time.Duration
	gflops          float64
	spotFailed      bool
	transposeFailed bool
}

// DeviceStats is what the monitor reads from the compute device.
type DeviceStats interface {
	Name() string
	Workers() int
}

// Monitor tracks demo runs and serves health, status and metrics.
type Monitor struct {
	startTime time.Time
	dev       DeviceStats
	server    *http.Server

	mu      sync.RWMutex
	alerts  []Alert
	history []runPoint
	lastRun *harness.Report
}

func NewMonitor(dev DeviceStats) *Monitor {
	return &Monitor{startTime: time.Now(), dev: dev}
}

// Handler exposes /health, /healthz, /status, /metrics and the alert admin
// endpoints.
func (hm *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves Handler on addr in the background.
func (hm *Monitor) Start(addr string) {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Log.Info("monitor serving", "addr", addr)
		if err := hm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("monitor server error", "err", err)
		}
	}()
}

func (hm *Monitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordRun adds one harness report to the history and raises alerts for
// failed checks, slow dispatches and high device memory.
func (hm *Monitor) RecordRun(rep *harness.Report) {
	if rep == nil {
		return
	}
	hm.mu.Lock()
	hm.lastRun = rep
	hm.history = append(hm.history, runPoint{
		dispatch:        rep.Timings.Dispatch,
		gflops:          rep.GFLOPS,
		spotFailed:      !rep.SpotCheck.Pass,
		transposeFailed: !rep.Transpose.Match,
	})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	hm.mu.Unlock()

	if !rep.SpotCheck.Pass {
		hm.AddAlert("error", "check", fmt.Sprintf("run %d: spot check C[%d,%d] rel error %.3g",
			rep.Run, rep.SpotCheck.Row, rep.SpotCheck.Col, rep.SpotCheck.RelError))
	}
	if !rep.Transpose.Match {
		hm.AddAlert("critical", "check", fmt.Sprintf("run %d: transpose mismatch at C[%d,%d]",
			rep.Run, rep.Transpose.Row, rep.Transpose.Col))
	}
	if rep.Timings.Dispatch > SlowDispatch {
		hm.AddAlert("warning", "kernel", fmt.Sprintf("slow kernel %s: %v for %s",
			rep.Kernel, rep.Timings.Dispatch, rep.Dims))
	}
	if b := device.AllocatedBytes(); b > HighDeviceBytes {
		hm.AddAlert("warning", "memory", fmt.Sprintf("high device memory usage: %d MB", b>>20))
	}
}

func (hm *Monitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert", "level", level, "component", component, "message", message)
}

func (hm *Monitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// Status computes the current health snapshot.
func (hm *Monitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	dev := DeviceInfo{AllocatedBytes: device.AllocatedBytes()}
	if hm.dev != nil {
		dev.Backend = hm.dev.Name()
		dev.Workers = hm.dev.Workers()
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Device:      dev,
		Performance: hm.performance(),
		LastRun:     hm.lastRun,
		Alerts:      slices.Clone(hm.alerts),
	}
}

func (hm *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *Monitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *Monitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := slices.Clone(hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *Monitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys >> 20),
		MemoryUsedMB: int(m.Alloc >> 20),
	}
}

// performance summarizes the run history. Callers hold hm.mu.
func (hm *Monitor) performance() PerformanceInfo {
	info := PerformanceInfo{Runs: len(hm.history)}
	if hm.lastRun != nil {
		info.LastRun = hm.lastRun.Timestamp
	}
	if len(hm.history) == 0 {
		return info
	}

	latencies := make([]float64, 0, len(hm.history))
	var totalMs, totalGFLOPS float64
	for _, p := range hm.history {
		ms := float64(p.dispatch.Nanoseconds()) / 1e6
		latencies = append(latencies, ms)
		totalMs += ms
		totalGFLOPS += p.gflops
		if p.spotFailed {
			info.SpotCheckFailures++
		}
		if p.transposeFailed {
			info.TransposeFailures++
		}
	}
	slices.Sort(latencies)
	p95 := min(int(float64(len(latencies))*0.95), len(latencies)-1)

	n := float64(len(hm.history))
	info.AvgDispatchMs = totalMs / n
	info.P95DispatchMs = latencies[p95]
	info.AvgGFLOPS = totalGFLOPS / n
	return info
}
