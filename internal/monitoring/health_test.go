package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/23skdu/longbow-sgemm/internal/device"
	"github.com/23skdu/longbow-sgemm/internal/harness"
	"github.com/23skdu/longbow-sgemm/internal/matrix"
)

type fakeDevice struct{}

func (fakeDevice) Name() string { return "fake" }
func (fakeDevice) Workers() int { return 4 }

func passingReport(run int, dispatch time.Duration) *harness.Report {
	return &harness.Report{
		Run:       run,
		Backend:   "fake",
		Dims:      matrix.Dims{M: 256, N: 256, K: 64},
		Kernel:    device.KernelSGEMMK,
		SpotCheck: harness.SpotCheck{Pass: true},
		Transpose: harness.TransposeCheck{Match: true},
		Timings:   harness.Timings{Dispatch: dispatch},
		GFLOPS:    10,
		Timestamp: time.Now(),
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthyWithoutRuns(t *testing.T) {
	hm := NewMonitor(fakeDevice{})
	rec := get(t, hm.Handler(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestRecordRunAlerts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*harness.Report)
		status string
		level  string
	}{
		{"pass", func(*harness.Report) {}, "healthy", ""},
		{"spot check failure", func(r *harness.Report) { r.SpotCheck.Pass = false }, "degraded", "error"},
		{"transpose mismatch", func(r *harness.Report) { r.Transpose.Match = false }, "critical", "critical"},
		{"slow dispatch", func(r *harness.Report) { r.Timings.Dispatch = SlowDispatch + time.Second }, "healthy", "warning"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewMonitor(fakeDevice{})
			rep := passingReport(1, time.Millisecond)
			tt.mutate(rep)
			hm.RecordRun(rep)

			st := hm.Status()
			if st.Status != tt.status {
				t.Errorf("status = %q, want %q", st.Status, tt.status)
			}
			if tt.level == "" {
				if len(st.Alerts) != 0 {
					t.Errorf("unexpected alerts: %+v", st.Alerts)
				}
				return
			}
			if len(st.Alerts) != 1 || st.Alerts[0].Level != tt.level {
				t.Fatalf("alerts = %+v, want one %s alert", st.Alerts, tt.level)
			}
		})
	}
}

func TestResolvedAlertRestoresHealth(t *testing.T) {
	hm := NewMonitor(fakeDevice{})
	rep := passingReport(1, time.Millisecond)
	rep.Transpose.Match = false
	hm.RecordRun(rep)

	if rec := get(t, hm.Handler(), "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want 503", rec.Code)
	}
	hm.ResolveAlert(0)
	if rec := get(t, hm.Handler(), "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("status code after resolve = %d, want 200", rec.Code)
	}
}

func TestStatusPerformance(t *testing.T) {
	hm := NewMonitor(fakeDevice{})
	for i := 1; i <= 4; i++ {
		hm.RecordRun(passingReport(i, time.Duration(i)*time.Millisecond))
	}
	failed := passingReport(5, 5*time.Millisecond)
	failed.SpotCheck.Pass = false
	failed.Transpose.Match = false
	hm.RecordRun(failed)

	rec := get(t, hm.Handler(), "/status")
	var st HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	p := st.Performance
	if p.Runs != 5 {
		t.Errorf("runs = %d, want 5", p.Runs)
	}
	if p.AvgDispatchMs != 3 {
		t.Errorf("avg dispatch = %v ms, want 3", p.AvgDispatchMs)
	}
	if p.P95DispatchMs != 5 {
		t.Errorf("p95 dispatch = %v ms, want 5", p.P95DispatchMs)
	}
	if p.SpotCheckFailures != 1 {
		t.Errorf("spot check failures = %d, want 1", p.SpotCheckFailures)
	}
	if p.TransposeFailures != 1 {
		t.Errorf("transpose failures = %d, want 1", p.TransposeFailures)
	}
	if st.Status != "critical" {
		t.Errorf("status = %q, want critical", st.Status)
	}
	if st.Device.Backend != "fake" || st.Device.Workers != 4 {
		t.Errorf("device = %+v", st.Device)
	}
	if st.LastRun == nil || st.LastRun.Run != 5 {
		t.Errorf("last run = %+v, want run 5", st.LastRun)
	}
}

func TestClearAlerts(t *testing.T) {
	hm := NewMonitor(fakeDevice{})
	hm.AddAlert("error", "check", "boom")
	h := hm.Handler()

	if rec := get(t, h, "/admin/clear-alerts"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET clear-alerts = %d, want 405", rec.Code)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST clear-alerts = %d", rec.Code)
	}
	var alerts []Alert
	if err := json.NewDecoder(get(t, h, "/admin/alerts").Body).Decode(&alerts); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts after clear = %+v", alerts)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, NewMonitor(nil).Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing go_goroutines")
	}
}
