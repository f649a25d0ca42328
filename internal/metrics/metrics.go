package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GPUMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_memory_allocated_bytes",
		Help: "Current bytes allocated on the compute device",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpu_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12),
	}, []string{"kernel"})

	KernelDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sgemm_dispatch_total",
		Help: "Total number of kernel dispatches",
	}, []string{"kernel"})

	ThreadGroups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sgemm_thread_groups_total",
		Help: "Total number of thread groups executed",
	}, []string{"kernel"})

	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sgemm_transfer_bytes_total",
		Help: "Bytes copied between host and device",
	}, []string{"direction"})

	SpotCheckRelError = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sgemm_spot_check_rel_error",
		Help:    "Relative error between device and CPU reference for the spot-checked element",
		Buckets: []float64{1e-8, 1e-7, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1},
	})

	SpotCheckFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sgemm_spot_check_failures_total",
		Help: "Spot checks whose relative error exceeded the tolerance",
	})

	TransposeMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sgemm_transpose_mismatch_total",
		Help: "Transpose checks where C[i,j] != CT[j,i]",
	})

	GFLOPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sgemm_gflops",
		Help: "Throughput of the last SGEMM dispatch",
	})

	MatrixDim = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sgemm_matrix_dim",
		Help:    "Distribution of drawn matrix dimensions",
		Buckets: []float64{16, 64, 128, 256, 512, 1024, 2048, 4096, 8192},
	}, []string{"axis"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})
)

func RecordGPUMemory(bytes int64) {
	GPUMemoryAllocated.Set(float64(bytes))
}

// RecordDispatch accounts one synchronous kernel dispatch of groups thread
// groups that took duration end to end.
func RecordDispatch(kernel string, groups int, duration time.Duration) {
	KernelDispatches.WithLabelValues(kernel).Inc()
	ThreadGroups.WithLabelValues(kernel).Add(float64(groups))
	KernelDuration.WithLabelValues(kernel).Observe(duration.Seconds())
}

func RecordTransfer(direction string, bytes int) {
	TransferBytes.WithLabelValues(direction).Add(float64(bytes))
}

func RecordSpotCheck(relErr float64, passed bool) {
	SpotCheckRelError.Observe(relErr)
	if !passed {
		SpotCheckFailures.Inc()
	}
}

func RecordTransposeCheck(matched bool) {
	if !matched {
		TransposeMismatches.Inc()
	}
}

// RecordGEMM sets the throughput gauge for an m x n x k product.
func RecordGEMM(m, n, k int, duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	gflops := 2 * float64(m) * float64(n) * float64(k) / duration.Seconds() / 1e9
	GFLOPS.Set(gflops)
	return gflops
}

func RecordDims(m, n, k int) {
	MatrixDim.WithLabelValues("m").Observe(float64(m))
	MatrixDim.WithLabelValues("n").Observe(float64(n))
	MatrixDim.WithLabelValues("k").Observe(float64(k))
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}
