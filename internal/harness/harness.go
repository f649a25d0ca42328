// Package harness runs the SGEMM demo sequence once:
// initialize, upload, dispatch, download, spot-check, transpose, release.
package harness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/23skdu/longbow-sgemm/internal/config"
	"github.com/23skdu/longbow-sgemm/internal/device"
	"github.com/23skdu/longbow-sgemm/internal/export"
	"github.com/23skdu/longbow-sgemm/internal/logger"
	"github.com/23skdu/longbow-sgemm/internal/matrix"
	"github.com/23skdu/longbow-sgemm/internal/metrics"
	"github.com/23skdu/longbow-sgemm/internal/sgemm"
)

var (
	ErrSpotCheck      = errors.New("spot check exceeded tolerance")
	ErrTransposeCheck = errors.New("transpose check mismatch")
)

// Device is what a run needs from a compute backend.
type Device interface {
	sgemm.Device
	NewBuffer(count int) (*device.Buffer, error)
	Synchronize() error
	Name() string
}

// Exporter receives the product matrix after a run, e.g. a FlightClient.
type Exporter interface {
	DoPut(ctx context.Context, name string, m *matrix.Matrix) error
}

type Options struct {
	// Run numbers the report and the log lines of this run.
	Run int
	// IPCPath, when set, receives C as an Arrow IPC file.
	IPCPath  string
	Exporter Exporter
	Log      *logger.Logger
}

type SpotCheck struct {
	Row      int     `json:"row"`
	Col      int     `json:"col"`
	Device   float32 `json:"device"`
	CPU      float32 `json:"cpu"`
	AbsError float64 `json:"abs_error"`
	RelError float64 `json:"rel_error"`
	Pass     bool    `json:"pass"`
}

type TransposeCheck struct {
	Row    int     `json:"row"`
	Col    int     `json:"col"`
	Before float32 `json:"before"`
	After  float32 `json:"after"`
	Match  bool    `json:"match"`
}

type Timings struct {
	Init      time.Duration `json:"init"`
	Upload    time.Duration `json:"upload"`
	Dispatch  time.Duration `json:"dispatch"`
	Download  time.Duration `json:"download"`
	Check     time.Duration `json:"check"`
	Transpose time.Duration `json:"transpose"`
	Total     time.Duration `json:"total"`
}

type Report struct {
	Run       int               `json:"run"`
	Backend   string            `json:"backend"`
	Dims      matrix.Dims       `json:"dims"`
	Kernel    device.KernelName `json:"kernel"`
	Groups    device.Groups     `json:"groups"`
	SpotCheck SpotCheck         `json:"spot_check"`
	Transpose TransposeCheck    `json:"transpose"`
	Timings   Timings           `json:"timings"`
	GFLOPS    float64           `json:"gflops"`
	Timestamp time.Time         `json:"timestamp"`
}

// Run executes one demo pass. Every device buffer it allocates is released
// before it returns, on success and on error. A failed spot or transpose
// check is reported and only becomes an error when cfg.Strict is set.
func Run(ctx context.Context, dev Device, cfg config.Config, rng *rand.Rand, opts Options) (*Report, error) {
	log := opts.Log
	if log == nil {
		log = logger.Log
	}
	log = log.With("run", opts.Run, "backend", dev.Name())

	start := time.Now()
	rep := &Report{Run: opts.Run, Backend: dev.Name(), Timestamp: start}

	// initialize
	dims := matrix.Dims{M: cfg.M, N: cfg.N, K: cfg.K}
	if !cfg.FixedDims() {
		dims = pinDims(matrix.RandomDims(rng, cfg.MaxDim), cfg)
	}
	rep.Dims = dims
	m, n, k := dims.M, dims.N, dims.K
	metrics.RecordDims(m, n, k)
	log.Info(dims.String())

	hostA := matrix.Random(rng, m, k)
	hostB := matrix.Random(rng, k, n)
	hostC := matrix.New(m, n)

	var bufs []*device.Buffer
	defer func() {
		for _, b := range bufs {
			b.Release()
		}
	}()
	alloc := func(count int) (*device.Buffer, error) {
		b, err := dev.NewBuffer(count)
		if err != nil {
			return nil, err
		}
		bufs = append(bufs, b)
		return b, nil
	}

	gpuA, err := alloc(m * k)
	if err != nil {
		return nil, fmt.Errorf("allocate A: %w", err)
	}
	gpuB, err := alloc(k * n)
	if err != nil {
		return nil, fmt.Errorf("allocate B: %w", err)
	}
	gpuC, err := alloc(m * n)
	if err != nil {
		return nil, fmt.Errorf("allocate C: %w", err)
	}
	rep.Timings.Init = time.Since(start)

	// host to device
	t0 := time.Now()
	if err := gpuA.SetData(hostA.Data); err != nil {
		return nil, fmt.Errorf("upload A: %w", err)
	}
	if err := gpuB.SetData(hostB.Data); err != nil {
		return nil, fmt.Errorf("upload B: %w", err)
	}
	rep.Timings.Upload = time.Since(t0)

	// dispatch
	t0 = time.Now()
	kernel, err := sgemm.Multiply(ctx, dev, m, n, k, gpuA, gpuB, gpuC)
	if err != nil {
		return nil, err
	}
	if err := dev.Synchronize(); err != nil {
		return nil, fmt.Errorf("sgemm: %w", err)
	}
	rep.Timings.Dispatch = time.Since(t0)
	rep.Kernel = kernel
	rep.Groups = sgemm.GemmGroups(m, n)
	rep.GFLOPS = metrics.RecordGEMM(m, n, k, rep.Timings.Dispatch)
	log = log.With("kernel", kernel)
	log.Debug("sgemm dispatched", "groups", rep.Groups.String(), "elapsed", rep.Timings.Dispatch, "gflops", rep.GFLOPS)

	// device to host
	t0 = time.Now()
	if err := gpuC.GetData(hostC.Data); err != nil {
		return nil, fmt.Errorf("download C: %w", err)
	}
	rep.Timings.Download = time.Since(t0)

	t0 = time.Now()
	if nans, infs := matrix.CheckNumericalStability(hostC.Data); nans+infs > 0 {
		metrics.RecordNumericalInstability("C", nans, infs)
		log.Warn("non-finite values in C", "nan", nans, "inf", infs)
	}
	spot, err := spotCheck(rng, hostA, hostB, hostC, cfg.Tolerance)
	if err != nil {
		return nil, err
	}
	rep.SpotCheck = spot
	rep.Timings.Check = time.Since(t0)
	metrics.RecordSpotCheck(spot.RelError, spot.Pass)
	log.Info(fmt.Sprintf("debug C[%d,%d]", spot.Row, spot.Col),
		"device", spot.Device, "cpu", spot.CPU, "rel_error", spot.RelError, "pass", spot.Pass)
	if !spot.Pass {
		log.Warn("spot check exceeded tolerance", "tolerance", cfg.Tolerance)
	}

	// transpose
	t0 = time.Now()
	tc, err := transposeCheck(ctx, dev, rng, gpuC, hostC, alloc)
	if err != nil {
		return nil, err
	}
	rep.Transpose = tc
	rep.Timings.Transpose = time.Since(t0)
	metrics.RecordTransposeCheck(tc.Match)
	log.Info(fmt.Sprintf("transpose C[%d,%d]", tc.Row, tc.Col), "before", tc.Before, "after", tc.After, "match", tc.Match)

	if opts.IPCPath != "" {
		if err := export.WriteIPCFile(opts.IPCPath, "C", hostC); err != nil {
			return rep, fmt.Errorf("export ipc: %w", err)
		}
		log.Info("wrote C", "path", opts.IPCPath)
	}
	if opts.Exporter != nil {
		if err := opts.Exporter.DoPut(ctx, "C", hostC); err != nil {
			return rep, fmt.Errorf("export flight: %w", err)
		}
	}

	rep.Timings.Total = time.Since(start)
	if cfg.Strict {
		if !spot.Pass {
			return rep, fmt.Errorf("%w: C[%d,%d] device=%g cpu=%g rel=%g",
				ErrSpotCheck, spot.Row, spot.Col, spot.Device, spot.CPU, spot.RelError)
		}
		if !tc.Match {
			return rep, fmt.Errorf("%w: C[%d,%d]=%g CT[%d,%d]=%g",
				ErrTransposeCheck, tc.Row, tc.Col, tc.Before, tc.Col, tc.Row, tc.After)
		}
	}
	return rep, nil
}

// pinDims keeps every dimension set in cfg and takes the rest from drawn.
func pinDims(drawn matrix.Dims, cfg config.Config) matrix.Dims {
	if cfg.M > 0 {
		drawn.M = cfg.M
	}
	if cfg.N > 0 {
		drawn.N = cfg.N
	}
	if cfg.K > 0 {
		drawn.K = cfg.K
	}
	return drawn
}

// spotCheck compares one random element of the device product against the
// CPU dot product of the matching row and column.
func spotCheck(rng *rand.Rand, a, b, c *matrix.Matrix, tolerance float64) (SpotCheck, error) {
	i, j := matrix.RandomIndex(rng, c.Rows, c.Cols)
	want, err := matrix.DotAt(a, b, i, j)
	if err != nil {
		return SpotCheck{}, fmt.Errorf("spot check: %w", err)
	}
	got := c.At(i, j)
	rel := matrix.RelError(got, want)
	return SpotCheck{
		Row:      i,
		Col:      j,
		Device:   got,
		CPU:      want,
		AbsError: math.Abs(float64(got) - float64(want)),
		RelError: rel,
		Pass:     rel <= tolerance,
	}, nil
}

// transposeCheck reloads C, transposes it on the device into a fresh
// buffer and compares C[i,j] with CT[j,i] for one random element.
func transposeCheck(ctx context.Context, dev Device, rng *rand.Rand, gpuC *device.Buffer, hostC *matrix.Matrix,
	alloc func(int) (*device.Buffer, error)) (TransposeCheck, error) {
	m, n := hostC.Rows, hostC.Cols
	if err := gpuC.GetData(hostC.Data); err != nil {
		return TransposeCheck{}, fmt.Errorf("download C: %w", err)
	}
	i, j := matrix.RandomIndex(rng, m, n)
	before := hostC.At(i, j)

	gpuCT, err := alloc(n * m)
	if err != nil {
		return TransposeCheck{}, fmt.Errorf("allocate CT: %w", err)
	}
	defer gpuCT.Release()
	if err := sgemm.Transpose(ctx, dev, m, n, gpuC, gpuCT); err != nil {
		return TransposeCheck{}, err
	}
	if err := dev.Synchronize(); err != nil {
		return TransposeCheck{}, fmt.Errorf("transpose: %w", err)
	}
	hostCT := matrix.New(n, m)
	if err := gpuCT.GetData(hostCT.Data); err != nil {
		return TransposeCheck{}, fmt.Errorf("download CT: %w", err)
	}
	after := hostCT.At(j, i)
	return TransposeCheck{Row: i, Col: j, Before: before, After: after, Match: before == after}, nil
}
