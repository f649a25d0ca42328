// Package device is the compute-device layer: device buffers, named
// compute kernels and synchronous grid dispatch.
//
// The default build runs kernels on a pure-Go software device that executes
// every thread group of a dispatch on a bounded worker pool. Building with
// -tags cuda on linux swaps in a CUDA backend over cuBLAS. Both expose the
// same Context / Buffer API.
package device

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/23skdu/longbow-sgemm/internal/metrics"
)

type KernelName string

const (
	// KernelSGEMMA is the tiled SGEMM for any K.
	KernelSGEMMA KernelName = "SGEMM_a"
	// KernelSGEMMK is the tiled SGEMM that requires K to be a multiple of KPanel.
	KernelSGEMMK KernelName = "SGEMM_k"
	// KernelSGEMMSmall handles products where M or N is below one tile.
	KernelSGEMMSmall KernelName = "SGEMM_small"
	// KernelTrans transposes an M x N matrix into N x M.
	KernelTrans KernelName = "Trans"
)

// Kernels lists every kernel a Context can resolve.
var Kernels = []KernelName{KernelSGEMMA, KernelSGEMMK, KernelSGEMMSmall, KernelTrans}

// Thread-group geometry shared by the kernels and their dispatch sizing.
const (
	GemmTile      = 128 // C elements per group along each axis
	KPanel        = 16  // K columns staged per step by the tiled kernels
	TransposeTile = 16
)

var (
	ErrKernelNotFound  = errors.New("kernel not found")
	ErrReleased        = errors.New("buffer already released")
	ErrSizeMismatch    = errors.New("buffer size mismatch")
	ErrMissingBuffer   = errors.New("kernel buffer not bound")
	ErrInvalidDims     = errors.New("invalid kernel dimensions")
	ErrKPanelAlignment = errors.New("K is not a multiple of the K panel")
	ErrInvalidGroups   = errors.New("invalid thread group count")
)

// Kernel is a resolved handle returned by FindKernel.
type Kernel struct {
	name  KernelName
	index int
}

func (k Kernel) Name() KernelName { return k.name }

// Groups is a dispatch grid, in thread groups.
type Groups struct {
	X, Y, Z int
}

func (g Groups) Count() int { return g.X * g.Y * g.Z }

func (g Groups) String() string { return fmt.Sprintf("%dx%dx%d", g.X, g.Y, g.Z) }

// GroupID identifies one thread group inside a dispatch grid.
type GroupID struct {
	X, Y, Z int
}

// Args are the scalar and buffer bindings of one dispatch. GEMM kernels
// read M, N, K, A, B and write C. Trans reads M, N, A and writes AT.
type Args struct {
	M, N, K int
	A, B, C *Buffer
	AT      *Buffer
}

// DispatchError wraps a failed dispatch with the kernel and grid it ran.
type DispatchError struct {
	Kernel KernelName
	Groups Groups
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s over %s groups: %v", e.Kernel, e.Groups, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

type options struct {
	workers int
}

type Option func(*options)

// WithWorkers caps how many thread groups run at once on the software
// device. Values <= 0 keep the default of one per CPU.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordGPUMemory(newVal)
}

// AllocatedBytes reports bytes currently held by live buffers across all
// contexts.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// LookupKernel resolves a kernel by name without a device.
func LookupKernel(name string) (Kernel, error) {
	for i, k := range Kernels {
		if string(k) == name {
			return Kernel{name: k, index: i}, nil
		}
	}
	return Kernel{}, fmt.Errorf("%w: %q", ErrKernelNotFound, name)
}
