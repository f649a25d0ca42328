//go:build linux && cuda

package device

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/gocnn/gocu/cublas"
	"github.com/gocnn/gocu/cudart"

	"github.com/23skdu/longbow-sgemm/internal/logger"
	"github.com/23skdu/longbow-sgemm/internal/metrics"
)

// Context drives a CUDA device through cuBLAS. Every SGEMM kernel name maps
// to cublas.Sgemm; Trans is an Sgemm against a cached identity matrix.
type Context struct {
	handle *cublas.Handle

	mu       sync.Mutex
	live     map[*Buffer]struct{}
	identity map[int]*Buffer
}

func NewContext(opts ...Option) (*Context, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	handle, err := cublas.Create()
	if err != nil {
		return nil, fmt.Errorf("cublas create: %w", err)
	}
	logger.Log.Info("CUDA context ready")
	return &Context{
		handle:   handle,
		live:     make(map[*Buffer]struct{}),
		identity: make(map[int]*Buffer),
	}, nil
}

func (c *Context) Name() string { return "cuda" }

func (c *Context) Workers() int { return 1 }

func (c *Context) Free() {
	c.mu.Lock()
	bufs := make([]*Buffer, 0, len(c.live))
	for b := range c.live {
		bufs = append(bufs, b)
	}
	c.identity = make(map[int]*Buffer)
	c.mu.Unlock()
	for _, b := range bufs {
		b.Release()
	}
	if c.handle != nil {
		c.handle.Destroy()
		c.handle = nil
	}
}

// Synchronize blocks until every queued cuBLAS call and copy has finished.
func (c *Context) Synchronize() error {
	if err := cudart.DeviceSynchronize(); err != nil {
		return fmt.Errorf("device synchronize: %w", err)
	}
	return nil
}

func (c *Context) LiveBuffers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

type Buffer struct {
	ctx      *Context
	ptr      cudart.DevicePtr
	count    int
	released bool
}

func (c *Context) NewBuffer(count int) (*Buffer, error) {
	if count <= 0 {
		return nil, fmt.Errorf("new buffer: %w: count %d", ErrInvalidDims, count)
	}
	ptr, err := cudart.Malloc(int64(count) * 4)
	if err != nil {
		return nil, fmt.Errorf("cudaMalloc %d bytes: %w", count*4, err)
	}
	b := &Buffer{ctx: c, ptr: ptr, count: count}
	c.mu.Lock()
	c.live[b] = struct{}{}
	c.mu.Unlock()
	traceAlloc(int64(count) * 4)
	return b, nil
}

func (b *Buffer) Len() int { return b.count }

func (b *Buffer) SizeBytes() int { return b.count * 4 }

func (b *Buffer) Released() bool { return b.released }

func (b *Buffer) SetData(src []float32) error {
	if b.released {
		return fmt.Errorf("set data: %w", ErrReleased)
	}
	if len(src) != b.count {
		return fmt.Errorf("set data: %w: got %d elements, buffer holds %d", ErrSizeMismatch, len(src), b.count)
	}
	if err := cudart.MemcpyHtoD(b.ptr, cudart.HostPtr(unsafe.Pointer(&src[0])), int64(b.SizeBytes())); err != nil {
		return fmt.Errorf("set data: %w", err)
	}
	metrics.RecordTransfer("h2d", b.SizeBytes())
	return nil
}

func (b *Buffer) GetData(dst []float32) error {
	if b.released {
		return fmt.Errorf("get data: %w", ErrReleased)
	}
	if len(dst) != b.count {
		return fmt.Errorf("get data: %w: got %d elements, buffer holds %d", ErrSizeMismatch, len(dst), b.count)
	}
	if err := cudart.MemcpyDtoH(cudart.HostPtr(unsafe.Pointer(&dst[0])), b.ptr, int64(b.SizeBytes())); err != nil {
		return fmt.Errorf("get data: %w", err)
	}
	metrics.RecordTransfer("d2h", b.SizeBytes())
	return nil
}

func (b *Buffer) Release() {
	if b.released {
		return
	}
	b.released = true
	cudart.Free(b.ptr)
	traceAlloc(-int64(b.SizeBytes()))
	b.ctx.mu.Lock()
	delete(b.ctx.live, b)
	b.ctx.mu.Unlock()
}

func (c *Context) FindKernel(name string) (Kernel, error) {
	return LookupKernel(name)
}

// identityOf returns a cached n x n identity matrix on the device.
func (c *Context) identityOf(n int) (*Buffer, error) {
	c.mu.Lock()
	id, ok := c.identity[n]
	c.mu.Unlock()
	if ok && !id.released {
		return id, nil
	}
	id, err := c.NewBuffer(n * n)
	if err != nil {
		return nil, err
	}
	host := make([]float32, n*n)
	for i := 0; i < n; i++ {
		host[i*n+i] = 1
	}
	if err := id.SetData(host); err != nil {
		id.Release()
		return nil, err
	}
	c.mu.Lock()
	c.identity[n] = id
	c.mu.Unlock()
	return id, nil
}

// Dispatch maps the kernel onto cuBLAS and waits for it to finish. The grid
// is validated but cuBLAS picks its own launch configuration.
func (c *Context) Dispatch(ctx context.Context, k Kernel, a Args, g Groups) error {
	wrap := func(err error) error {
		return &DispatchError{Kernel: k.name, Groups: g, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return wrap(err)
	}
	if err := validateGroups(g); err != nil {
		return wrap(err)
	}
	if err := validateArgs(k.name, a); err != nil {
		return wrap(err)
	}

	t0 := time.Now()
	var err error
	if k.name == KernelTrans {
		err = c.transpose(a)
	} else {
		// Row-major C = A*B is column-major C^T = B^T * A^T.
		err = cublas.Sgemm(c.handle, cublas.NoTrans, cublas.NoTrans,
			a.N, a.M, a.K, 1, a.B.ptr, a.N, a.A.ptr, a.K, 0, a.C.ptr, a.N)
	}
	if err != nil {
		return wrap(err)
	}
	if err := c.Synchronize(); err != nil {
		return wrap(err)
	}
	metrics.RecordDispatch(string(k.name), g.Count(), time.Since(t0))
	return nil
}

// transpose writes AT (N x M, row-major) from A (M x N, row-major). Seen
// column-major, A is X = A^T with ld N and AT is Y = A with ld M, so
// Y = X^T is one Sgemm against the smaller identity.
func (c *Context) transpose(a Args) error {
	if a.M <= a.N {
		id, err := c.identityOf(a.M)
		if err != nil {
			return err
		}
		return cublas.Sgemm(c.handle, cublas.NoTrans, cublas.Trans,
			a.M, a.N, a.M, 1, id.ptr, a.M, a.A.ptr, a.N, 0, a.AT.ptr, a.M)
	}
	id, err := c.identityOf(a.N)
	if err != nil {
		return err
	}
	return cublas.Sgemm(c.handle, cublas.Trans, cublas.NoTrans,
		a.M, a.N, a.N, 1, a.A.ptr, a.N, id.ptr, a.N, 0, a.AT.ptr, a.M)
}
