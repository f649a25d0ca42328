//go:build !linux || !cuda

package device

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-sgemm/internal/metrics"
)

// Context is the software compute device. Buffers are host slices and each
// thread group of a dispatch runs as one task on a bounded worker pool.
type Context struct {
	workers int

	mu   sync.Mutex
	live map[*Buffer]struct{}
}

func NewContext(opts ...Option) (*Context, error) {
	o := options{workers: runtime.NumCPU()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Context{
		workers: o.workers,
		live:    make(map[*Buffer]struct{}),
	}, nil
}

func (c *Context) Name() string { return "software" }

func (c *Context) Workers() int { return c.workers }

// Free releases every buffer still owned by the context.
func (c *Context) Free() {
	c.mu.Lock()
	bufs := make([]*Buffer, 0, len(c.live))
	for b := range c.live {
		bufs = append(bufs, b)
	}
	c.mu.Unlock()
	for _, b := range bufs {
		b.Release()
	}
}

// Synchronize returns at once: Dispatch returns only after every group
// finished.
func (c *Context) Synchronize() error { return nil }

// LiveBuffers reports buffers allocated and not yet released.
func (c *Context) LiveBuffers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// Buffer is a device buffer of float32 elements. A Buffer is not safe for
// concurrent SetData/GetData/Release.
type Buffer struct {
	ctx      *Context
	data     []float32
	released bool
}

func (c *Context) NewBuffer(count int) (*Buffer, error) {
	if count <= 0 {
		return nil, fmt.Errorf("new buffer: %w: count %d", ErrInvalidDims, count)
	}
	b := &Buffer{ctx: c, data: make([]float32, count)}
	c.mu.Lock()
	c.live[b] = struct{}{}
	c.mu.Unlock()
	traceAlloc(int64(count) * 4)
	return b, nil
}

func (b *Buffer) Len() int { return len(b.data) }

func (b *Buffer) SizeBytes() int { return len(b.data) * 4 }

func (b *Buffer) Released() bool { return b.released }

// SetData copies src into the buffer. len(src) must equal Len().
func (b *Buffer) SetData(src []float32) error {
	if b.released {
		return fmt.Errorf("set data: %w", ErrReleased)
	}
	if len(src) != len(b.data) {
		return fmt.Errorf("set data: %w: got %d elements, buffer holds %d", ErrSizeMismatch, len(src), len(b.data))
	}
	copy(b.data, src)
	metrics.RecordTransfer("h2d", b.SizeBytes())
	return nil
}

// GetData copies the buffer into dst. len(dst) must equal Len().
func (b *Buffer) GetData(dst []float32) error {
	if b.released {
		return fmt.Errorf("get data: %w", ErrReleased)
	}
	if len(dst) != len(b.data) {
		return fmt.Errorf("get data: %w: got %d elements, buffer holds %d", ErrSizeMismatch, len(dst), len(b.data))
	}
	copy(dst, b.data)
	metrics.RecordTransfer("d2h", b.SizeBytes())
	return nil
}

// Release frees the buffer. Releasing twice is a no-op.
func (b *Buffer) Release() {
	if b.released {
		return
	}
	b.released = true
	traceAlloc(-int64(b.SizeBytes()))
	b.data = nil
	b.ctx.mu.Lock()
	delete(b.ctx.live, b)
	b.ctx.mu.Unlock()
}

func (c *Context) FindKernel(name string) (Kernel, error) {
	return LookupKernel(name)
}

// Dispatch runs kernel over the g grid and returns when every group is
// done. Cancelling ctx stops scheduling further groups; groups already
// running finish first.
func (c *Context) Dispatch(ctx context.Context, k Kernel, args Args, g Groups) error {
	wrap := func(err error) error {
		return &DispatchError{Kernel: k.name, Groups: g, Err: err}
	}
	if err := validateGroups(g); err != nil {
		return wrap(err)
	}
	if err := validateArgs(k.name, args); err != nil {
		return wrap(err)
	}
	run, err := bindKernel(k.name, args)
	if err != nil {
		return wrap(err)
	}

	t0 := time.Now()
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.workers)
schedule:
	for z := 0; z < g.Z; z++ {
		for y := 0; y < g.Y; y++ {
			for x := 0; x < g.X; x++ {
				if egctx.Err() != nil {
					break schedule
				}
				id := GroupID{X: x, Y: y, Z: z}
				eg.Go(func() error {
					if err := egctx.Err(); err != nil {
						return err
					}
					run(id)
					return nil
				})
			}
		}
	}
	err = eg.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return wrap(err)
	}
	metrics.RecordDispatch(string(k.name), g.Count(), time.Since(t0))
	return nil
}
