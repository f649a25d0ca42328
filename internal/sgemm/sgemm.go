// Package sgemm picks an SGEMM kernel for a matrix shape, sizes the
// dispatch grid to the kernel's tiling and runs it on a compute device.
package sgemm

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-sgemm/internal/device"
)

const (
	TileSize       = device.GemmTile
	SmallThreshold = 128
	KPanel         = device.KPanel
	TransposeTile  = device.TransposeTile
)

// Device is the part of a compute device the dispatcher needs.
type Device interface {
	FindKernel(name string) (device.Kernel, error)
	Dispatch(ctx context.Context, k device.Kernel, args device.Args, g device.Groups) error
}

// SelectKernel chooses the kernel for C(m x n) = A(m x k) * B(k x n).
// Products narrower than one tile in m or n go to SGEMM_small; otherwise
// SGEMM_k when k splits into whole K panels, else SGEMM_a.
func SelectKernel(m, n, k int) device.KernelName {
	if n < SmallThreshold || m < SmallThreshold {
		return device.KernelSGEMMSmall
	}
	if k%KPanel == 0 {
		return device.KernelSGEMMK
	}
	return device.KernelSGEMMA
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// GemmGroups covers an m x n output with TileSize square groups: X walks
// columns, Y walks rows.
func GemmGroups(m, n int) device.Groups {
	return device.Groups{X: ceilDiv(n, TileSize), Y: ceilDiv(m, TileSize), Z: 1}
}

// TransposeGroups covers an m x n source with TransposeTile square groups.
func TransposeGroups(m, n int) device.Groups {
	return device.Groups{X: ceilDiv(n, TransposeTile), Y: ceilDiv(m, TransposeTile), Z: 1}
}

// Multiply dispatches C = A*B with the kernel SelectKernel picks and
// returns that kernel's name.
func Multiply(ctx context.Context, dev Device, m, n, k int, a, b, c *device.Buffer) (device.KernelName, error) {
	name := SelectKernel(m, n, k)
	kernel, err := dev.FindKernel(string(name))
	if err != nil {
		return name, fmt.Errorf("sgemm: %w", err)
	}
	args := device.Args{M: m, N: n, K: k, A: a, B: b, C: c}
	if err := dev.Dispatch(ctx, kernel, args, GemmGroups(m, n)); err != nil {
		return name, fmt.Errorf("sgemm %dx%dx%d: %w", m, n, k, err)
	}
	return name, nil
}

// Transpose dispatches Trans: src is m x n, dst receives the n x m
// transpose.
func Transpose(ctx context.Context, dev Device, m, n int, src, dst *device.Buffer) error {
	kernel, err := dev.FindKernel(string(device.KernelTrans))
	if err != nil {
		return fmt.Errorf("transpose: %w", err)
	}
	args := device.Args{M: m, N: n, A: src, AT: dst}
	if err := dev.Dispatch(ctx, kernel, args, TransposeGroups(m, n)); err != nil {
		return fmt.Errorf("transpose %dx%d: %w", m, n, err)
	}
	return nil
}
