//go:build !linux || !cuda

package device

import (
	"fmt"
	"sync"
)

type groupFunc func(id GroupID)

func bindKernel(name KernelName, a Args) (groupFunc, error) {
	switch name {
	case KernelSGEMMSmall:
		return sgemmSmall(a), nil
	case KernelSGEMMK:
		return sgemmTiled(a, false), nil
	case KernelSGEMMA:
		return sgemmTiled(a, true), nil
	case KernelTrans:
		return transpose(a), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrKernelNotFound, name)
}

// tileSpan clips a GemmTile-wide span starting at group*tile to limit.
func tileSpan(group, tile, limit int) (start, n int) {
	start = group * tile
	n = min(tile, limit-start)
	if n < 0 {
		n = 0
	}
	return start, n
}

// sgemmSmall accumulates one output row of the tile at a time straight from
// A and B, without staging.
func sgemmSmall(a Args) groupFunc {
	M, N, K := a.M, a.N, a.K
	A, B, C := a.A.data, a.B.data, a.C.data
	return func(id GroupID) {
		row0, rows := tileSpan(id.Y, GemmTile, M)
		col0, cols := tileSpan(id.X, GemmTile, N)
		if rows == 0 || cols == 0 {
			return
		}
		var acc [GemmTile]float32
		for r := row0; r < row0+rows; r++ {
			sum := acc[:cols]
			clear(sum)
			aRow := A[r*K : (r+1)*K]
			for l, av := range aRow {
				bRow := B[l*N+col0 : l*N+col0+cols]
				for c, bv := range bRow {
					sum[c] += av * bv
				}
			}
			copy(C[r*N+col0:r*N+col0+cols], sum)
		}
	}
}

// gemmScratch is the group-local memory of the tiled kernels.
type gemmScratch struct {
	as  [GemmTile * KPanel]float32
	bs  [KPanel * GemmTile]float32
	acc [GemmTile * GemmTile]float32
}

var scratchPool = sync.Pool{New: func() any { return new(gemmScratch) }}

// sgemmTiled walks K in KPanel-wide panels, staging the A and B panels of
// the tile into scratch before accumulating. With tail set, a final
// narrower panel covers K % KPanel; without it K must be panel aligned.
func sgemmTiled(a Args, tail bool) groupFunc {
	M, N, K := a.M, a.N, a.K
	A, B, C := a.A.data, a.B.data, a.C.data
	full := K - K%KPanel
	return func(id GroupID) {
		row0, rows := tileSpan(id.Y, GemmTile, M)
		col0, cols := tileSpan(id.X, GemmTile, N)
		if rows == 0 || cols == 0 {
			return
		}
		s := scratchPool.Get().(*gemmScratch)
		defer scratchPool.Put(s)
		clear(s.acc[:])

		for k0 := 0; k0 < full; k0 += KPanel {
			s.panel(A, B, K, N, row0, col0, rows, cols, k0, KPanel)
		}
		if tail && full < K {
			s.panel(A, B, K, N, row0, col0, rows, cols, full, K-full)
		}

		for r := 0; r < rows; r++ {
			dst := C[(row0+r)*N+col0 : (row0+r)*N+col0+cols]
			copy(dst, s.acc[r*GemmTile:r*GemmTile+cols])
		}
	}
}

// panel stages A[row0:row0+rows, k0:k0+w] and B[k0:k0+w, col0:col0+cols]
// and adds their product into acc.
func (s *gemmScratch) panel(A, B []float32, K, N, row0, col0, rows, cols, k0, w int) {
	for r := 0; r < rows; r++ {
		src := A[(row0+r)*K+k0 : (row0+r)*K+k0+w]
		copy(s.as[r*KPanel:r*KPanel+w], src)
	}
	for l := 0; l < w; l++ {
		src := B[(k0+l)*N+col0 : (k0+l)*N+col0+cols]
		copy(s.bs[l*GemmTile:l*GemmTile+cols], src)
	}
	for r := 0; r < rows; r++ {
		accRow := s.acc[r*GemmTile : r*GemmTile+cols]
		for l := 0; l < w; l++ {
			av := s.as[r*KPanel+l]
			bRow := s.bs[l*GemmTile : l*GemmTile+cols]
			for c, bv := range bRow {
				accRow[c] += av * bv
			}
		}
	}
}

// transpose moves one TransposeTile square of A (M x N) through a local
// tile into AT (N x M). Group X walks columns of A, group Y walks rows.
func transpose(a Args) groupFunc {
	M, N := a.M, a.N
	src, dst := a.A.data, a.AT.data
	return func(id GroupID) {
		row0, rows := tileSpan(id.Y, TransposeTile, M)
		col0, cols := tileSpan(id.X, TransposeTile, N)
		if rows == 0 || cols == 0 {
			return
		}
		var tile [TransposeTile][TransposeTile + 1]float32
		for r := 0; r < rows; r++ {
			row := src[(row0+r)*N+col0 : (row0+r)*N+col0+cols]
			for c, v := range row {
				tile[r][c] = v
			}
		}
		for c := 0; c < cols; c++ {
			out := dst[(col0+c)*M+row0 : (col0+c)*M+row0+rows]
			for r := range out {
				out[r] = tile[r][c]
			}
		}
	}
}
