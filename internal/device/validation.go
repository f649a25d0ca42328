package device

import (
	"fmt"

	"github.com/23skdu/longbow-sgemm/internal/metrics"
)

func checkBuffer(op, slot string, b *Buffer, need int) error {
	if b == nil {
		return fmt.Errorf("%s: %w: %s", op, ErrMissingBuffer, slot)
	}
	if b.Released() {
		return fmt.Errorf("%s: %s: %w", op, slot, ErrReleased)
	}
	if b.Len() < need {
		return fmt.Errorf("%s: %w: %s holds %d elements, kernel needs %d",
			op, ErrSizeMismatch, slot, b.Len(), need)
	}
	return nil
}

// ValidateGemmArgs checks the bindings of an SGEMM kernel: A is M x K,
// B is K x N, C is M x N.
func ValidateGemmArgs(kernel KernelName, a Args) error {
	op := string(kernel)
	if a.M <= 0 || a.N <= 0 || a.K <= 0 {
		metrics.RecordValidationError(op, "dims")
		return fmt.Errorf("%s: %w: M=%d N=%d K=%d", op, ErrInvalidDims, a.M, a.N, a.K)
	}
	if kernel == KernelSGEMMK && a.K%KPanel != 0 {
		metrics.RecordValidationError(op, "k_alignment")
		return fmt.Errorf("%s: %w: K=%d, panel=%d", op, ErrKPanelAlignment, a.K, KPanel)
	}
	for _, c := range []struct {
		slot string
		buf  *Buffer
		need int
	}{
		{"A", a.A, a.M * a.K},
		{"B", a.B, a.K * a.N},
		{"C", a.C, a.M * a.N},
	} {
		if err := checkBuffer(op, c.slot, c.buf, c.need); err != nil {
			metrics.RecordValidationError(op, "buffer")
			return err
		}
	}
	return nil
}

// ValidateTransposeArgs checks the bindings of Trans: A is M x N, AT is
// N x M.
func ValidateTransposeArgs(a Args) error {
	op := string(KernelTrans)
	if a.M <= 0 || a.N <= 0 {
		metrics.RecordValidationError(op, "dims")
		return fmt.Errorf("%s: %w: M=%d N=%d", op, ErrInvalidDims, a.M, a.N)
	}
	if err := checkBuffer(op, "A", a.A, a.M*a.N); err != nil {
		metrics.RecordValidationError(op, "buffer")
		return err
	}
	if err := checkBuffer(op, "AT", a.AT, a.M*a.N); err != nil {
		metrics.RecordValidationError(op, "buffer")
		return err
	}
	return nil
}

func validateArgs(kernel KernelName, a Args) error {
	if kernel == KernelTrans {
		return ValidateTransposeArgs(a)
	}
	return ValidateGemmArgs(kernel, a)
}

func validateGroups(g Groups) error {
	if g.X <= 0 || g.Y <= 0 || g.Z <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidGroups, g)
	}
	return nil
}
