package matrix

import "math"

// RelError returns |got-want| / max(|want|, tiny).
func RelError(got, want float32) float64 {
	diff := math.Abs(float64(got) - float64(want))
	denom := math.Abs(float64(want))
	if denom < 1e-30 {
		return diff
	}
	return diff / denom
}

// MaxRelError scans two equally sized slices and returns the largest
// relative error and its index. It returns -1 for empty or mismatched input.
func MaxRelError(got, want []float32) (float64, int) {
	if len(got) != len(want) || len(got) == 0 {
		return math.Inf(1), -1
	}
	worst, at := 0.0, 0
	for i := range got {
		if e := RelError(got[i], want[i]); e > worst {
			worst, at = e, i
		}
	}
	return worst, at
}

// CheckNumericalStability counts NaN and Inf entries.
func CheckNumericalStability(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		}
		if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return
}
