package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Equals reports whether t and other have the same shape and bitwise-equal values.
func (t *Tensor) Equals(other *Tensor) bool {
	if t.shape != other.shape {
		return false
	}
	a, b := t.Span(), other.Span()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ContentEquals reports whether t and other have the same shape and every pair of
// elements agrees within absEpsilon or within relEpsilon of the larger magnitude.
func (t *Tensor) ContentEquals(other *Tensor, absEpsilon, relEpsilon float32) bool {
	if t.shape != other.shape {
		return false
	}
	a, b := t.Span(), other.Span()
	for i := range a {
		if !closeEnough(a[i], b[i], absEpsilon, relEpsilon) {
			return false
		}
	}
	return true
}

func closeEnough(a, b, absEpsilon, relEpsilon float32) bool {
	if a == b {
		return true
	}
	if math32.IsNaN(a) || math32.IsNaN(b) {
		return false
	}
	diff := math32.Abs(a - b)
	if diff <= absEpsilon {
		return true
	}
	return diff <= relEpsilon*math32.Max(math32.Abs(a), math32.Abs(b))
}

// MaxAbsDiff returns the largest elementwise absolute difference between a and b.
func MaxAbsDiff(a, b *Tensor) (float32, error) {
	if a.shape != b.shape {
		return 0, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.shape, b.shape)
	}
	var worst float32
	x, y := a.Span(), b.Span()
	for i := range x {
		if d := math32.Abs(x[i] - y[i]); d > worst || math32.IsNaN(d) {
			worst = d
		}
	}
	return worst, nil
}
