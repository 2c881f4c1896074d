package dnn

import (
	"github.com/23skdu/longbow-cortex/internal/parallel"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// Rotate180 writes every H×W plane of x, rotated by 180°, into y.
// x and y may be the same tensor.
func Rotate180(x, y *tensor.Tensor) error {
	if x.Shape() != y.Shape() {
		return mismatch("rotate180", "%v and %v differ", x.Shape(), y.Shape())
	}
	s := x.Shape()
	hw := s.HW()
	xd, yd := x.Span(), y.Span()
	return parallel.For(s.N*s.C, func(p int) {
		src, dst := xd[p*hw:(p+1)*hw], yd[p*hw:(p+1)*hw]
		lo, hi := 0, hw-1
		for ; lo < hi; lo, hi = lo+1, hi-1 {
			a, b := src[lo], src[hi]
			dst[lo], dst[hi] = b, a
		}
		if lo == hi {
			dst[lo] = src[lo]
		}
	})
}

// CompressVertically sums the N rows of x into the single row y.
func CompressVertically(x, y *tensor.Tensor) error {
	xs, ys := x.Shape(), y.Shape()
	if ys.N != 1 || ys.CHW() != xs.CHW() {
		return mismatch("compress vertically", "output %v, expected a single row of %d", ys, xs.CHW())
	}
	n, l := xs.N, xs.CHW()
	xd, yd := x.Span(), y.Span()
	return parallel.For(l, func(j int) {
		var sum float32
		for i := 0; i < n; i++ {
			sum += xd[i*l+j]
		}
		yd[j] = sum
	})
}

// Pad copies x into the centre of y, surrounded by vPad zero rows and hPad zero
// columns on each side.
func Pad(x, y *tensor.Tensor, vPad, hPad int) error {
	const op = "pad"
	if vPad < 0 || hPad < 0 {
		return invalid(op, "negative padding (%d, %d)", vPad, hPad)
	}
	xs := x.Shape()
	if err := expectShape(op, "output", y, tensor.Shape{N: xs.N, C: xs.C, H: xs.H + 2*vPad, W: xs.W + 2*hPad}); err != nil {
		return err
	}
	ys := y.Shape()
	xd, yd := x.Span(), y.Span()
	return parallel.For(xs.N*xs.C, func(p int) {
		src, dst := xd[p*xs.HW():(p+1)*xs.HW()], yd[p*ys.HW():(p+1)*ys.HW()]
		clear(dst[:vPad*ys.W])
		for r := 0; r < xs.H; r++ {
			row := dst[(r+vPad)*ys.W : (r+vPad+1)*ys.W]
			clear(row[:hPad])
			copy(row[hPad:], src[r*xs.W:(r+1)*xs.W])
			clear(row[hPad+xs.W:])
		}
		clear(dst[(xs.H+vPad)*ys.W:])
	})
}

// Crop is the inverse of Pad: it drops vPad rows and hPad columns from each side.
func Crop(x, y *tensor.Tensor, vPad, hPad int) error {
	const op = "crop"
	if vPad < 0 || hPad < 0 {
		return invalid(op, "negative padding (%d, %d)", vPad, hPad)
	}
	xs := x.Shape()
	if err := expectShape(op, "output", y, tensor.Shape{N: xs.N, C: xs.C, H: xs.H - 2*vPad, W: xs.W - 2*hPad}); err != nil {
		return err
	}
	ys := y.Shape()
	xd, yd := x.Span(), y.Span()
	return parallel.For(xs.N*xs.C, func(p int) {
		src, dst := xd[p*xs.HW():], yd[p*ys.HW():]
		for r := 0; r < ys.H; r++ {
			copy(dst[r*ys.W:(r+1)*ys.W], src[(r+vPad)*xs.W+hPad:])
		}
	})
}

func checkStrided(op string, dense, sparse tensor.Shape, vStride, hStride int) error {
	if vStride < 1 || hStride < 1 {
		return invalid(op, "stride (%d, %d) must be >= 1", vStride, hStride)
	}
	if dense.N != sparse.N || dense.C != sparse.C ||
		(dense.H-1)/vStride+1 != sparse.H || (dense.W-1)/hStride+1 != sparse.W {
		return mismatch(op, "%v does not sample %v with stride (%d, %d)", sparse, dense, vStride, hStride)
	}
	return nil
}

// Subsample keeps every vStride-th row and hStride-th column of x, starting at
// the top-left element.
func Subsample(x, y *tensor.Tensor, vStride, hStride int) error {
	if err := checkStrided("subsample", x.Shape(), y.Shape(), vStride, hStride); err != nil {
		return err
	}
	xs, ys := x.Shape(), y.Shape()
	xd, yd := x.Span(), y.Span()
	return parallel.For(xs.N*xs.C, func(p int) {
		src, dst := xd[p*xs.HW():], yd[p*ys.HW():]
		for r := 0; r < ys.H; r++ {
			for c := 0; c < ys.W; c++ {
				dst[r*ys.W+c] = src[r*vStride*xs.W+c*hStride]
			}
		}
	})
}

// Dilate is the adjoint of Subsample: x is scattered onto a zeroed y at every
// vStride-th row and hStride-th column.
func Dilate(x, y *tensor.Tensor, vStride, hStride int) error {
	if err := checkStrided("dilate", y.Shape(), x.Shape(), vStride, hStride); err != nil {
		return err
	}
	xs, ys := x.Shape(), y.Shape()
	xd, yd := x.Span(), y.Span()
	return parallel.For(xs.N*xs.C, func(p int) {
		src, dst := xd[p*xs.HW():(p+1)*xs.HW()], yd[p*ys.HW():(p+1)*ys.HW()]
		clear(dst)
		for r := 0; r < xs.H; r++ {
			for c := 0; c < xs.W; c++ {
				dst[r*vStride*ys.W+c*hStride] = src[r*xs.W+c]
			}
		}
	})
}
