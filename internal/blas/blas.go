// Package blas implements the dense matrix kernels. Every tensor is viewed as an
// (N, CHW) matrix: one row per sample, one column per flattened feature.
package blas

import (
	"fmt"

	"github.com/23skdu/longbow-cortex/internal/parallel"
	"github.com/23skdu/longbow-cortex/internal/simd"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

func mismatch(op, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", tensor.ErrShapeMismatch, op, fmt.Sprintf(format, args...))
}

func aliased(op string) error {
	return fmt.Errorf("%w: %s: output aliases an input", tensor.ErrShapeMismatch, op)
}

// CheckTranspose validates the operands of Transpose.
func CheckTranspose(x, y *tensor.Tensor) error {
	xs, ys := x.Shape(), y.Shape()
	if ys.N != xs.CHW() || ys.CHW() != xs.N {
		return mismatch("transpose", "%v cannot hold the transpose of %v", ys, xs)
	}
	if x.SharesStorage(y) {
		return aliased("transpose")
	}
	return nil
}

// Transpose writes the transpose of x into y.
func Transpose(x, y *tensor.Tensor) error {
	if err := CheckTranspose(x, y); err != nil {
		return err
	}
	n, l := x.Shape().N, x.Shape().CHW()
	xd, yd := x.Span(), y.Span()
	return parallel.For(n, func(i int) {
		row := xd[i*l : (i+1)*l]
		for j, v := range row {
			yd[j*n+i] = v
		}
	})
}

// CheckMultiply validates the operands of Multiply.
func CheckMultiply(x1, x2, y *tensor.Tensor) error {
	s1, s2, sy := x1.Shape(), x2.Shape(), y.Shape()
	if s1.CHW() != s2.N {
		return mismatch("multiply", "%v x %v: inner dimensions %d and %d differ", s1, s2, s1.CHW(), s2.N)
	}
	if sy.N != s1.N || sy.CHW() != s2.CHW() {
		return mismatch("multiply", "output %v, expected %d rows and %d columns", sy, s1.N, s2.CHW())
	}
	if y.SharesStorage(x1) || y.SharesStorage(x2) {
		return aliased("multiply")
	}
	return nil
}

// Multiply computes y = x1 · x2.
func Multiply(x1, x2, y *tensor.Tensor) error {
	if err := CheckMultiply(x1, x2, y); err != nil {
		return err
	}
	l, k := x1.Shape().CHW(), x2.Shape().CHW()
	ad, bd, yd := x1.Span(), x2.Span(), y.Span()
	return parallel.For(y.Shape().N, func(i int) {
		out := yd[i*k : (i+1)*k]
		clear(out)
		row := ad[i*l : (i+1)*l]
		for j, v := range row {
			simd.VecAddScaled(out, bd[j*k:(j+1)*k], v)
		}
	})
}

func checkSameRows(op string, ts ...*tensor.Tensor) error {
	ref := ts[0].Shape()
	for _, t := range ts[1:] {
		s := t.Shape()
		if s.N != ref.N || s.CHW() != ref.CHW() {
			return mismatch(op, "%v and %v differ", ref, s)
		}
	}
	return nil
}

// MultiplyElementwise computes y = x1 ⊙ x2.
func MultiplyElementwise(x1, x2, y *tensor.Tensor) error {
	if err := checkSameRows("multiply elementwise", x1, x2, y); err != nil {
		return err
	}
	l := y.Shape().CHW()
	ad, bd, yd := x1.Span(), x2.Span(), y.Span()
	return parallel.For(y.Shape().N, func(i int) {
		lo, hi := i*l, (i+1)*l
		simd.VecMul(yd[lo:hi], ad[lo:hi], bd[lo:hi])
	})
}

// Sum accumulates x into y.
func Sum(x, y *tensor.Tensor) error {
	if err := checkSameRows("sum", x, y); err != nil {
		return err
	}
	l := y.Shape().CHW()
	xd, yd := x.Span(), y.Span()
	return parallel.For(y.Shape().N, func(i int) {
		lo, hi := i*l, (i+1)*l
		simd.VecAdd(yd[lo:hi], xd[lo:hi])
	})
}

// Subtract computes y = x1 - x2.
func Subtract(x1, x2, y *tensor.Tensor) error {
	if err := checkSameRows("subtract", x1, x2, y); err != nil {
		return err
	}
	l := y.Shape().CHW()
	ad, bd, yd := x1.Span(), x2.Span(), y.Span()
	return parallel.For(y.Shape().N, func(i int) {
		lo, hi := i*l, (i+1)*l
		simd.VecSub(yd[lo:hi], ad[lo:hi], bd[lo:hi])
	})
}
