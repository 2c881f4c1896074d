package dnn

import (
	"github.com/23skdu/longbow-cortex/internal/blas"
	"github.com/23skdu/longbow-cortex/internal/parallel"
	"github.com/23skdu/longbow-cortex/internal/simd"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// CheckFullyConnectedForward validates x (N, L), w (L, K), b (1, K) and y (N, K).
func CheckFullyConnectedForward(x, w, b, y *tensor.Tensor) error {
	xs, ws, bs, ys := x.Shape(), w.Shape(), b.Shape(), y.Shape()
	if xs.CHW() != ws.N {
		return mismatch("fully connected forward", "input %v has %d features, weights %v expect %d", xs, xs.CHW(), ws, ws.N)
	}
	if bs.N != 1 || bs.CHW() != ws.CHW() {
		return mismatch("fully connected forward", "bias %v, expected a single row of %d", bs, ws.CHW())
	}
	if ys.N != xs.N || ys.CHW() != ws.CHW() {
		return mismatch("fully connected forward", "output %v, expected %d rows of %d", ys, xs.N, ws.CHW())
	}
	if y.SharesStorage(x) || y.SharesStorage(w) || y.SharesStorage(b) {
		return mismatch("fully connected forward", "output aliases an input")
	}
	return nil
}

// FullyConnectedForward computes y = x · w + b, the bias broadcast over rows.
func FullyConnectedForward(x, w, b, y *tensor.Tensor) error {
	if err := CheckFullyConnectedForward(x, w, b, y); err != nil {
		return err
	}
	l, k := x.Shape().CHW(), w.Shape().CHW()
	xd, wd, bd, yd := x.Span(), w.Span(), b.Span(), y.Span()
	return parallel.For(x.Shape().N, func(i int) {
		out := yd[i*k : (i+1)*k]
		copy(out, bd)
		for j, v := range xd[i*l : (i+1)*l] {
			simd.VecAddScaled(out, wd[j*k:(j+1)*k], v)
		}
	})
}

// CheckFullyConnectedBackwardData validates w (L, K), dy (N, K) and dx (N, L).
func CheckFullyConnectedBackwardData(w, dy, dx *tensor.Tensor) error {
	ws, dys, dxs := w.Shape(), dy.Shape(), dx.Shape()
	if dys.CHW() != ws.CHW() {
		return mismatch("fully connected backward data", "gradient %v does not match %d outputs of weights %v", dys, ws.CHW(), ws)
	}
	if dxs.N != dys.N || dxs.CHW() != ws.N {
		return mismatch("fully connected backward data", "input gradient %v, expected %d rows of %d", dxs, dys.N, ws.N)
	}
	return nil
}

// FullyConnectedBackwardData computes dx = dy · wᵀ. Row j of w is the fan-out
// of input j, so each dx row is w applied to the matching dy row.
func FullyConnectedBackwardData(w, dy, dx *tensor.Tensor) error {
	if err := CheckFullyConnectedBackwardData(w, dy, dx); err != nil {
		return err
	}
	l, k := w.Shape().N, w.Shape().CHW()
	wd, dyd, dxd := w.Span(), dy.Span(), dx.Span()
	return parallel.For(dy.Shape().N, func(i int) {
		simd.MatVecMul(dxd[i*l:(i+1)*l], wd, dyd[i*k:(i+1)*k], l, k)
	})
}

// CheckFullyConnectedBackwardFilter validates x (N, L), dy (N, K) and dw (L, K).
func CheckFullyConnectedBackwardFilter(x, dy, dw *tensor.Tensor) error {
	xs, dys, dws := x.Shape(), dy.Shape(), dw.Shape()
	if xs.N != dys.N {
		return mismatch("fully connected backward filter", "input %v and gradient %v have different batch sizes", xs, dys)
	}
	if dws.N != xs.CHW() || dws.CHW() != dys.CHW() {
		return mismatch("fully connected backward filter", "weight gradient %v, expected %d rows of %d", dws, xs.CHW(), dys.CHW())
	}
	return nil
}

// FullyConnectedBackwardFilter computes dw = xᵀ · dy.
func FullyConnectedBackwardFilter(x, dy, dw *tensor.Tensor) error {
	if err := CheckFullyConnectedBackwardFilter(x, dy, dw); err != nil {
		return err
	}
	xs := x.Shape()
	xt, err := scratch(tensor.Matrix(xs.CHW(), xs.N), false)
	if err != nil {
		return err
	}
	defer xt.Dispose()
	if err := blas.Transpose(x, xt); err != nil {
		return err
	}
	return blas.Multiply(xt, dy, dw)
}

// CheckFullyConnectedBackwardBias validates dy (N, K) and db (1, K).
func CheckFullyConnectedBackwardBias(dy, db *tensor.Tensor) error {
	dys, dbs := dy.Shape(), db.Shape()
	if dbs.N != 1 || dbs.CHW() != dys.CHW() {
		return mismatch("fully connected backward bias", "bias gradient %v, expected a single row of %d", dbs, dys.CHW())
	}
	return nil
}

// FullyConnectedBackwardBias sums the columns of dy into db.
func FullyConnectedBackwardBias(dy, db *tensor.Tensor) error {
	if err := CheckFullyConnectedBackwardBias(dy, db); err != nil {
		return err
	}
	n, k := dy.Shape().N, dy.Shape().CHW()
	dyd, dbd := dy.Span(), db.Span()
	return parallel.For(k, func(j int) {
		var sum float32
		for i := 0; i < n; i++ {
			sum += dyd[i*k+j]
		}
		dbd[j] = sum
	})
}
