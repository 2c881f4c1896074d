package dnn

import (
	"github.com/23skdu/longbow-cortex/internal/parallel"
	"github.com/23skdu/longbow-cortex/internal/simd"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// Valid-mode convolution kernels. Inputs are (N, C, H, W), kernels (K, C, kH, kW),
// biases (1, K, 1, 1) and outputs (N, K, H-kH+1, W-kW+1). The kernel is read in
// reversed order inside each window, so the forward pass is a true convolution.

// CheckConvolutionForward validates the operands of ConvolutionForward.
func CheckConvolutionForward(x, w, b, y *tensor.Tensor) error {
	const op = "convolution forward"
	xs, ws := x.Shape(), w.Shape()
	if xs.C != ws.C {
		return mismatch(op, "input %v has %d channels, kernels %v expect %d", xs, xs.C, ws, ws.C)
	}
	if ws.H > xs.H || ws.W > xs.W {
		return mismatch(op, "kernels %v larger than input %v", ws, xs)
	}
	if bs := b.Shape(); bs.N != 1 || bs.CHW() != ws.N {
		return mismatch(op, "bias %v, expected one value per kernel (%d)", bs, ws.N)
	}
	if err := expectShape(op, "output", y, tensor.Shape{N: xs.N, C: ws.N, H: xs.H - ws.H + 1, W: xs.W - ws.W + 1}); err != nil {
		return err
	}
	if y.SharesStorage(x) || y.SharesStorage(w) {
		return mismatch(op, "output aliases an input")
	}
	return nil
}

// ConvolutionForward computes the valid convolution of x with every kernel in w
// and adds the matching bias. Work is split over (sample, kernel) pairs.
func ConvolutionForward(x, w, b, y *tensor.Tensor) error {
	if err := CheckConvolutionForward(x, w, b, y); err != nil {
		return err
	}
	xs, ws, ys := x.Shape(), w.Shape(), y.Shape()
	xd, wd, bd, yd := x.Span(), w.Span(), b.Span(), y.Span()
	kH, kW := ws.H, ws.W
	return parallel.ForBatch(xs.N, ws.N, func(i, k int) {
		out := yd[(i*ys.C+k)*ys.HW() : (i*ys.C+k+1)*ys.HW()]
		for r := 0; r < ys.H; r++ {
			xEnd := r + kH - 1
			for c := 0; c < ys.W; c++ {
				highY := c + kW - 1
				var sum float32
				for z := 0; z < xs.C; z++ {
					plane := xd[(i*xs.C+z)*xs.HW():]
					kernel := wd[(k*ws.C+z)*ws.HW():]
					for a := r; a <= xEnd; a++ {
						row := plane[a*xs.W:]
						krow := kernel[(xEnd-a)*kW:]
						for col := c; col <= highY; col++ {
							sum += row[col] * krow[highY-col]
						}
					}
				}
				out[r*ys.W+c] = sum + bd[k]
			}
		}
	})
}

// CheckConvolutionBackwardData validates the operands of ConvolutionBackwardData.
func CheckConvolutionBackwardData(dy, w, dx *tensor.Tensor) error {
	const op = "convolution backward data"
	dys, ws := dy.Shape(), w.Shape()
	if dys.C != ws.N {
		return mismatch(op, "gradient %v has %d channels, expected one per kernel (%d)", dys, dys.C, ws.N)
	}
	if err := expectShape(op, "input gradient", dx, tensor.Shape{N: dys.N, C: ws.C, H: dys.H + ws.H - 1, W: dys.W + ws.W - 1}); err != nil {
		return err
	}
	if dx.SharesStorage(dy) || dx.SharesStorage(w) {
		return mismatch(op, "input gradient aliases an input")
	}
	return nil
}

// ConvolutionBackwardData computes the full convolution of dy with the
// 180°-rotated kernels, producing the gradient with respect to the input.
func ConvolutionBackwardData(dy, w, dx *tensor.Tensor) error {
	if err := CheckConvolutionBackwardData(dy, w, dx); err != nil {
		return err
	}
	rot, err := scratch(w.Shape(), false)
	if err != nil {
		return err
	}
	defer rot.Dispose()
	if err := Rotate180(w, rot); err != nil {
		return err
	}

	dys, ws, dxs := dy.Shape(), w.Shape(), dx.Shape()
	dyd, rd, dxd := dy.Span(), rot.Span(), dx.Span()
	kH, kW := ws.H, ws.W
	return parallel.ForBatch(dxs.N, dxs.C, func(i, z int) {
		out := dxd[(i*dxs.C+z)*dxs.HW() : (i*dxs.C+z+1)*dxs.HW()]
		for r := 0; r < dxs.H; r++ {
			lowX, highX := max(0, r-kH+1), min(dys.H-1, r)
			for c := 0; c < dxs.W; c++ {
				lowY, highY := max(0, c-kW+1), min(dys.W-1, c)
				var sum float32
				for k := 0; k < ws.N; k++ {
					grad := dyd[(i*dys.C+k)*dys.HW():]
					kernel := rd[(k*ws.C+z)*ws.HW():]
					for a := lowX; a <= highX; a++ {
						row := grad[a*dys.W:]
						krow := kernel[(r-a)*kW:]
						for b := lowY; b <= highY; b++ {
							sum += row[b] * krow[c-b]
						}
					}
				}
				out[r*dxs.W+c] = sum
			}
		}
	})
}

// CheckConvolutionBackwardFilter validates the operands of ConvolutionBackwardFilter.
func CheckConvolutionBackwardFilter(x, dy, dw *tensor.Tensor) error {
	const op = "convolution backward filter"
	xs, dys := x.Shape(), dy.Shape()
	if xs.N != dys.N {
		return mismatch(op, "input %v and gradient %v have different batch sizes", xs, dys)
	}
	if dys.H > xs.H || dys.W > xs.W {
		return mismatch(op, "gradient %v larger than input %v", dys, xs)
	}
	return expectShape(op, "kernel gradient", dw, tensor.Shape{N: dys.C, C: xs.C, H: xs.H - dys.H + 1, W: xs.W - dys.W + 1})
}

// ConvolutionBackwardFilter computes the kernel gradient. Each (sample, input
// channel, kernel) triple convolves the rotated input with the output gradient,
// and the per-sample slices are then summed over the batch.
func ConvolutionBackwardFilter(x, dy, dw *tensor.Tensor) error {
	if err := CheckConvolutionBackwardFilter(x, dy, dw); err != nil {
		return err
	}
	xs, dys, dws := x.Shape(), dy.Shape(), dw.Shape()
	rot, err := scratch(xs, false)
	if err != nil {
		return err
	}
	defer rot.Dispose()
	if err := Rotate180(x, rot); err != nil {
		return err
	}
	partial, err := scratch(tensor.Shape{N: xs.N, C: dws.N * dws.C, H: dws.H, W: dws.W}, false)
	if err != nil {
		return err
	}
	defer partial.Dispose()

	rd, dyd, pd := rot.Span(), dy.Span(), partial.Span()
	depth, kernels := xs.C, dys.C
	oH, oW := dys.H, dys.W
	err = parallel.For(xs.N*depth*kernels, func(idx int) {
		i := idx / (depth * kernels)
		z := idx % (depth * kernels) / kernels
		k := idx % kernels
		plane := rd[(i*depth+z)*xs.HW():]
		grad := dyd[(i*kernels+k)*dys.HW():]
		out := pd[((i*kernels+k)*depth+z)*dws.HW():]
		for p := 0; p < dws.H; p++ {
			for q := 0; q < dws.W; q++ {
				var sum float32
				for a := 0; a < oH; a++ {
					row := plane[(p+a)*xs.W+q:]
					grow := grad[(oH-1-a)*oW:]
					for b := 0; b < oW; b++ {
						sum += row[b] * grow[oW-1-b]
					}
				}
				out[p*dws.W+q] = sum
			}
		}
	})
	if err != nil {
		return err
	}
	return CompressVertically(partial, flat(dw))
}

// CheckConvolutionBackwardBias validates dy (N, K, H, W) and db (1, K, 1, 1).
func CheckConvolutionBackwardBias(dy, db *tensor.Tensor) error {
	if dbs := db.Shape(); dbs.N != 1 || dbs.CHW() != dy.Shape().C {
		return mismatch("convolution backward bias", "bias gradient %v, expected one value per channel of %v", dbs, dy.Shape())
	}
	return nil
}

// ConvolutionBackwardBias sums every (sample, channel) plane of dy and reduces
// the sums over the batch.
func ConvolutionBackwardBias(dy, db *tensor.Tensor) error {
	if err := CheckConvolutionBackwardBias(dy, db); err != nil {
		return err
	}
	dys := dy.Shape()
	partial, err := scratch(tensor.Shape{N: dys.N, C: dys.C, H: 1, W: 1}, false)
	if err != nil {
		return err
	}
	defer partial.Dispose()

	dyd, pd := dy.Span(), partial.Span()
	hw := dys.HW()
	err = parallel.For(dys.N*dys.C, func(i int) {
		pd[i] = simd.Sum(dyd[i*hw : (i+1)*hw])
	})
	if err != nil {
		return err
	}
	return CompressVertically(partial, flat(db))
}
