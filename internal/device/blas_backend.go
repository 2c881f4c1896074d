package device

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	linalg "github.com/23skdu/longbow-cortex/internal/blas"
	"github.com/23skdu/longbow-cortex/internal/dnn"
	"github.com/23skdu/longbow-cortex/internal/parallel"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// ensure interface compliance
var _ Backend = (*BLASBackend)(nil)

// blasImplementation names the registered blas32 implementation. It is the
// pure Go gonum one unless blas_cgo.go registers netlib.
var blasImplementation = "gonum"

// BLASBackend is the accelerated mirror of CPUBackend. Matrix products,
// fully-connected layers and convolutions are lowered to blas32 Gemm/Gemv
// calls (convolutions via im2col/col2im). Pooling, batch normalization and
// softmax run their own gather/Dot/Axpy/Scal paths (blas_pool.go,
// blas_norm.go). Transposition, element-wise activations, depth
// concatenation and dropout are inherited from the reference implementation.
// Results agree with CPUBackend up to float32 summation order.
type BLASBackend struct {
	*CPUBackend
}

func NewBLASBackend() *BLASBackend {
	return &BLASBackend{CPUBackend: &CPUBackend{name: "blas"}}
}

// Implementation reports which BLAS library backs blas32.
func (b *BLASBackend) Implementation() string {
	return blasImplementation
}

// run validates with check, then times body. A panic inside the BLAS library
// is reported as parallel.ErrTaskFailed.
func (b *BLASBackend) run(kernel string, check func() error, body func() error) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", parallel.ErrTaskFailed, kernel, r)
		}
		err = b.record(kernel, start, err)
	}()
	if err := check(); err != nil {
		return err
	}
	return body()
}

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// rows views t as an (N, CHW) matrix.
func rows(t *tensor.Tensor) blas32.General {
	s := t.Shape()
	return general(t.Span(), s.N, s.CHW())
}

func ones(n int) blas32.Vector {
	v := blas32.Vector{N: n, Inc: 1, Data: make([]float32, n)}
	for i := range v.Data {
		v.Data[i] = 1
	}
	return v
}

func (b *BLASBackend) Multiply(x1, x2, y *tensor.Tensor) error {
	return b.run("multiply",
		func() error { return linalg.CheckMultiply(x1, x2, y) },
		func() error {
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, rows(x1), rows(x2), 0, rows(y))
			return nil
		})
}

func (b *BLASBackend) FullyConnectedForward(x, w, bias, y *tensor.Tensor) error {
	return b.run("fc_forward",
		func() error { return dnn.CheckFullyConnectedForward(x, w, bias, y) },
		func() error {
			k := y.Shape().CHW()
			yd, bd := y.Span(), bias.Span()
			for i := 0; i < y.Shape().N; i++ {
				copy(yd[i*k:(i+1)*k], bd)
			}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, rows(x), rows(w), 1, rows(y))
			return nil
		})
}

func (b *BLASBackend) FullyConnectedBackwardData(w, dy, dx *tensor.Tensor) error {
	return b.run("fc_backward_data",
		func() error { return dnn.CheckFullyConnectedBackwardData(w, dy, dx) },
		func() error {
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, rows(dy), rows(w), 0, rows(dx))
			return nil
		})
}

func (b *BLASBackend) FullyConnectedBackwardFilter(x, dy, dw *tensor.Tensor) error {
	return b.run("fc_backward_filter",
		func() error { return dnn.CheckFullyConnectedBackwardFilter(x, dy, dw) },
		func() error {
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, rows(x), rows(dy), 0, rows(dw))
			return nil
		})
}

func (b *BLASBackend) FullyConnectedBackwardBias(dy, db *tensor.Tensor) error {
	return b.run("fc_backward_bias",
		func() error { return dnn.CheckFullyConnectedBackwardBias(dy, db) },
		func() error {
			out := blas32.Vector{N: db.Shape().NCHW(), Inc: 1, Data: db.Span()}
			blas32.Gemv(blas.Trans, 1, rows(dy), ones(dy.Shape().N), 0, out)
			return nil
		})
}

// kernelMatrix returns w as a (K, C·kH·kW) matrix in cross-correlation order,
// rotating it first in convolution mode. release frees any scratch.
func kernelMatrix(info dnn.ConvolutionInfo, w *tensor.Tensor) (m blas32.General, release func(), err error) {
	ws := w.Shape()
	if info.Mode == dnn.ConvolutionModeCrossCorrelation {
		return general(w.Span(), ws.N, ws.CHW()), func() {}, nil
	}
	rot, err := tensor.New(ws, false)
	if err != nil {
		return blas32.General{}, nil, err
	}
	if err := dnn.Rotate180(w, rot); err != nil {
		rot.Dispose()
		return blas32.General{}, nil, err
	}
	return general(rot.Span(), ws.N, ws.CHW()), rot.Dispose, nil
}

func (b *BLASBackend) ConvolutionForward(info dnn.ConvolutionInfo, x, w, bias, y *tensor.Tensor) error {
	return b.run("conv_forward",
		func() error { return info.CheckForward(x, w, bias, y) },
		func() error {
			kern, release, err := kernelMatrix(info, w)
			if err != nil {
				return err
			}
			defer release()

			g := newConvGeometry(info, x.Shape(), w.Shape(), y.Shape())
			k, pixels := w.Shape().N, g.pixels()
			bd := bias.Span()
			pool := tensor.DefaultPool()
			return parallel.For(x.Shape().N, func(n int) {
				col := pool.Get(g.patch()*pixels, false)
				defer pool.Put(col)
				g.im2col(x.Sample(n), col)

				out := y.Sample(n)
				for o := 0; o < k; o++ {
					plane := out[o*pixels : (o+1)*pixels]
					for j := range plane {
						plane[j] = bd[o]
					}
				}
				blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, kern, general(col, g.patch(), pixels), 1, general(out, k, pixels))
			})
		})
}

func (b *BLASBackend) ConvolutionBackwardData(info dnn.ConvolutionInfo, dy, w, dx *tensor.Tensor) error {
	return b.run("conv_backward_data",
		func() error { return info.CheckBackwardData(dy, w, dx) },
		func() error {
			kern, release, err := kernelMatrix(info, w)
			if err != nil {
				return err
			}
			defer release()

			g := newConvGeometry(info, dx.Shape(), w.Shape(), dy.Shape())
			k, pixels := w.Shape().N, g.pixels()
			pool := tensor.DefaultPool()
			return parallel.For(dy.Shape().N, func(n int) {
				col := pool.Get(g.patch()*pixels, false)
				defer pool.Put(col)
				blas32.Gemm(blas.Trans, blas.NoTrans, 1, kern, general(dy.Sample(n), k, pixels), 0, general(col, g.patch(), pixels))
				g.col2im(col, dx.Sample(n))
			})
		})
}

func (b *BLASBackend) ConvolutionBackwardFilter(info dnn.ConvolutionInfo, x, dy, dw *tensor.Tensor) error {
	return b.run("conv_backward_filter",
		func() error { return info.CheckBackwardFilter(x, dy, dw) },
		func() error {
			g := newConvGeometry(info, x.Shape(), dw.Shape(), dy.Shape())
			k, pixels := dw.Shape().N, g.pixels()

			// The gradient of the cross-correlation kernel matrix; in
			// convolution mode it is rotated into dw at the end.
			grad := dw
			if info.Mode != dnn.ConvolutionModeCrossCorrelation {
				tmp, err := tensor.New(dw.Shape(), false)
				if err != nil {
					return err
				}
				defer tmp.Dispose()
				grad = tmp
			}
			gm := general(grad.Span(), k, g.patch())

			col := tensor.DefaultPool().Get(g.patch()*pixels, false)
			defer tensor.DefaultPool().Put(col)
			for n := 0; n < x.Shape().N; n++ {
				g.im2col(x.Sample(n), col)
				var beta float32
				if n > 0 {
					beta = 1
				}
				blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(dy.Sample(n), k, pixels), general(col, g.patch(), pixels), beta, gm)
			}
			if grad != dw {
				return dnn.Rotate180(grad, dw)
			}
			return nil
		})
}

func (b *BLASBackend) ConvolutionBackwardBias(dy, db *tensor.Tensor) error {
	return b.run("conv_backward_bias",
		func() error { return dnn.CheckConvolutionBackwardBias(dy, db) },
		func() error {
			s := dy.Shape()
			sums := blas32.Vector{N: s.N * s.C, Inc: 1, Data: make([]float32, s.N*s.C)}
			blas32.Gemv(blas.NoTrans, 1, general(dy.Span(), s.N*s.C, s.HW()), ones(s.HW()), 0, sums)
			out := blas32.Vector{N: s.C, Inc: 1, Data: db.Span()}
			blas32.Gemv(blas.Trans, 1, general(sums.Data, s.N, s.C), ones(s.N), 0, out)
			return nil
		})
}
