package device

import (
	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-cortex/internal/dnn"
	"github.com/23skdu/longbow-cortex/internal/parallel"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

func vec(d []float32) blas32.Vector {
	return blas32.Vector{N: len(d), Inc: 1, Data: d}
}

// bnLayout is the reduction layout of a normalization mode: groups sets of
// n·inner elements, where the run of group k in sample i starts at
// i*stride + k*inner.
type bnLayout struct {
	n, stride, inner, groups int
}

func newBNLayout(mode dnn.NormalizationMode, s tensor.Shape) bnLayout {
	if mode == dnn.NormalizationModeSpatial {
		return bnLayout{n: s.N, stride: s.CHW(), inner: s.HW(), groups: s.C}
	}
	return bnLayout{n: s.N, stride: s.CHW(), inner: 1, groups: s.CHW()}
}

func (l bnLayout) count() int { return l.n * l.inner }

// gather copies group k of src into the contiguous dst.
func (l bnLayout) gather(k int, src, dst []float32) {
	if l.inner == 1 {
		blas32.Copy(blas32.Vector{N: l.n, Inc: l.stride, Data: src[k:]}, vec(dst[:l.n]))
		return
	}
	for i := 0; i < l.n; i++ {
		base := i*l.stride + k*l.inner
		blas32.Copy(vec(src[base:base+l.inner]), vec(dst[i*l.inner:(i+1)*l.inner]))
	}
}

// scatter is the inverse of gather.
func (l bnLayout) scatter(k int, src, dst []float32) {
	if l.inner == 1 {
		blas32.Copy(vec(src[:l.n]), blas32.Vector{N: l.n, Inc: l.stride, Data: dst[k:]})
		return
	}
	for i := 0; i < l.n; i++ {
		base := i*l.stride + k*l.inner
		blas32.Copy(vec(src[i*l.inner:(i+1)*l.inner]), vec(dst[base:base+l.inner]))
	}
}

// forGroups runs f for every group with scratch buffers of one group each.
func (l bnLayout) forGroups(buffers int, f func(k int, bufs [][]float32)) error {
	pool := tensor.DefaultPool()
	return parallel.For(l.groups, func(k int) {
		bufs := make([][]float32, buffers)
		for i := range bufs {
			bufs[i] = pool.Get(l.count(), false)
			defer pool.Put(bufs[i])
		}
		f(k, bufs)
	})
}

func invStd(variance float32) float32 {
	return 1 / math32.Sqrt(variance+dnn.Epsilon)
}

// affine rewrites the centered group in buf as buf*scale + shift.
func affine(buf, one []float32, scale, shift float32) {
	blas32.Scal(scale, vec(buf))
	blas32.Axpy(shift, vec(one), vec(buf))
}

// BatchNormalizationForward gathers each group, reduces it with float64 dot
// products and normalizes it in place with Axpy/Scal before scattering it
// into y.
func (b *BLASBackend) BatchNormalizationForward(mode dnn.NormalizationMode, x, gamma, beta *tensor.Tensor, factor float32,
	runningMean, runningVariance, batchMean, batchVariance, y *tensor.Tensor) error {
	return b.run("bn_forward",
		func() error {
			return dnn.CheckBatchNormalizationForward(mode, x, gamma, beta, factor,
				runningMean, runningVariance, batchMean, batchVariance, y)
		},
		func() error {
			l := newBNLayout(mode, x.Shape())
			one := ones(l.count()).Data
			count := float64(l.count())
			xd, yd := x.Span(), y.Span()
			gd, bd := gamma.Span(), beta.Span()
			rm, rv, bm, bv := runningMean.Span(), runningVariance.Span(), batchMean.Span(), batchVariance.Span()
			return l.forGroups(1, func(k int, bufs [][]float32) {
				buf := bufs[0]
				l.gather(k, xd, buf)
				bm[k] = float32(blas32.DDot(vec(buf), vec(one)) / count)
				blas32.Axpy(-bm[k], vec(one), vec(buf))
				bv[k] = float32(blas32.DDot(vec(buf), vec(buf)) / count)
				rm[k] = bm[k]*factor + rm[k]*(1-factor)
				rv[k] = bv[k]*factor + rv[k]*(1-factor)

				affine(buf, one, gd[k]*invStd(bv[k]), bd[k])
				l.scatter(k, buf, yd)
			})
		})
}

func (b *BLASBackend) BatchNormalizationForwardInference(mode dnn.NormalizationMode, x, gamma, beta, runningMean, runningVariance, y *tensor.Tensor) error {
	return b.run("bn_forward_inference",
		func() error {
			return dnn.CheckBatchNormalizationForwardInference(mode, x, gamma, beta, runningMean, runningVariance, y)
		},
		func() error {
			l := newBNLayout(mode, x.Shape())
			one := ones(l.count()).Data
			xd, yd := x.Span(), y.Span()
			gd, bd, rm, rv := gamma.Span(), beta.Span(), runningMean.Span(), runningVariance.Span()
			return l.forGroups(1, func(k int, bufs [][]float32) {
				buf := bufs[0]
				l.gather(k, xd, buf)
				blas32.Axpy(-rm[k], vec(one), vec(buf))
				affine(buf, one, gd[k]*invStd(rv[k]), bd[k])
				l.scatter(k, buf, yd)
			})
		})
}

// BatchNormalizationBackwardData builds dx in the gathered dy buffer:
// count·dy, minus Σdy, minus (x−mean)·Σdy(x−mean)/(var+ε), then scaled by
// gamma/√(var+ε)/count.
func (b *BLASBackend) BatchNormalizationBackwardData(mode dnn.NormalizationMode, x, mean, variance, gamma, dy, dx *tensor.Tensor) error {
	return b.run("bn_backward_data",
		func() error { return dnn.CheckBatchNormalizationBackwardData(mode, x, mean, variance, gamma, dy, dx) },
		func() error {
			l := newBNLayout(mode, x.Shape())
			one := ones(l.count()).Data
			count := float32(l.count())
			xd, dyd, dxd := x.Span(), dy.Span(), dx.Span()
			md, vd, gd := mean.Span(), variance.Span(), gamma.Span()
			return l.forGroups(2, func(k int, bufs [][]float32) {
				xmu, grad := bufs[0], bufs[1]
				l.gather(k, xd, xmu)
				l.gather(k, dyd, grad)
				blas32.Axpy(-md[k], vec(one), vec(xmu))
				sumDy := float32(blas32.DDot(vec(grad), vec(one)))
				sumDyXmu := float32(blas32.DDot(vec(grad), vec(xmu)))
				inv := invStd(vd[k])

				blas32.Scal(count, vec(grad))
				blas32.Axpy(-sumDy, vec(one), vec(grad))
				blas32.Axpy(-inv*inv*sumDyXmu, vec(xmu), vec(grad))
				blas32.Scal(gd[k]*inv/count, vec(grad))
				l.scatter(k, grad, dxd)
			})
		})
}

func (b *BLASBackend) BatchNormalizationBackwardGamma(mode dnn.NormalizationMode, x, mean, variance, dy, dgamma *tensor.Tensor) error {
	return b.run("bn_backward_gamma",
		func() error { return dnn.CheckBatchNormalizationBackwardGamma(mode, x, mean, variance, dy, dgamma) },
		func() error {
			l := newBNLayout(mode, x.Shape())
			one := ones(l.count()).Data
			xd, dyd := x.Span(), dy.Span()
			md, vd, out := mean.Span(), variance.Span(), dgamma.Span()
			return l.forGroups(2, func(k int, bufs [][]float32) {
				xmu, grad := bufs[0], bufs[1]
				l.gather(k, xd, xmu)
				l.gather(k, dyd, grad)
				blas32.Axpy(-md[k], vec(one), vec(xmu))
				out[k] = float32(blas32.DDot(vec(grad), vec(xmu))) * invStd(vd[k])
			})
		})
}

// BatchNormalizationBackwardBeta sums dy per group. Per-activation groups
// are the columns of the (N, CHW) view, summed with one Gemv.
func (b *BLASBackend) BatchNormalizationBackwardBeta(mode dnn.NormalizationMode, dy, dbeta *tensor.Tensor) error {
	return b.run("bn_backward_beta",
		func() error { return dnn.CheckBatchNormalizationBackwardBeta(mode, dy, dbeta) },
		func() error {
			if mode == dnn.NormalizationModePerActivation {
				blas32.Gemv(blas.Trans, 1, rows(dy), ones(dy.Shape().N), 0, vec(dbeta.Span()))
				return nil
			}
			l := newBNLayout(mode, dy.Shape())
			one := ones(l.count()).Data
			dyd, out := dy.Span(), dbeta.Span()
			return l.forGroups(1, func(k int, bufs [][]float32) {
				l.gather(k, dyd, bufs[0])
				out[k] = float32(blas32.DDot(vec(bufs[0]), vec(one)))
			})
		})
}

// SoftmaxForward shifts each row by its maximum, exponentiates, and scales
// by the reciprocal of the row's Asum (every term is positive).
func (b *BLASBackend) SoftmaxForward(x, y *tensor.Tensor) error {
	return b.run("softmax_forward",
		func() error { return dnn.CheckSoftmaxForward(x, y) },
		func() error {
			n, l := x.Shape().N, x.Shape().CHW()
			xd, yd := x.Span(), y.Span()
			return parallel.For(n, func(i int) {
				row, out := xd[i*l:(i+1)*l], yd[i*l:(i+1)*l]
				peak := row[0]
				for _, v := range row[1:] {
					if v > peak {
						peak = v
					}
				}
				for j, v := range row {
					out[j] = math32.Exp(v - peak)
				}
				blas32.Scal(1/blas32.Asum(vec(out)), vec(out))
			})
		})
}
