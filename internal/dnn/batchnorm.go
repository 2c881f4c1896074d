package dnn

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-cortex/internal/parallel"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// NormalizationMode selects how batch-normalization statistics are grouped.
type NormalizationMode int

const (
	// NormalizationModeSpatial keeps one set of statistics per channel,
	// pooled over N·H·W elements. Parameters are (1, C, 1, 1).
	NormalizationModeSpatial NormalizationMode = iota
	// NormalizationModePerActivation keeps one set per feature, pooled over
	// the N samples. Parameters are (1, C, H, W).
	NormalizationModePerActivation
)

// Epsilon is added to the variance before taking its square root.
const Epsilon = 1e-5

func (m NormalizationMode) String() string {
	switch m {
	case NormalizationModeSpatial:
		return "spatial"
	case NormalizationModePerActivation:
		return "per_activation"
	default:
		return fmt.Sprintf("NormalizationMode(%d)", int(m))
	}
}

// ParameterShape returns the shape of gamma, beta and the statistics for input.
func (m NormalizationMode) ParameterShape(input tensor.Shape) tensor.Shape {
	if m == NormalizationModeSpatial {
		return tensor.Shape{N: 1, C: input.C, H: 1, W: 1}
	}
	return input.WithN(1)
}

// groups describes the reduction layout: groups independent sets of count
// elements, where group g of sample n starts at n*stride + g*inner.
type groups struct {
	n, stride, inner, groups int
}

// newGroups assumes m has passed checkMode.
func newGroups(m NormalizationMode, s tensor.Shape) groups {
	if m == NormalizationModeSpatial {
		return groups{n: s.N, stride: s.CHW(), inner: s.HW(), groups: s.C}
	}
	return groups{n: s.N, stride: s.CHW(), inner: 1, groups: s.CHW()}
}

func checkMode(op string, m NormalizationMode) error {
	if m != NormalizationModeSpatial && m != NormalizationModePerActivation {
		return invalid(op, "unknown normalization mode %v", m)
	}
	return nil
}

func (g groups) count() int { return g.n * g.inner }

// each calls f with the index of every element in group k, sample by sample.
func (g groups) each(k int, f func(idx int)) {
	for i := 0; i < g.n; i++ {
		base := i*g.stride + k*g.inner
		for j := base; j < base+g.inner; j++ {
			f(j)
		}
	}
}

func checkParams(op string, m NormalizationMode, x *tensor.Tensor, names []string, params ...*tensor.Tensor) error {
	if err := checkMode(op, m); err != nil {
		return err
	}
	want := m.ParameterShape(x.Shape())
	for i, p := range params {
		if err := expectShape(op, names[i], p, want); err != nil {
			return err
		}
	}
	return nil
}

func invStd(variance float32) float64 {
	return 1 / math.Sqrt(float64(variance)+Epsilon)
}

// CheckBatchNormalizationForward validates the arguments of
// BatchNormalizationForward.
func CheckBatchNormalizationForward(mode NormalizationMode, x, gamma, beta *tensor.Tensor, factor float32,
	runningMean, runningVariance, batchMean, batchVariance, y *tensor.Tensor) error {
	const op = "batch normalization forward"
	if factor < 0 || factor > 1 {
		return invalid(op, "factor %v outside [0, 1]", factor)
	}
	if err := checkParams(op, mode, x,
		[]string{"gamma", "beta", "running mean", "running variance", "batch mean", "batch variance"},
		gamma, beta, runningMean, runningVariance, batchMean, batchVariance); err != nil {
		return err
	}
	return expectShape(op, "output", y, x.Shape())
}

// BatchNormalizationForward normalizes x with the statistics of the batch
// itself, writes those statistics to batchMean and batchVariance, and blends
// them into the running estimates: running = batch*factor + running*(1-factor).
// Variances are biased (divided by the element count).
func BatchNormalizationForward(mode NormalizationMode, x, gamma, beta *tensor.Tensor, factor float32,
	runningMean, runningVariance, batchMean, batchVariance, y *tensor.Tensor) error {
	if err := CheckBatchNormalizationForward(mode, x, gamma, beta, factor,
		runningMean, runningVariance, batchMean, batchVariance, y); err != nil {
		return err
	}

	g := newGroups(mode, x.Shape())
	xd, yd := x.Span(), y.Span()
	gd, bd := gamma.Span(), beta.Span()
	rm, rv, bm, bv := runningMean.Span(), runningVariance.Span(), batchMean.Span(), batchVariance.Span()
	count := float64(g.count())
	return parallel.For(g.groups, func(k int) {
		var sum float64
		g.each(k, func(j int) { sum += float64(xd[j]) })
		mean := sum / count
		var sq float64
		g.each(k, func(j int) {
			d := float64(xd[j]) - mean
			sq += d * d
		})
		variance := sq / count

		bm[k], bv[k] = float32(mean), float32(variance)
		rm[k] = bm[k]*factor + rm[k]*(1-factor)
		rv[k] = bv[k]*factor + rv[k]*(1-factor)

		normalize(g, k, xd, yd, bm[k], bv[k], gd[k], bd[k])
	})
}

// normalize writes y = (x-mean)/√(var+ε)·gamma + beta over group k.
func normalize(g groups, k int, xd, yd []float32, mean, variance, gamma, beta float32) {
	mu := float64(mean)
	scale := float64(gamma) * invStd(variance)
	shift := float64(beta)
	g.each(k, func(j int) {
		yd[j] = float32((float64(xd[j])-mu)*scale + shift)
	})
}

// CheckBatchNormalizationForwardInference validates the arguments of
// BatchNormalizationForwardInference.
func CheckBatchNormalizationForwardInference(mode NormalizationMode, x, gamma, beta, runningMean, runningVariance, y *tensor.Tensor) error {
	const op = "batch normalization forward inference"
	if err := checkParams(op, mode, x,
		[]string{"gamma", "beta", "running mean", "running variance"},
		gamma, beta, runningMean, runningVariance); err != nil {
		return err
	}
	return expectShape(op, "output", y, x.Shape())
}

// BatchNormalizationForwardInference normalizes x with the stored running
// statistics. Nothing but y is written.
func BatchNormalizationForwardInference(mode NormalizationMode, x, gamma, beta, runningMean, runningVariance, y *tensor.Tensor) error {
	if err := CheckBatchNormalizationForwardInference(mode, x, gamma, beta, runningMean, runningVariance, y); err != nil {
		return err
	}

	g := newGroups(mode, x.Shape())
	xd, yd := x.Span(), y.Span()
	gd, bd, rm, rv := gamma.Span(), beta.Span(), runningMean.Span(), runningVariance.Span()
	return parallel.For(g.groups, func(k int) {
		normalize(g, k, xd, yd, rm[k], rv[k], gd[k], bd[k])
	})
}

// CheckBatchNormalizationBackwardData validates the arguments of
// BatchNormalizationBackwardData.
func CheckBatchNormalizationBackwardData(mode NormalizationMode, x, mean, variance, gamma, dy, dx *tensor.Tensor) error {
	const op = "batch normalization backward data"
	if err := checkParams(op, mode, x, []string{"mean", "variance", "gamma"}, mean, variance, gamma); err != nil {
		return err
	}
	if err := expectShape(op, "output gradient", dy, x.Shape()); err != nil {
		return err
	}
	return expectShape(op, "input gradient", dx, x.Shape())
}

// BatchNormalizationBackwardData computes
//
//	dx = gamma/√(var+ε)/count · (count·dy − Σdy − (x−mean)/(var+ε) · Σ dy·(x−mean))
//
// per group, using the batch statistics cached by the forward pass.
func BatchNormalizationBackwardData(mode NormalizationMode, x, mean, variance, gamma, dy, dx *tensor.Tensor) error {
	if err := CheckBatchNormalizationBackwardData(mode, x, mean, variance, gamma, dy, dx); err != nil {
		return err
	}

	g := newGroups(mode, x.Shape())
	xd, dyd, dxd := x.Span(), dy.Span(), dx.Span()
	md, vd, gd := mean.Span(), variance.Span(), gamma.Span()
	count := float64(g.count())
	return parallel.For(g.groups, func(k int) {
		mu := float64(md[k])
		var sumDy, sumDyXmu float64
		g.each(k, func(j int) {
			d := float64(dyd[j])
			sumDy += d
			sumDyXmu += d * (float64(xd[j]) - mu)
		})
		inv := invStd(vd[k])
		scale := float64(gd[k]) * inv / count
		correction := inv * inv * sumDyXmu
		g.each(k, func(j int) {
			dxd[j] = float32(scale * (count*float64(dyd[j]) - sumDy - (float64(xd[j])-mu)*correction))
		})
	})
}

// CheckBatchNormalizationBackwardGamma validates the arguments of
// BatchNormalizationBackwardGamma.
func CheckBatchNormalizationBackwardGamma(mode NormalizationMode, x, mean, variance, dy, dgamma *tensor.Tensor) error {
	const op = "batch normalization backward gamma"
	if err := checkParams(op, mode, x, []string{"mean", "variance", "gamma gradient"}, mean, variance, dgamma); err != nil {
		return err
	}
	return expectShape(op, "output gradient", dy, x.Shape())
}

// BatchNormalizationBackwardGamma computes dgamma = Σ dy·(x−mean)/√(var+ε).
func BatchNormalizationBackwardGamma(mode NormalizationMode, x, mean, variance, dy, dgamma *tensor.Tensor) error {
	if err := CheckBatchNormalizationBackwardGamma(mode, x, mean, variance, dy, dgamma); err != nil {
		return err
	}

	g := newGroups(mode, x.Shape())
	xd, dyd := x.Span(), dy.Span()
	md, vd, out := mean.Span(), variance.Span(), dgamma.Span()
	return parallel.For(g.groups, func(k int) {
		mu := float64(md[k])
		var sum float64
		g.each(k, func(j int) {
			sum += float64(dyd[j]) * (float64(xd[j]) - mu)
		})
		out[k] = float32(sum * invStd(vd[k]))
	})
}

// CheckBatchNormalizationBackwardBeta validates the arguments of
// BatchNormalizationBackwardBeta.
func CheckBatchNormalizationBackwardBeta(mode NormalizationMode, dy, dbeta *tensor.Tensor) error {
	return checkParams("batch normalization backward beta", mode, dy, []string{"beta gradient"}, dbeta)
}

// BatchNormalizationBackwardBeta computes dbeta = Σ dy. In per-activation mode
// this is the fully-connected bias gradient.
func BatchNormalizationBackwardBeta(mode NormalizationMode, dy, dbeta *tensor.Tensor) error {
	if err := CheckBatchNormalizationBackwardBeta(mode, dy, dbeta); err != nil {
		return err
	}
	if mode == NormalizationModePerActivation {
		return FullyConnectedBackwardBias(dy, dbeta)
	}

	g := newGroups(mode, dy.Shape())
	dyd, out := dy.Span(), dbeta.Span()
	return parallel.For(g.groups, func(k int) {
		var sum float64
		g.each(k, func(j int) { sum += float64(dyd[j]) })
		out[k] = float32(sum)
	})
}
