package dnn

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cortex/internal/tensor"
)

type bnState struct {
	gamma, beta, runMean, runVar, mean, variance *tensor.Tensor
}

func newBNState(t *testing.T, rng *rand.Rand, mode NormalizationMode, input tensor.Shape) bnState {
	t.Helper()
	ps := mode.ParameterShape(input)
	s := bnState{
		gamma:    randomTensor(t, rng, ps),
		beta:     randomTensor(t, rng, ps),
		runMean:  newTensor(t, ps),
		runVar:   newTensor(t, ps),
		mean:     garbage(t, ps),
		variance: garbage(t, ps),
	}
	s.runVar.Fill(1)
	return s
}

func (s bnState) forward(t *testing.T, mode NormalizationMode, x *tensor.Tensor, factor float32) *tensor.Tensor {
	t.Helper()
	y := garbage(t, x.Shape())
	require.NoError(t, BatchNormalizationForward(mode, x, s.gamma, s.beta, factor, s.runMean, s.runVar, s.mean, s.variance, y))
	return y
}

var bnModes = []struct {
	mode  NormalizationMode
	shape tensor.Shape
}{
	{NormalizationModeSpatial, tensor.Shape{N: 4, C: 3, H: 3, W: 2}},
	{NormalizationModePerActivation, tensor.Shape{N: 5, C: 2, H: 2, W: 2}},
	{NormalizationModePerActivation, tensor.Matrix(6, 7)},
}

func TestBatchNormalization_Statistics(t *testing.T) {
	for _, tt := range bnModes {
		t.Run(tt.mode.String(), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(15, 16))
			x := randomTensor(t, rng, tt.shape)
			s := newBNState(t, rng, tt.mode, tt.shape)
			s.gamma.Fill(1)
			s.beta.Zero()
			y := s.forward(t, tt.mode, x, 0.25)

			g := newGroups(tt.mode, tt.shape)
			for k := 0; k < g.groups; k++ {
				var sum, sq, ySum, ySq float64
				g.each(k, func(j int) {
					sum += float64(x.Span()[j])
					ySum += float64(y.Span()[j])
				})
				mean := sum / float64(g.count())
				g.each(k, func(j int) {
					d := float64(x.Span()[j]) - mean
					sq += d * d
					ySq += float64(y.Span()[j]) * float64(y.Span()[j])
				})
				variance := sq / float64(g.count())

				assert.InDelta(t, mean, s.mean.Span()[k], 1e-6)
				assert.InDelta(t, variance, s.variance.Span()[k], 1e-6)
				assert.InDelta(t, 0.25*mean, s.runMean.Span()[k], 1e-6)
				assert.InDelta(t, 0.25*variance+0.75, s.runVar.Span()[k], 1e-6)

				assert.InDelta(t, 0, ySum/float64(g.count()), 1e-5)
				assert.InDelta(t, variance/(variance+Epsilon), ySq/float64(g.count()), 1e-4)
			}
		})
	}
}

// Inference with the exact batch statistics reproduces the training output.
func TestBatchNormalization_InferenceMatchesTraining(t *testing.T) {
	for _, tt := range bnModes {
		t.Run(tt.mode.String(), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(17, 18))
			x := randomTensor(t, rng, tt.shape)
			s := newBNState(t, rng, tt.mode, tt.shape)
			y := s.forward(t, tt.mode, x, 1)

			assert.True(t, s.runMean.Equals(s.mean))
			assert.True(t, s.runVar.Equals(s.variance))

			before := s.runMean.Clone()
			defer before.Dispose()
			inferred := garbage(t, tt.shape)
			require.NoError(t, BatchNormalizationForwardInference(tt.mode, x, s.gamma, s.beta, s.runMean, s.runVar, inferred))
			assert.True(t, inferred.Equals(y))
			assert.True(t, s.runMean.Equals(before))
		})
	}
}

func bnLoss(t *testing.T, mode NormalizationMode, x, gamma, beta, dy *tensor.Tensor) float64 {
	ps := mode.ParameterShape(x.Shape())
	rm, rv := newTensor(t, ps), newTensor(t, ps)
	m, v := newTensor(t, ps), newTensor(t, ps)
	y := newTensor(t, x.Shape())
	require.NoError(t, BatchNormalizationForward(mode, x, gamma, beta, 0, rm, rv, m, v, y))
	return dot(y, dy)
}

func TestBatchNormalization_GradientsMatchFiniteDifferences(t *testing.T) {
	const h = 1e-3
	for _, tt := range bnModes {
		t.Run(tt.mode.String(), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(19, 20))
			x := randomTensor(t, rng, tt.shape)
			dy := randomTensor(t, rng, tt.shape)
			s := newBNState(t, rng, tt.mode, tt.shape)
			s.forward(t, tt.mode, x, 0.1)

			dx := garbage(t, tt.shape)
			require.NoError(t, BatchNormalizationBackwardData(tt.mode, x, s.mean, s.variance, s.gamma, dy, dx))
			dgamma := garbage(t, s.gamma.Shape())
			require.NoError(t, BatchNormalizationBackwardGamma(tt.mode, x, s.mean, s.variance, dy, dgamma))
			dbeta := garbage(t, s.beta.Shape())
			require.NoError(t, BatchNormalizationBackwardBeta(tt.mode, dy, dbeta))

			numeric := func(p *tensor.Tensor, i int) float64 {
				orig := p.Span()[i]
				p.Span()[i] = orig + h
				up := bnLoss(t, tt.mode, x, s.gamma, s.beta, dy)
				p.Span()[i] = orig - h
				down := bnLoss(t, tt.mode, x, s.gamma, s.beta, dy)
				p.Span()[i] = orig
				return (up - down) / (2 * h)
			}
			for _, i := range []int{0, 3, tt.shape.NCHW() - 1} {
				assert.InDelta(t, numeric(x, i), dx.Span()[i], 5e-3, "dx[%d]", i)
			}
			for i := range s.gamma.Span() {
				assert.InDelta(t, numeric(s.gamma, i), dgamma.Span()[i], 5e-3, "dgamma[%d]", i)
				assert.InDelta(t, numeric(s.beta, i), dbeta.Span()[i], 5e-3, "dbeta[%d]", i)
			}
		})
	}
}

func TestBatchNormalizationBackwardData_ConstantGradientVanishes(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 22))
	shape := tensor.Shape{N: 3, C: 2, H: 2, W: 2}
	x := randomTensor(t, rng, shape)
	s := newBNState(t, rng, NormalizationModeSpatial, shape)
	s.forward(t, NormalizationModeSpatial, x, 0.5)

	dy := newTensor(t, shape)
	dy.Fill(0.7)
	dx := garbage(t, shape)
	require.NoError(t, BatchNormalizationBackwardData(NormalizationModeSpatial, x, s.mean, s.variance, s.gamma, dy, dx))
	for _, v := range dx.ToHost() {
		assert.InDelta(t, 0, v, 1e-5)
	}
}

func TestBatchNormalization_Errors(t *testing.T) {
	shape := tensor.Shape{N: 2, C: 3, H: 2, W: 2}
	rng := rand.New(rand.NewPCG(23, 24))
	x := randomTensor(t, rng, shape)
	s := newBNState(t, rng, NormalizationModeSpatial, shape)

	y := garbage(t, shape)
	err := BatchNormalizationForward(NormalizationModeSpatial, x, s.gamma, s.beta, 1.5, s.runMean, s.runVar, s.mean, s.variance, y)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	requireUntouched(t, y)

	wrong := newTensor(t, tensor.Shape{N: 1, C: 3, H: 2, W: 2})
	err = BatchNormalizationForward(NormalizationModeSpatial, x, wrong, s.beta, 0.5, s.runMean, s.runVar, s.mean, s.variance, y)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	requireUntouched(t, y)

	err = BatchNormalizationForwardInference(NormalizationMode(7), x, s.gamma, s.beta, s.runMean, s.runVar, y)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = BatchNormalizationBackwardBeta(NormalizationModePerActivation, x, newTensor(t, tensor.Shape{N: 1, C: 3, H: 1, W: 1}))
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	assert.Equal(t, "per_activation", NormalizationModePerActivation.String())
}
