package dnn

import (
	"github.com/chewxy/math32"

	"github.com/23skdu/longbow-cortex/internal/parallel"
	"github.com/23skdu/longbow-cortex/internal/simd"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// ActivationFunction is a scalar function applied pointwise.
type ActivationFunction func(x float32) float32

// Activation pairs an activation with its derivative, both evaluated on the
// pre-activation input.
type Activation struct {
	Name       string
	Forward    ActivationFunction
	Derivative ActivationFunction
}

var (
	Identity = Activation{
		Name:       "identity",
		Forward:    func(x float32) float32 { return x },
		Derivative: func(float32) float32 { return 1 },
	}

	Sigmoid = Activation{
		Name:    "sigmoid",
		Forward: sigmoid,
		Derivative: func(x float32) float32 {
			s := sigmoid(x)
			return s * (1 - s)
		},
	}

	Tanh = Activation{
		Name:    "tanh",
		Forward: math32.Tanh,
		Derivative: func(x float32) float32 {
			t := math32.Tanh(x)
			return 1 - t*t
		},
	}

	ReLU = LeakyReLU(0)
)

// LeakyReLU returns a rectifier with slope alpha for negative inputs.
func LeakyReLU(alpha float32) Activation {
	name := "leaky_relu"
	if alpha == 0 {
		name = "relu"
	}
	return Activation{
		Name: name,
		Forward: func(x float32) float32 {
			if x > 0 {
				return x
			}
			return alpha * x
		},
		Derivative: func(x float32) float32 {
			if x > 0 {
				return 1
			}
			return alpha
		},
	}
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

func checkSameShape(op string, ts ...*tensor.Tensor) error {
	ref := ts[0].Shape()
	for _, t := range ts[1:] {
		if t.Shape() != ref {
			return mismatch(op, "%v and %v differ", ref, t.Shape())
		}
	}
	return nil
}

// ActivationForward computes y = f(x).
func ActivationForward(x, y *tensor.Tensor, f ActivationFunction) error {
	if f == nil {
		return invalid("activation forward", "nil activation")
	}
	if err := checkSameShape("activation forward", x, y); err != nil {
		return err
	}
	l := x.Shape().CHW()
	xd, yd := x.Span(), y.Span()
	return parallel.For(x.Shape().N, func(i int) {
		for j := i * l; j < (i+1)*l; j++ {
			yd[j] = f(xd[j])
		}
	})
}

// ActivationBackward computes dx = f'(x) ⊙ dy, where x is the cached
// pre-activation input and fPrime the derivative of the forward function.
func ActivationBackward(x, dy *tensor.Tensor, fPrime ActivationFunction, dx *tensor.Tensor) error {
	if fPrime == nil {
		return invalid("activation backward", "nil activation derivative")
	}
	if err := checkSameShape("activation backward", x, dy, dx); err != nil {
		return err
	}
	l := x.Shape().CHW()
	xd, dyd, dxd := x.Span(), dy.Span(), dx.Span()
	return parallel.For(x.Shape().N, func(i int) {
		for j := i * l; j < (i+1)*l; j++ {
			dxd[j] = fPrime(xd[j]) * dyd[j]
		}
	})
}

// CheckSoftmaxForward validates x and y for SoftmaxForward.
func CheckSoftmaxForward(x, y *tensor.Tensor) error {
	return checkSameShape("softmax forward", x, y)
}

// SoftmaxForward normalizes every sample of x into a probability distribution.
// The first pass exponentiates (shifted by the row maximum) and records the row
// sums, the second divides by them.
func SoftmaxForward(x, y *tensor.Tensor) error {
	if err := CheckSoftmaxForward(x, y); err != nil {
		return err
	}
	n, l := x.Shape().N, x.Shape().CHW()
	xd, yd := x.Span(), y.Span()
	sums := make([]float32, n)
	err := parallel.For(n, func(i int) {
		row, out := xd[i*l:(i+1)*l], yd[i*l:(i+1)*l]
		peak := row[0]
		for _, v := range row[1:] {
			if v > peak {
				peak = v
			}
		}
		var sum float32
		for j, v := range row {
			e := math32.Exp(v - peak)
			out[j] = e
			sum += e
		}
		sums[i] = sum
	})
	if err != nil {
		return err
	}
	return parallel.For(n, func(i int) {
		simd.VecScale(yd[i*l:(i+1)*l], 1/sums[i])
	})
}
