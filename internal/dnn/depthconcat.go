package dnn

import (
	"github.com/23skdu/longbow-cortex/internal/parallel"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

func checkDepthConcatenation(op string, x1, x2, y *tensor.Tensor) error {
	s1, s2 := x1.Shape(), x2.Shape()
	if s1.N != s2.N || s1.H != s2.H || s1.W != s2.W {
		return mismatch(op, "%v and %v differ outside the channel axis", s1, s2)
	}
	return expectShape(op, "concatenation", y, tensor.Shape{N: s1.N, C: s1.C + s2.C, H: s1.H, W: s1.W})
}

// DepthConcatenationForward stacks the channels of x1 and then x2 into y.
func DepthConcatenationForward(x1, x2, y *tensor.Tensor) error {
	if err := checkDepthConcatenation("depth concatenation forward", x1, x2, y); err != nil {
		return err
	}
	l1 := x1.Shape().CHW()
	return parallel.For(y.Shape().N, func(i int) {
		out := y.Sample(i)
		copy(out[:l1], x1.Sample(i))
		copy(out[l1:], x2.Sample(i))
	})
}

// DepthConcatenationBackward splits dy back into the gradients of the two inputs.
func DepthConcatenationBackward(dy, dx1, dx2 *tensor.Tensor) error {
	if err := checkDepthConcatenation("depth concatenation backward", dx1, dx2, dy); err != nil {
		return err
	}
	l1 := dx1.Shape().CHW()
	return parallel.For(dy.Shape().N, func(i int) {
		grad := dy.Sample(i)
		copy(dx1.Sample(i), grad[:l1])
		copy(dx2.Sample(i), grad[l1:])
	})
}
