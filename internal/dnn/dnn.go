// Package dnn implements the CPU reference kernels for fully-connected,
// convolutional, pooling, batch-normalization, activation, depth-concatenation
// and dropout layers.
//
// All kernels are pure functions over tensor arguments. They validate every
// shape precondition before touching an output, fan work out with package
// parallel, and return an error wrapping tensor.ErrShapeMismatch,
// tensor.ErrInvalidShape or ErrInvalidArgument on bad input.
package dnn

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// ErrInvalidArgument is returned for out-of-range scalar parameters.
var ErrInvalidArgument = errors.New("invalid argument")

func mismatch(op, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", tensor.ErrShapeMismatch, op, fmt.Sprintf(format, args...))
}

func invalid(op, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidArgument, op, fmt.Sprintf(format, args...))
}

func expectShape(op, name string, t *tensor.Tensor, want tensor.Shape) error {
	if got := t.Shape(); got != want {
		return mismatch(op, "%s has shape %v, expected %v", name, got, want)
	}
	return nil
}

// scratch rents a temporary tensor for use inside a kernel.
func scratch(shape tensor.Shape, zero bool) (*tensor.Tensor, error) {
	t, err := tensor.New(shape, zero)
	if err != nil {
		return nil, fmt.Errorf("scratch %v: %w", shape, err)
	}
	return t, nil
}

// flat returns a view of t as a (1, NCHW) row.
func flat(t *tensor.Tensor) *tensor.Tensor {
	v, err := t.Reshape(tensor.Matrix(1, t.Shape().NCHW()))
	if err != nil {
		panic(err)
	}
	return v
}
