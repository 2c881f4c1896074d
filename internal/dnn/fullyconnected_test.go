package dnn

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cortex/internal/tensor"
)

func TestFullyConnected_Forward(t *testing.T) {
	x := fromData(t, tensor.Matrix(2, 3),
		1, 2, 3,
		-1, 0, 1)
	w := fromData(t, tensor.Matrix(3, 2),
		1, 0,
		0, 1,
		1, 1)
	b := fromData(t, tensor.Matrix(1, 2), 0.5, -0.5)
	y := garbage(t, tensor.Matrix(2, 2))

	require.NoError(t, FullyConnectedForward(x, w, b, y))
	assert.Equal(t, []float32{4.5, 4.5, 0.5, 0.5}, y.ToHost())
}

func TestFullyConnected_Backward(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	const n, l, k = 6, 9, 5
	x := randomTensor(t, rng, tensor.Shape{N: n, C: 1, H: 3, W: 3})
	w := randomTensor(t, rng, tensor.Matrix(l, k))
	dy := randomTensor(t, rng, tensor.Matrix(n, k))

	t.Run("data", func(t *testing.T) {
		dx := garbage(t, x.Shape())
		require.NoError(t, FullyConnectedBackwardData(w, dy, dx))
		for i := 0; i < n; i++ {
			for j := 0; j < l; j++ {
				var want float32
				for o := 0; o < k; o++ {
					want += dy.Span()[i*k+o] * w.Span()[j*k+o]
				}
				assert.InDelta(t, want, dx.Span()[i*l+j], 1e-5)
			}
		}
	})

	t.Run("filter", func(t *testing.T) {
		dw := garbage(t, w.Shape())
		require.NoError(t, FullyConnectedBackwardFilter(x, dy, dw))
		for j := 0; j < l; j++ {
			for o := 0; o < k; o++ {
				var want float32
				for i := 0; i < n; i++ {
					want += x.Span()[i*l+j] * dy.Span()[i*k+o]
				}
				assert.InDelta(t, want, dw.Span()[j*k+o], 1e-5)
			}
		}
	})

	t.Run("bias", func(t *testing.T) {
		db := garbage(t, tensor.Matrix(1, k))
		require.NoError(t, FullyConnectedBackwardBias(dy, db))
		for o := 0; o < k; o++ {
			var want float32
			for i := 0; i < n; i++ {
				want += dy.Span()[i*k+o]
			}
			assert.InDelta(t, want, db.Span()[o], 1e-6)
		}
	})
}

func TestFullyConnected_ShapeErrors(t *testing.T) {
	x := newTensor(t, tensor.Matrix(2, 3))
	w := newTensor(t, tensor.Matrix(3, 4))

	tests := []struct {
		name string
		b, y tensor.Shape
	}{
		{"bias too short", tensor.Matrix(1, 3), tensor.Matrix(2, 4)},
		{"bias with two rows", tensor.Matrix(2, 4), tensor.Matrix(2, 4)},
		{"output wrong width", tensor.Matrix(1, 4), tensor.Matrix(2, 3)},
		{"output wrong batch", tensor.Matrix(1, 4), tensor.Matrix(3, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			y := garbage(t, tt.y)
			err := FullyConnectedForward(x, w, newTensor(t, tt.b), y)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
			requireUntouched(t, y)
		})
	}

	err := FullyConnectedBackwardData(w, newTensor(t, tensor.Matrix(2, 3)), newTensor(t, tensor.Matrix(2, 3)))
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	err = FullyConnectedBackwardFilter(x, newTensor(t, tensor.Matrix(3, 4)), newTensor(t, tensor.Matrix(3, 4)))
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	err = FullyConnectedBackwardBias(newTensor(t, tensor.Matrix(2, 4)), newTensor(t, tensor.Matrix(1, 3)))
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}
