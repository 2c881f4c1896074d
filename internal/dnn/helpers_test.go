package dnn

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cortex/internal/tensor"
)

func newTensor(t *testing.T, shape tensor.Shape) *tensor.Tensor {
	t.Helper()
	x, err := tensor.New(shape, true)
	require.NoError(t, err)
	t.Cleanup(x.Dispose)
	return x
}

func fromData(t *testing.T, shape tensor.Shape, data ...float32) *tensor.Tensor {
	t.Helper()
	x, err := tensor.From(shape, data)
	require.NoError(t, err)
	t.Cleanup(x.Dispose)
	return x
}

func randomTensor(t *testing.T, rng *rand.Rand, shape tensor.Shape) *tensor.Tensor {
	t.Helper()
	x := newTensor(t, shape)
	for i := range x.Span() {
		x.Span()[i] = rng.Float32()*2 - 1
	}
	return x
}

// garbage returns a tensor filled with a sentinel, for checking that a kernel
// writes every output element or none at all.
func garbage(t *testing.T, shape tensor.Shape) *tensor.Tensor {
	t.Helper()
	x := newTensor(t, shape)
	x.Fill(-999)
	return x
}

func dot(a, b *tensor.Tensor) float64 {
	var sum float64
	bd := b.Span()
	for i, v := range a.Span() {
		sum += float64(v) * float64(bd[i])
	}
	return sum
}

func requireUntouched(t *testing.T, x *tensor.Tensor) {
	t.Helper()
	for i, v := range x.Span() {
		require.Equal(t, float32(-999), v, "element %d was written", i)
	}
}
