package dnn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cortex/internal/tensor"
)

func zeroFraction(t *testing.T, d *Dropout, p float32) float64 {
	t.Helper()
	shape := tensor.Shape{N: 8, C: 4, H: 16, W: 16}
	x := newTensor(t, shape)
	x.Fill(2)
	y, mask := garbage(t, shape), garbage(t, shape)
	require.NoError(t, d.Forward(p, x, y, mask))

	zeros := 0
	for i, m := range mask.Span() {
		switch m {
		case 0:
			zeros++
			assert.Equal(t, float32(0), y.Span()[i])
		case 1 / p:
			assert.Equal(t, 2/p, y.Span()[i])
		default:
			t.Fatalf("mask value %v is neither 0 nor 1/p", m)
		}
	}
	return float64(zeros) / float64(shape.NCHW())
}

func TestDropout_Scaling(t *testing.T) {
	d := NewDropout(42)
	assert.InDelta(t, 0.5, zeroFraction(t, d, 0.5), 0.03)
	assert.Less(t, zeroFraction(t, d, 0.99), 0.03)
	assert.Greater(t, zeroFraction(t, d, 0.01), 0.97)
}

func TestDropout_Deterministic(t *testing.T) {
	shape := tensor.Shape{N: 4, C: 1, H: 8, W: 8}
	x := newTensor(t, shape)
	x.Fill(1)

	masks := func(seed uint64) (*tensor.Tensor, *tensor.Tensor) {
		d := NewDropout(seed)
		first, second := garbage(t, shape), garbage(t, shape)
		require.NoError(t, d.Forward(0.5, x, garbage(t, shape), first))
		require.NoError(t, d.Forward(0.5, x, garbage(t, shape), second))
		return first, second
	}
	a1, a2 := masks(7)
	b1, b2 := masks(7)
	assert.True(t, a1.Equals(b1))
	assert.True(t, a2.Equals(b2))
	assert.False(t, a1.Equals(a2), "consecutive calls draw fresh masks")
}

func TestDropout_SeedsDoNotShareStreams(t *testing.T) {
	shape := tensor.Shape{N: 1, C: 1, H: 16, W: 16}
	x := newTensor(t, shape)
	x.Fill(1)

	// seed 1 on its second call and seed 2 on its first used to share a stream.
	one, two := NewDropout(1), NewDropout(2)
	first, second := garbage(t, shape), garbage(t, shape)
	require.NoError(t, one.Forward(0.5, x, garbage(t, shape), garbage(t, shape)))
	require.NoError(t, one.Forward(0.5, x, garbage(t, shape), second))
	require.NoError(t, two.Forward(0.5, x, garbage(t, shape), first))
	assert.False(t, first.Equals(second))
}

func TestDropout_Backward(t *testing.T) {
	mask := fromData(t, tensor.Matrix(1, 4), 2, 0, 2, 0)
	dy := fromData(t, tensor.Matrix(1, 4), 1, 2, 3, 4)
	dx := garbage(t, dy.Shape())
	require.NoError(t, DropoutBackward(mask, dy, dx))
	assert.Equal(t, []float32{2, 0, 6, 0}, dx.ToHost())
}

func TestDropout_InvalidProbability(t *testing.T) {
	x := newTensor(t, tensor.Matrix(2, 2))
	for _, p := range []float32{0, 1, -0.5, 1.5} {
		y := garbage(t, x.Shape())
		err := DropoutForward(p, x, y, newTensor(t, x.Shape()))
		assert.ErrorIs(t, err, ErrInvalidArgument, "p=%v", p)
		requireUntouched(t, y)
	}
}
