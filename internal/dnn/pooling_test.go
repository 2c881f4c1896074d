package dnn

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cortex/internal/tensor"
)

func TestPoolingForward(t *testing.T) {
	t.Run("even", func(t *testing.T) {
		x := fromData(t, tensor.Shape{N: 1, C: 1, H: 4, W: 4},
			1, 2, 5, 3,
			4, 0, 1, 1,
			-1, -2, 7, 8,
			-3, -4, 9, 6)
		y := garbage(t, tensor.Shape{N: 1, C: 1, H: 2, W: 2})
		require.NoError(t, PoolingForward(x, y))
		assert.Equal(t, []float32{4, 5, -1, 9}, y.ToHost())
	})

	t.Run("odd", func(t *testing.T) {
		x := fromData(t, tensor.Shape{N: 1, C: 1, H: 3, W: 3},
			1, 2, 3,
			4, 5, 6,
			7, 8, 9)
		y := garbage(t, tensor.Shape{N: 1, C: 1, H: 2, W: 2})
		require.NoError(t, PoolingForward(x, y))
		assert.Equal(t, []float32{5, 6, 8, 9}, y.ToHost())
	})

	t.Run("wrong output", func(t *testing.T) {
		x := newTensor(t, tensor.Shape{N: 1, C: 1, H: 5, W: 5})
		y := garbage(t, tensor.Shape{N: 1, C: 1, H: 2, W: 2})
		assert.ErrorIs(t, PoolingForward(x, y), tensor.ErrShapeMismatch)
		requireUntouched(t, y)
	})
}

func TestPoolingBackward_TieBreak(t *testing.T) {
	tests := []struct {
		name   string
		window []float32
		want   []float32
	}{
		{"all equal picks up-left", []float32{3, 3, 3, 3}, []float32{1, 0, 0, 0}},
		{"up row wins ties against down", []float32{1, 2, 2, 1}, []float32{0, 1, 0, 0}},
		{"leftmost in row", []float32{0, 0, 2, 2}, []float32{0, 0, 1, 0}},
		{"strictly greater below", []float32{1, 1, 1, 1.5}, []float32{0, 0, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := fromData(t, tensor.Shape{N: 1, C: 1, H: 2, W: 2}, tt.window...)
			dy := fromData(t, tensor.Shape{N: 1, C: 1, H: 1, W: 1}, 1)
			dx := garbage(t, x.Shape())
			require.NoError(t, PoolingBackward(x, dy, dx))
			assert.Equal(t, tt.want, dx.ToHost())
		})
	}
}

// Routing an all-ones gradient marks exactly one position per window, and that
// position holds the value the forward pass emitted.
func TestPooling_ForwardBackwardConsistency(t *testing.T) {
	shapes := []tensor.Shape{
		{N: 2, C: 3, H: 6, W: 6},
		{N: 1, C: 2, H: 5, W: 7},
		{N: 3, C: 1, H: 1, W: 4},
	}
	rng := rand.New(rand.NewPCG(13, 14))
	for _, shape := range shapes {
		t.Run(shape.String(), func(t *testing.T) {
			x := newTensor(t, shape)
			for i := range x.Span() {
				x.Span()[i] = float32(rng.IntN(3)) // plenty of ties
			}
			out, err := DefaultPoolingInfo.OutputShape(shape)
			require.NoError(t, err)
			y := garbage(t, out)
			require.NoError(t, PoolingForward(x, y))

			dy := newTensor(t, out)
			dy.Fill(1)
			dx := garbage(t, shape)
			require.NoError(t, PoolingBackward(x, dy, dx))

			for i := 0; i < shape.N; i++ {
				for c := 0; c < shape.C; c++ {
					for r := 0; r < out.H; r++ {
						for q := 0; q < out.W; q++ {
							hits := 0
							for a := 2 * r; a < min(2*r+2, shape.H); a++ {
								for b := 2 * q; b < min(2*q+2, shape.W); b++ {
									switch dx.At(i, c, a, b) {
									case 1:
										hits++
										assert.Equal(t, y.At(i, c, r, q), x.At(i, c, a, b))
									case 0:
									default:
										t.Fatalf("unexpected gradient %v", dx.At(i, c, a, b))
									}
								}
							}
							assert.Equal(t, 1, hits, "window (%d, %d, %d, %d)", i, c, r, q)
						}
					}
				}
			}
		})
	}
}

func TestPoolingInfo_OutputShape(t *testing.T) {
	tests := []struct {
		info  PoolingInfo
		input tensor.Shape
		want  tensor.Shape
	}{
		{DefaultPoolingInfo, tensor.Shape{N: 1, C: 1, H: 4, W: 5}, tensor.Shape{N: 1, C: 1, H: 2, W: 3}},
		{DefaultPoolingInfo, tensor.Shape{N: 1, C: 1, H: 1, W: 1}, tensor.Shape{N: 1, C: 1, H: 1, W: 1}},
		{PoolingInfo{WindowHeight: 3, WindowWidth: 3, VerticalStride: 2, HorizontalStride: 2}, tensor.Shape{N: 2, C: 4, H: 7, W: 8}, tensor.Shape{N: 2, C: 4, H: 3, W: 4}},
		{PoolingInfo{WindowHeight: 1, WindowWidth: 1, VerticalStride: 3, HorizontalStride: 3}, tensor.Shape{N: 1, C: 1, H: 5, W: 7}, tensor.Shape{N: 1, C: 1, H: 2, W: 3}},
	}
	for _, tt := range tests {
		got, err := tt.info.OutputShape(tt.input)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v on %v", tt.info, tt.input)
	}

	_, err := NewPoolingInfo(PoolingModeMax, 0, 2, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewPoolingInfo(PoolingModeAverage, 2, 2, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPoolingInfo_Average(t *testing.T) {
	info, err := NewPoolingInfo(PoolingModeAverage, 2, 2, 2, 2)
	require.NoError(t, err)
	x := fromData(t, tensor.Shape{N: 1, C: 1, H: 3, W: 3},
		1, 3, 5,
		5, 7, 1,
		2, 4, 6)
	y := garbage(t, tensor.Shape{N: 1, C: 1, H: 2, W: 2})
	require.NoError(t, info.Forward(x, y))
	assert.Equal(t, []float32{4, 3, 3, 6}, y.ToHost())

	dy := fromData(t, y.Shape(), 4, 2, 2, 1)
	dx := garbage(t, x.Shape())
	require.NoError(t, info.Backward(x, dy, dx))
	assert.Equal(t, []float32{
		1, 1, 1,
		1, 1, 1,
		1, 1, 1,
	}, dx.ToHost())
}

func TestPoolingInfo_OverlappingMaxAccumulates(t *testing.T) {
	info, err := NewPoolingInfo(PoolingModeMax, 3, 3, 1, 1)
	require.NoError(t, err)
	x := fromData(t, tensor.Shape{N: 1, C: 1, H: 3, W: 4},
		0, 0, 0, 0,
		0, 9, 0, 0,
		0, 0, 0, 0)
	y := garbage(t, tensor.Shape{N: 1, C: 1, H: 1, W: 2})
	require.NoError(t, info.Forward(x, y))
	assert.Equal(t, []float32{9, 9}, y.ToHost())

	dy := fromData(t, y.Shape(), 1, 2)
	dx := garbage(t, x.Shape())
	require.NoError(t, info.Backward(x, dy, dx))
	assert.Equal(t, float32(3), dx.At(0, 0, 1, 1))
	var total float32
	for _, v := range dx.ToHost() {
		total += v
	}
	assert.Equal(t, float32(3), total)
}

func TestPoolingBackward_RejectsAliasedGradient(t *testing.T) {
	x := fromData(t, tensor.Shape{N: 1, C: 1, H: 2, W: 2}, 1, 4, 3, 2)
	dy := fromData(t, tensor.Shape{N: 1, C: 1, H: 1, W: 1}, 1)

	assert.ErrorIs(t, PoolingBackward(x, dy, x), tensor.ErrShapeMismatch)
	assert.Equal(t, []float32{1, 4, 3, 2}, x.ToHost())

	info := PoolingInfo{Mode: PoolingModeMax, WindowHeight: 1, WindowWidth: 1, VerticalStride: 1, HorizontalStride: 1}
	same := fromData(t, tensor.Shape{N: 1, C: 1, H: 2, W: 2}, 1, 2, 3, 4)
	assert.ErrorIs(t, info.Backward(x, same, same), tensor.ErrShapeMismatch)
	assert.Equal(t, []float32{1, 2, 3, 4}, same.ToHost())
}
