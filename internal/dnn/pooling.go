package dnn

import (
	"fmt"

	"github.com/23skdu/longbow-cortex/internal/parallel"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// PoolingMode selects the window reduction.
type PoolingMode int

const (
	PoolingModeMax PoolingMode = iota
	PoolingModeAverage
)

func (m PoolingMode) String() string {
	switch m {
	case PoolingModeMax:
		return "max"
	case PoolingModeAverage:
		return "average"
	default:
		return fmt.Sprintf("PoolingMode(%d)", int(m))
	}
}

// PoolingInfo describes a pooling window. Windows that run past the bottom or
// right edge are truncated, so every input element is covered.
type PoolingInfo struct {
	Mode             PoolingMode
	WindowHeight     int
	WindowWidth      int
	VerticalStride   int
	HorizontalStride int
}

// DefaultPoolingInfo is 2×2 max pooling with stride 2.
var DefaultPoolingInfo = PoolingInfo{Mode: PoolingModeMax, WindowHeight: 2, WindowWidth: 2, VerticalStride: 2, HorizontalStride: 2}

// NewPoolingInfo returns a validated PoolingInfo.
func NewPoolingInfo(mode PoolingMode, windowHeight, windowWidth, vStride, hStride int) (PoolingInfo, error) {
	info := PoolingInfo{
		Mode:             mode,
		WindowHeight:     windowHeight,
		WindowWidth:      windowWidth,
		VerticalStride:   vStride,
		HorizontalStride: hStride,
	}
	if err := info.Validate(); err != nil {
		return PoolingInfo{}, err
	}
	return info, nil
}

// Validate checks window sizes and strides are >= 1 and the mode is known.
func (info PoolingInfo) Validate() error {
	if info.Mode != PoolingModeMax && info.Mode != PoolingModeAverage {
		return invalid("pooling info", "unknown mode %v", info.Mode)
	}
	if info.WindowHeight < 1 || info.WindowWidth < 1 {
		return invalid("pooling info", "window %dx%d must be at least 1x1", info.WindowHeight, info.WindowWidth)
	}
	if info.VerticalStride < 1 || info.HorizontalStride < 1 {
		return invalid("pooling info", "stride (%d, %d) must be >= 1", info.VerticalStride, info.HorizontalStride)
	}
	return nil
}

func (info PoolingInfo) String() string {
	return fmt.Sprintf("%v(window=%dx%d, stride=%dx%d)", info.Mode,
		info.WindowHeight, info.WindowWidth, info.VerticalStride, info.HorizontalStride)
}

// poolAxis counts the windows along one axis: the last one starts inside the
// input and may be truncated.
func poolAxis(size, window, stride int) int {
	if size <= window {
		return 1
	}
	n := (size-window+stride-1)/stride + 1
	return min(n, (size-1)/stride+1)
}

// OutputShape returns the pooled shape of input.
func (info PoolingInfo) OutputShape(input tensor.Shape) (tensor.Shape, error) {
	if err := info.Validate(); err != nil {
		return tensor.Shape{}, err
	}
	input.H = poolAxis(input.H, info.WindowHeight, info.VerticalStride)
	input.W = poolAxis(input.W, info.WindowWidth, info.HorizontalStride)
	return input, nil
}

// window returns the half-open bounds of window (r, c) clamped to an h×w plane.
func (info PoolingInfo) window(r, c, h, w int) (r0, r1, c0, c1 int) {
	r0, c0 = r*info.VerticalStride, c*info.HorizontalStride
	return r0, min(r0+info.WindowHeight, h), c0, min(c0+info.WindowWidth, w)
}

// argmax returns the offset of the winning element of a window. Each row's
// winner is its leftmost maximum; row winners are then compared top to bottom
// and a lower row only wins when strictly greater. Forward and backward both
// go through here so they always agree on the winner.
func argmax(plane []float32, width, r0, r1, c0, c1 int) int {
	best := r0*width + c0
	for r := r0; r < r1; r++ {
		row := r * width
		winner := row + c0
		for c := c0 + 1; c < c1; c++ {
			if plane[row+c] > plane[winner] {
				winner = row + c
			}
		}
		if r == r0 || plane[winner] > plane[best] {
			best = winner
		}
	}
	return best
}

// CheckForward validates x and y for Forward.
func (info PoolingInfo) CheckForward(x, y *tensor.Tensor) error {
	want, err := info.OutputShape(x.Shape())
	if err != nil {
		return err
	}
	return expectShape("pooling forward", "output", y, want)
}

// Forward pools every plane of x into y.
func (info PoolingInfo) Forward(x, y *tensor.Tensor) error {
	if err := info.CheckForward(x, y); err != nil {
		return err
	}
	xs, ys := x.Shape(), y.Shape()
	xd, yd := x.Span(), y.Span()
	return parallel.ForBatch(xs.N, xs.C, func(i, z int) {
		p := i*xs.C + z
		plane, out := xd[p*xs.HW():(p+1)*xs.HW()], yd[p*ys.HW():(p+1)*ys.HW()]
		for r := 0; r < ys.H; r++ {
			for c := 0; c < ys.W; c++ {
				r0, r1, c0, c1 := info.window(r, c, xs.H, xs.W)
				if info.Mode == PoolingModeMax {
					out[r*ys.W+c] = plane[argmax(plane, xs.W, r0, r1, c0, c1)]
					continue
				}
				var sum float32
				for a := r0; a < r1; a++ {
					for b := c0; b < c1; b++ {
						sum += plane[a*xs.W+b]
					}
				}
				out[r*ys.W+c] = sum / float32((r1-r0)*(c1-c0))
			}
		}
	})
}

// CheckBackward validates x, dy and dx for Backward.
func (info PoolingInfo) CheckBackward(x, dy, dx *tensor.Tensor) error {
	const op = "pooling backward"
	want, err := info.OutputShape(x.Shape())
	if err != nil {
		return err
	}
	if err := expectShape(op, "output gradient", dy, want); err != nil {
		return err
	}
	if err := expectShape(op, "input gradient", dx, x.Shape()); err != nil {
		return err
	}
	if dx.SharesStorage(x) || dx.SharesStorage(dy) {
		return mismatch(op, "input gradient aliases an input")
	}
	return nil
}

// Backward routes dy back through the windows. In max mode the whole gradient
// of a window goes to the element the forward pass selected, recomputed from
// the cached input x; in average mode it is spread evenly. Every other element
// of dx is zero.
func (info PoolingInfo) Backward(x, dy, dx *tensor.Tensor) error {
	if err := info.CheckBackward(x, dy, dx); err != nil {
		return err
	}
	xs, dys := x.Shape(), dy.Shape()
	xd, dyd, dxd := x.Span(), dy.Span(), dx.Span()
	return parallel.ForBatch(xs.N, xs.C, func(i, z int) {
		p := i*xs.C + z
		plane, grad, out := xd[p*xs.HW():(p+1)*xs.HW()], dyd[p*dys.HW():(p+1)*dys.HW()], dxd[p*xs.HW():(p+1)*xs.HW()]
		clear(out)
		for r := 0; r < dys.H; r++ {
			for c := 0; c < dys.W; c++ {
				g := grad[r*dys.W+c]
				r0, r1, c0, c1 := info.window(r, c, xs.H, xs.W)
				if info.Mode == PoolingModeMax {
					out[argmax(plane, xs.W, r0, r1, c0, c1)] += g
					continue
				}
				g /= float32((r1 - r0) * (c1 - c0))
				for a := r0; a < r1; a++ {
					for b := c0; b < c1; b++ {
						out[a*xs.W+b] += g
					}
				}
			}
		}
	})
}

// PoolingForward applies 2×2, stride 2 max pooling. Odd trailing rows and
// columns form truncated windows, so each output axis is ceil(input/2).
func PoolingForward(x, y *tensor.Tensor) error {
	return DefaultPoolingInfo.Forward(x, y)
}

// PoolingBackward is the gradient of PoolingForward.
func PoolingBackward(x, dy, dx *tensor.Tensor) error {
	return DefaultPoolingInfo.Backward(x, dy, dx)
}
