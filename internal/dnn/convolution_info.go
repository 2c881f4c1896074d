package dnn

import (
	"fmt"

	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// ConvolutionMode selects whether kernels are flipped before sliding.
type ConvolutionMode int

const (
	// ConvolutionModeConvolution flips the kernel (mathematical convolution).
	ConvolutionModeConvolution ConvolutionMode = iota
	// ConvolutionModeCrossCorrelation slides the kernel as stored.
	ConvolutionModeCrossCorrelation
)

func (m ConvolutionMode) String() string {
	switch m {
	case ConvolutionModeConvolution:
		return "convolution"
	case ConvolutionModeCrossCorrelation:
		return "cross_correlation"
	default:
		return fmt.Sprintf("ConvolutionMode(%d)", int(m))
	}
}

// ConvolutionInfo holds the padding, stride and mode of a convolution.
type ConvolutionInfo struct {
	Mode              ConvolutionMode
	VerticalPadding   int
	HorizontalPadding int
	VerticalStride    int
	HorizontalStride  int
}

// DefaultConvolutionInfo is an unpadded, unit-stride convolution, equivalent
// to calling the valid-mode kernels directly.
var DefaultConvolutionInfo = ConvolutionInfo{Mode: ConvolutionModeConvolution, VerticalStride: 1, HorizontalStride: 1}

// NewConvolutionInfo returns a validated ConvolutionInfo.
func NewConvolutionInfo(mode ConvolutionMode, vPad, hPad, vStride, hStride int) (ConvolutionInfo, error) {
	info := ConvolutionInfo{
		Mode:              mode,
		VerticalPadding:   vPad,
		HorizontalPadding: hPad,
		VerticalStride:    vStride,
		HorizontalStride:  hStride,
	}
	if err := info.Validate(); err != nil {
		return ConvolutionInfo{}, err
	}
	return info, nil
}

// Validate checks paddings >= 0, strides >= 1 and a known mode.
func (info ConvolutionInfo) Validate() error {
	if info.Mode != ConvolutionModeConvolution && info.Mode != ConvolutionModeCrossCorrelation {
		return invalid("convolution info", "unknown mode %v", info.Mode)
	}
	if info.VerticalPadding < 0 || info.HorizontalPadding < 0 {
		return invalid("convolution info", "padding (%d, %d) must be >= 0", info.VerticalPadding, info.HorizontalPadding)
	}
	if info.VerticalStride < 1 || info.HorizontalStride < 1 {
		return invalid("convolution info", "stride (%d, %d) must be >= 1", info.VerticalStride, info.HorizontalStride)
	}
	return nil
}

func (info ConvolutionInfo) String() string {
	return fmt.Sprintf("%v(pad=%dx%d, stride=%dx%d)", info.Mode,
		info.VerticalPadding, info.HorizontalPadding, info.VerticalStride, info.HorizontalStride)
}

func (info ConvolutionInfo) padded() bool {
	return info.VerticalPadding > 0 || info.HorizontalPadding > 0
}

func (info ConvolutionInfo) strided() bool {
	return info.VerticalStride > 1 || info.HorizontalStride > 1
}

func (info ConvolutionInfo) paddedShape(input tensor.Shape) tensor.Shape {
	input.H += 2 * info.VerticalPadding
	input.W += 2 * info.HorizontalPadding
	return input
}

// denseShape is the unit-stride output over the padded input.
func (info ConvolutionInfo) denseShape(input, kernels tensor.Shape) tensor.Shape {
	p := info.paddedShape(input)
	return tensor.Shape{N: input.N, C: kernels.N, H: p.H - kernels.H + 1, W: p.W - kernels.W + 1}
}

// OutputShape returns the output shape of convolving input (N, C, H, W) with
// kernels (K, C, kH, kW).
func (info ConvolutionInfo) OutputShape(input, kernels tensor.Shape) (tensor.Shape, error) {
	if err := info.Validate(); err != nil {
		return tensor.Shape{}, err
	}
	if input.C != kernels.C {
		return tensor.Shape{}, mismatch("convolution output shape", "input %v has %d channels, kernels %v expect %d", input, input.C, kernels, kernels.C)
	}
	p := info.paddedShape(input)
	out := tensor.Shape{
		N: input.N,
		C: kernels.N,
		H: (p.H-kernels.H)/info.VerticalStride + 1,
		W: (p.W-kernels.W)/info.HorizontalStride + 1,
	}
	if p.H < kernels.H || p.W < kernels.W || out.H <= 0 || out.W <= 0 {
		return tensor.Shape{}, mismatch("convolution output shape", "kernels %v do not fit input %v with %v", kernels, input, info)
	}
	return out, nil
}

func (info ConvolutionInfo) expectOutput(op string, input, kernels tensor.Shape, name string, t *tensor.Tensor) error {
	want, err := info.OutputShape(input, kernels)
	if err != nil {
		return err
	}
	return expectShape(op, name, t, want)
}

// CheckForward validates the operands of Forward.
func (info ConvolutionInfo) CheckForward(x, w, b, y *tensor.Tensor) error {
	const op = "convolution forward"
	if err := info.expectOutput(op, x.Shape(), w.Shape(), "output", y); err != nil {
		return err
	}
	if bs := b.Shape(); bs.N != 1 || bs.CHW() != w.Shape().N {
		return mismatch(op, "bias %v, expected one value per kernel (%d)", bs, w.Shape().N)
	}
	if y.SharesStorage(x) || y.SharesStorage(w) {
		return mismatch(op, "output aliases an input")
	}
	return nil
}

// CheckBackwardData validates the operands of BackwardData.
func (info ConvolutionInfo) CheckBackwardData(dy, w, dx *tensor.Tensor) error {
	const op = "convolution backward data"
	if err := info.expectOutput(op, dx.Shape(), w.Shape(), "output gradient", dy); err != nil {
		return err
	}
	if dx.SharesStorage(dy) || dx.SharesStorage(w) {
		return mismatch(op, "input gradient aliases an input")
	}
	return nil
}

// CheckBackwardFilter validates the operands of BackwardFilter.
func (info ConvolutionInfo) CheckBackwardFilter(x, dy, dw *tensor.Tensor) error {
	return info.expectOutput("convolution backward filter", x.Shape(), dw.Shape(), "output gradient", dy)
}

type scratchSet []*tensor.Tensor

func (s *scratchSet) get(shape tensor.Shape, zero bool) (*tensor.Tensor, error) {
	t, err := scratch(shape, zero)
	if err != nil {
		return nil, err
	}
	*s = append(*s, t)
	return t, nil
}

func (s scratchSet) release() {
	for _, t := range s {
		t.Dispose()
	}
}

// kernels returns w as the valid-mode kernels expect it.
func (info ConvolutionInfo) kernels(w *tensor.Tensor, tmp *scratchSet) (*tensor.Tensor, error) {
	if info.Mode != ConvolutionModeCrossCorrelation {
		return w, nil
	}
	rot, err := tmp.get(w.Shape(), false)
	if err != nil {
		return nil, err
	}
	return rot, Rotate180(w, rot)
}

func (info ConvolutionInfo) pad(x *tensor.Tensor, tmp *scratchSet) (*tensor.Tensor, error) {
	if !info.padded() {
		return x, nil
	}
	xp, err := tmp.get(info.paddedShape(x.Shape()), false)
	if err != nil {
		return nil, err
	}
	return xp, Pad(x, xp, info.VerticalPadding, info.HorizontalPadding)
}

func (info ConvolutionInfo) dilate(dy *tensor.Tensor, dense tensor.Shape, tmp *scratchSet) (*tensor.Tensor, error) {
	if !info.strided() {
		return dy, nil
	}
	dd, err := tmp.get(dense, false)
	if err != nil {
		return nil, err
	}
	return dd, Dilate(dy, dd, info.VerticalStride, info.HorizontalStride)
}

// Forward computes y = conv(pad(x), w) + b, subsampled by the stride.
func (info ConvolutionInfo) Forward(x, w, b, y *tensor.Tensor) error {
	if err := info.CheckForward(x, w, b, y); err != nil {
		return err
	}
	var tmp scratchSet
	defer tmp.release()

	src, err := info.pad(x, &tmp)
	if err != nil {
		return err
	}
	kern, err := info.kernels(w, &tmp)
	if err != nil {
		return err
	}
	if !info.strided() {
		return ConvolutionForward(src, kern, b, y)
	}
	dense, err := tmp.get(info.denseShape(x.Shape(), w.Shape()), false)
	if err != nil {
		return err
	}
	if err := ConvolutionForward(src, kern, b, dense); err != nil {
		return err
	}
	return Subsample(dense, y, info.VerticalStride, info.HorizontalStride)
}

// BackwardData computes the input gradient dx from dy.
func (info ConvolutionInfo) BackwardData(dy, w, dx *tensor.Tensor) error {
	if err := info.CheckBackwardData(dy, w, dx); err != nil {
		return err
	}
	var tmp scratchSet
	defer tmp.release()

	grad, err := info.dilate(dy, info.denseShape(dx.Shape(), w.Shape()), &tmp)
	if err != nil {
		return err
	}
	kern, err := info.kernels(w, &tmp)
	if err != nil {
		return err
	}
	if !info.padded() {
		return ConvolutionBackwardData(grad, kern, dx)
	}
	dp, err := tmp.get(info.paddedShape(dx.Shape()), false)
	if err != nil {
		return err
	}
	if err := ConvolutionBackwardData(grad, kern, dp); err != nil {
		return err
	}
	return Crop(dp, dx, info.VerticalPadding, info.HorizontalPadding)
}

// BackwardFilter computes the kernel gradient dw.
func (info ConvolutionInfo) BackwardFilter(x, dy, dw *tensor.Tensor) error {
	if err := info.CheckBackwardFilter(x, dy, dw); err != nil {
		return err
	}
	var tmp scratchSet
	defer tmp.release()

	src, err := info.pad(x, &tmp)
	if err != nil {
		return err
	}
	grad, err := info.dilate(dy, info.denseShape(x.Shape(), dw.Shape()), &tmp)
	if err != nil {
		return err
	}
	if info.Mode != ConvolutionModeCrossCorrelation {
		return ConvolutionBackwardFilter(src, grad, dw)
	}
	rot, err := tmp.get(dw.Shape(), false)
	if err != nil {
		return err
	}
	if err := ConvolutionBackwardFilter(src, grad, rot); err != nil {
		return err
	}
	return Rotate180(rot, dw)
}

// BackwardBias computes the bias gradient. Padding and stride do not change it.
func (info ConvolutionInfo) BackwardBias(dy, db *tensor.Tensor) error {
	return ConvolutionBackwardBias(dy, db)
}
