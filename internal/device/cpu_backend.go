package device

import (
	"time"

	"github.com/23skdu/longbow-cortex/internal/blas"
	"github.com/23skdu/longbow-cortex/internal/dnn"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// CPUBackend is the reference implementation. Every method forwards to the
// blas and dnn packages and records its latency.
type CPUBackend struct {
	name string
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{name: "cpu"}
}

func (b *CPUBackend) Name() string {
	return b.name
}

// record observes the latency of a kernel call that started at start and
// returned err. Call sites pass time.Now() before the kernel call in the
// argument list, which Go evaluates left to right.
func (b *CPUBackend) record(kernel string, start time.Time, err error) error {
	kernelDuration.WithLabelValues(b.name, kernel).Observe(time.Since(start).Seconds())
	if err != nil {
		kernelErrors.WithLabelValues(b.name, kernel).Inc()
	}
	return err
}

func (b *CPUBackend) Transpose(x, y *tensor.Tensor) error {
	return b.record("transpose", time.Now(), blas.Transpose(x, y))
}

func (b *CPUBackend) Multiply(x1, x2, y *tensor.Tensor) error {
	return b.record("multiply", time.Now(), blas.Multiply(x1, x2, y))
}

func (b *CPUBackend) FullyConnectedForward(x, w, bias, y *tensor.Tensor) error {
	return b.record("fc_forward", time.Now(), dnn.FullyConnectedForward(x, w, bias, y))
}

func (b *CPUBackend) FullyConnectedBackwardData(w, dy, dx *tensor.Tensor) error {
	return b.record("fc_backward_data", time.Now(), dnn.FullyConnectedBackwardData(w, dy, dx))
}

func (b *CPUBackend) FullyConnectedBackwardFilter(x, dy, dw *tensor.Tensor) error {
	return b.record("fc_backward_filter", time.Now(), dnn.FullyConnectedBackwardFilter(x, dy, dw))
}

func (b *CPUBackend) FullyConnectedBackwardBias(dy, db *tensor.Tensor) error {
	return b.record("fc_backward_bias", time.Now(), dnn.FullyConnectedBackwardBias(dy, db))
}

func (b *CPUBackend) ConvolutionForward(info dnn.ConvolutionInfo, x, w, bias, y *tensor.Tensor) error {
	return b.record("conv_forward", time.Now(), info.Forward(x, w, bias, y))
}

func (b *CPUBackend) ConvolutionBackwardData(info dnn.ConvolutionInfo, dy, w, dx *tensor.Tensor) error {
	return b.record("conv_backward_data", time.Now(), info.BackwardData(dy, w, dx))
}

func (b *CPUBackend) ConvolutionBackwardFilter(info dnn.ConvolutionInfo, x, dy, dw *tensor.Tensor) error {
	return b.record("conv_backward_filter", time.Now(), info.BackwardFilter(x, dy, dw))
}

func (b *CPUBackend) ConvolutionBackwardBias(dy, db *tensor.Tensor) error {
	return b.record("conv_backward_bias", time.Now(), dnn.ConvolutionBackwardBias(dy, db))
}

func (b *CPUBackend) PoolingForward(info dnn.PoolingInfo, x, y *tensor.Tensor) error {
	return b.record("pool_forward", time.Now(), info.Forward(x, y))
}

func (b *CPUBackend) PoolingBackward(info dnn.PoolingInfo, x, dy, dx *tensor.Tensor) error {
	return b.record("pool_backward", time.Now(), info.Backward(x, dy, dx))
}

func (b *CPUBackend) BatchNormalizationForward(mode dnn.NormalizationMode, x, gamma, beta *tensor.Tensor, factor float32,
	runningMean, runningVariance, batchMean, batchVariance, y *tensor.Tensor) error {
	return b.record("bn_forward", time.Now(),
		dnn.BatchNormalizationForward(mode, x, gamma, beta, factor, runningMean, runningVariance, batchMean, batchVariance, y))
}

func (b *CPUBackend) BatchNormalizationForwardInference(mode dnn.NormalizationMode, x, gamma, beta, runningMean, runningVariance, y *tensor.Tensor) error {
	return b.record("bn_forward_inference", time.Now(),
		dnn.BatchNormalizationForwardInference(mode, x, gamma, beta, runningMean, runningVariance, y))
}

func (b *CPUBackend) BatchNormalizationBackwardData(mode dnn.NormalizationMode, x, mean, variance, gamma, dy, dx *tensor.Tensor) error {
	return b.record("bn_backward_data", time.Now(),
		dnn.BatchNormalizationBackwardData(mode, x, mean, variance, gamma, dy, dx))
}

func (b *CPUBackend) BatchNormalizationBackwardGamma(mode dnn.NormalizationMode, x, mean, variance, dy, dgamma *tensor.Tensor) error {
	return b.record("bn_backward_gamma", time.Now(),
		dnn.BatchNormalizationBackwardGamma(mode, x, mean, variance, dy, dgamma))
}

func (b *CPUBackend) BatchNormalizationBackwardBeta(mode dnn.NormalizationMode, dy, dbeta *tensor.Tensor) error {
	return b.record("bn_backward_beta", time.Now(), dnn.BatchNormalizationBackwardBeta(mode, dy, dbeta))
}

func (b *CPUBackend) ActivationForward(x, y *tensor.Tensor, f dnn.ActivationFunction) error {
	return b.record("activation_forward", time.Now(), dnn.ActivationForward(x, y, f))
}

func (b *CPUBackend) ActivationBackward(x, dy *tensor.Tensor, fPrime dnn.ActivationFunction, dx *tensor.Tensor) error {
	return b.record("activation_backward", time.Now(), dnn.ActivationBackward(x, dy, fPrime, dx))
}

func (b *CPUBackend) SoftmaxForward(x, y *tensor.Tensor) error {
	return b.record("softmax_forward", time.Now(), dnn.SoftmaxForward(x, y))
}

func (b *CPUBackend) DepthConcatenationForward(x1, x2, y *tensor.Tensor) error {
	return b.record("concat_forward", time.Now(), dnn.DepthConcatenationForward(x1, x2, y))
}

func (b *CPUBackend) DepthConcatenationBackward(dy, dx1, dx2 *tensor.Tensor) error {
	return b.record("concat_backward", time.Now(), dnn.DepthConcatenationBackward(dy, dx1, dx2))
}

func (b *CPUBackend) DropoutForward(d *dnn.Dropout, p float32, x, y, mask *tensor.Tensor) error {
	return b.record("dropout_forward", time.Now(), d.Forward(p, x, y, mask))
}

func (b *CPUBackend) DropoutBackward(mask, dy, dx *tensor.Tensor) error {
	return b.record("dropout_backward", time.Now(), dnn.DropoutBackward(mask, dy, dx))
}
