// Package device exposes the kernel set behind a Backend interface so that the
// CPU reference implementation and the BLAS-accelerated mirror can be swapped
// and compared on identical inputs.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-cortex/internal/dnn"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// ErrUnknownBackend is returned by New for an unrecognised backend name.
var ErrUnknownBackend = errors.New("unknown backend")

// Backend runs the numerical kernels. All methods validate their operands
// before writing anything and return an error instead of panicking on bad
// shapes. Implementations must agree with the CPU reference within the
// tolerances checked by the parity suite.
type Backend interface {
	Name() string

	// Linear algebra
	Transpose(x, y *tensor.Tensor) error
	Multiply(x1, x2, y *tensor.Tensor) error

	// Fully connected
	FullyConnectedForward(x, w, b, y *tensor.Tensor) error
	FullyConnectedBackwardData(w, dy, dx *tensor.Tensor) error
	FullyConnectedBackwardFilter(x, dy, dw *tensor.Tensor) error
	FullyConnectedBackwardBias(dy, db *tensor.Tensor) error

	// Convolution
	ConvolutionForward(info dnn.ConvolutionInfo, x, w, b, y *tensor.Tensor) error
	ConvolutionBackwardData(info dnn.ConvolutionInfo, dy, w, dx *tensor.Tensor) error
	ConvolutionBackwardFilter(info dnn.ConvolutionInfo, x, dy, dw *tensor.Tensor) error
	ConvolutionBackwardBias(dy, db *tensor.Tensor) error

	// Pooling
	PoolingForward(info dnn.PoolingInfo, x, y *tensor.Tensor) error
	PoolingBackward(info dnn.PoolingInfo, x, dy, dx *tensor.Tensor) error

	// Batch normalization
	BatchNormalizationForward(mode dnn.NormalizationMode, x, gamma, beta *tensor.Tensor, factor float32,
		runningMean, runningVariance, batchMean, batchVariance, y *tensor.Tensor) error
	BatchNormalizationForwardInference(mode dnn.NormalizationMode, x, gamma, beta, runningMean, runningVariance, y *tensor.Tensor) error
	BatchNormalizationBackwardData(mode dnn.NormalizationMode, x, mean, variance, gamma, dy, dx *tensor.Tensor) error
	BatchNormalizationBackwardGamma(mode dnn.NormalizationMode, x, mean, variance, dy, dgamma *tensor.Tensor) error
	BatchNormalizationBackwardBeta(mode dnn.NormalizationMode, dy, dbeta *tensor.Tensor) error

	// Pointwise and structural
	ActivationForward(x, y *tensor.Tensor, f dnn.ActivationFunction) error
	ActivationBackward(x, dy *tensor.Tensor, fPrime dnn.ActivationFunction, dx *tensor.Tensor) error
	SoftmaxForward(x, y *tensor.Tensor) error
	DepthConcatenationForward(x1, x2, y *tensor.Tensor) error
	DepthConcatenationBackward(dy, dx1, dx2 *tensor.Tensor) error
	DropoutForward(d *dnn.Dropout, p float32, x, y, mask *tensor.Tensor) error
	DropoutBackward(mask, dy, dx *tensor.Tensor) error
}

// Names lists the backends New accepts.
func Names() []string {
	return []string{"cpu", "blas"}
}

// New returns the backend with the given name.
func New(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "cpu":
		return NewCPUBackend(), nil
	case "blas":
		return NewBLASBackend(), nil
	default:
		return nil, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownBackend, name, strings.Join(Names(), ", "))
	}
}
