package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-cortex/internal/device"
	"github.com/23skdu/longbow-cortex/internal/dnn"
	"github.com/23skdu/longbow-cortex/internal/fixture"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// kernelDef describes how to generate, run and compare one kernel.
type kernelDef struct {
	name      string
	tolerance float32
	// generate builds a case with random inputs for a batch of n samples.
	generate func(rng *rand.Rand, n int) fixture.Case
	// run executes the case on b. Outputs are allocated from a.
	run func(b device.Backend, c *fixture.Case, a *arena) (map[string]*tensor.Tensor, error)
}

// arena owns the tensors materialized for one kernel run. The first error is
// sticky so run functions can allocate everything and check once.
type arena struct {
	tensors []*tensor.Tensor
	err     error
}

func (a *arena) keep(t *tensor.Tensor, err error) *tensor.Tensor {
	if a.err != nil {
		return nil
	}
	if err != nil {
		a.err = err
		return nil
	}
	a.tensors = append(a.tensors, t)
	return t
}

func (a *arena) input(c *fixture.Case, name string) *tensor.Tensor {
	if a.err != nil {
		return nil
	}
	return a.keep(c.Input(name))
}

func (a *arena) alloc(shape tensor.Shape) *tensor.Tensor {
	if a.err != nil {
		return nil
	}
	return a.keep(tensor.New(shape, true))
}

func (a *arena) release() {
	for _, t := range a.tensors {
		t.Dispose()
	}
	a.tensors = nil
}

func randomSnapshot(rng *rand.Rand, shape tensor.Shape) fixture.Snapshot {
	data := make([]float32, shape.NCHW())
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return fixture.Snapshot{Shape: [4]int{shape.N, shape.C, shape.H, shape.W}, Data: data}
}

func between(rng *rand.Rand, lo, hi int) int {
	return lo + rng.IntN(hi-lo+1)
}

func newCase(kernel string, inputs map[string]fixture.Snapshot) fixture.Case {
	return fixture.Case{Kernel: kernel, Params: map[string]int{}, Scalars: map[string]float32{}, Inputs: inputs}
}

func convInfo(c *fixture.Case) dnn.ConvolutionInfo {
	return dnn.ConvolutionInfo{
		Mode:              dnn.ConvolutionMode(c.Params["mode"]),
		VerticalPadding:   c.Params["vertical_padding"],
		HorizontalPadding: c.Params["horizontal_padding"],
		VerticalStride:    c.Params["vertical_stride"],
		HorizontalStride:  c.Params["horizontal_stride"],
	}
}

func poolInfo(c *fixture.Case) dnn.PoolingInfo {
	return dnn.PoolingInfo{
		Mode:             dnn.PoolingMode(c.Params["mode"]),
		WindowHeight:     c.Params["window_height"],
		WindowWidth:      c.Params["window_width"],
		VerticalStride:   c.Params["vertical_stride"],
		HorizontalStride: c.Params["horizontal_stride"],
	}
}

// generateConv draws a random convolution geometry. withGradient adds an
// output gradient input dy.
func generateConv(kernel string, rng *rand.Rand, n int, withGradient bool) fixture.Case {
	ch, k := between(rng, 1, 4), between(rng, 1, 6)
	h, w := between(rng, 5, 14), between(rng, 5, 14)
	kh, kw := between(rng, 1, 5), between(rng, 1, 5)
	info := dnn.ConvolutionInfo{
		Mode:              dnn.ConvolutionMode(rng.IntN(2)),
		VerticalPadding:   rng.IntN(kh),
		HorizontalPadding: rng.IntN(kw),
		VerticalStride:    between(rng, 1, 2),
		HorizontalStride:  between(rng, 1, 2),
	}
	input := tensor.Shape{N: n, C: ch, H: h, W: w}
	kernels := tensor.Shape{N: k, C: ch, H: kh, W: kw}
	out, err := info.OutputShape(input, kernels)
	if err != nil {
		panic(fmt.Sprintf("generated invalid convolution %v * %v with %v: %v", input, kernels, info, err))
	}

	c := newCase(kernel, map[string]fixture.Snapshot{
		"x": randomSnapshot(rng, input),
		"w": randomSnapshot(rng, kernels),
		"b": randomSnapshot(rng, tensor.Shape{N: 1, C: k, H: 1, W: 1}),
	})
	if withGradient {
		c.Inputs["dy"] = randomSnapshot(rng, out)
	}
	c.Params["mode"] = int(info.Mode)
	c.Params["vertical_padding"] = info.VerticalPadding
	c.Params["horizontal_padding"] = info.HorizontalPadding
	c.Params["vertical_stride"] = info.VerticalStride
	c.Params["horizontal_stride"] = info.HorizontalStride
	return c
}

func generateFC(kernel string, rng *rand.Rand, n int) fixture.Case {
	l, k := between(rng, 1, 64), between(rng, 1, 32)
	return newCase(kernel, map[string]fixture.Snapshot{
		"x":  randomSnapshot(rng, tensor.Shape{N: n, C: 1, H: 1, W: l}),
		"w":  randomSnapshot(rng, tensor.Matrix(l, k)),
		"b":  randomSnapshot(rng, tensor.Matrix(1, k)),
		"dy": randomSnapshot(rng, tensor.Matrix(n, k)),
	})
}

func generatePool(kernel string, rng *rand.Rand, n int) fixture.Case {
	x := tensor.Shape{N: n, C: between(rng, 1, 4), H: between(rng, 1, 13), W: between(rng, 1, 13)}
	info := dnn.PoolingInfo{
		Mode:             dnn.PoolingMode(rng.IntN(2)),
		WindowHeight:     between(rng, 1, 3),
		WindowWidth:      between(rng, 1, 3),
		VerticalStride:   between(rng, 1, 3),
		HorizontalStride: between(rng, 1, 3),
	}
	out, err := info.OutputShape(x)
	if err != nil {
		panic(err)
	}
	c := newCase(kernel, map[string]fixture.Snapshot{
		"x":  randomSnapshot(rng, x),
		"dy": randomSnapshot(rng, out),
	})
	c.Params["mode"] = int(info.Mode)
	c.Params["window_height"] = info.WindowHeight
	c.Params["window_width"] = info.WindowWidth
	c.Params["vertical_stride"] = info.VerticalStride
	c.Params["horizontal_stride"] = info.HorizontalStride
	return c
}

func generateBN(kernel string, rng *rand.Rand, n int) fixture.Case {
	mode := dnn.NormalizationMode(rng.IntN(2))
	x := tensor.Shape{N: n, C: between(rng, 1, 6), H: between(rng, 1, 6), W: between(rng, 1, 6)}
	ps := mode.ParameterShape(x)
	c := newCase(kernel, map[string]fixture.Snapshot{
		"x":     randomSnapshot(rng, x),
		"dy":    randomSnapshot(rng, x),
		"gamma": randomSnapshot(rng, ps),
		"beta":  randomSnapshot(rng, ps),
	})
	c.Params["mode"] = int(mode)
	c.Scalars["factor"] = 0.1
	return c
}

var kernelDefs = []kernelDef{
	{
		name: "multiply", tolerance: 1e-4,
		generate: func(rng *rand.Rand, n int) fixture.Case { return generateFC("multiply", rng, n) },
		run: func(b device.Backend, c *fixture.Case, a *arena) (map[string]*tensor.Tensor, error) {
			x, w := a.input(c, "x"), a.input(c, "w")
			y := a.alloc(tensor.Matrix(c.Inputs["x"].TensorShape().N, c.Inputs["w"].TensorShape().CHW()))
			if a.err != nil {
				return nil, a.err
			}
			return map[string]*tensor.Tensor{"y": y}, b.Multiply(x, w, y)
		},
	},
	{
		name: "fc_forward", tolerance: 1e-4,
		generate: func(rng *rand.Rand, n int) fixture.Case { return generateFC("fc_forward", rng, n) },
		run: func(b device.Backend, c *fixture.Case, a *arena) (map[string]*tensor.Tensor, error) {
			x, w, bias, dy := a.input(c, "x"), a.input(c, "w"), a.input(c, "b"), a.input(c, "dy")
			if a.err != nil {
				return nil, a.err
			}
			y := a.alloc(dy.Shape())
			return map[string]*tensor.Tensor{"y": y}, b.FullyConnectedForward(x, w, bias, y)
		},
	},
	{
		name: "fc_backward", tolerance: 1e-4,
		generate: func(rng *rand.Rand, n int) fixture.Case { return generateFC("fc_backward", rng, n) },
		run: func(b device.Backend, c *fixture.Case, a *arena) (map[string]*tensor.Tensor, error) {
			x, w, bias, dy := a.input(c, "x"), a.input(c, "w"), a.input(c, "b"), a.input(c, "dy")
			if a.err != nil {
				return nil, a.err
			}
			dx, dw, db := a.alloc(x.Shape()), a.alloc(w.Shape()), a.alloc(bias.Shape())
			if a.err != nil {
				return nil, a.err
			}
			out := map[string]*tensor.Tensor{"dx": dx, "dw": dw, "db": db}
			if err := b.FullyConnectedBackwardData(w, dy, dx); err != nil {
				return nil, err
			}
			if err := b.FullyConnectedBackwardFilter(x, dy, dw); err != nil {
				return nil, err
			}
			return out, b.FullyConnectedBackwardBias(dy, db)
		},
	},
	{
		name: "conv_forward", tolerance: 1e-4,
		generate: func(rng *rand.Rand, n int) fixture.Case { return generateConv("conv_forward", rng, n, false) },
		run: func(b device.Backend, c *fixture.Case, a *arena) (map[string]*tensor.Tensor, error) {
			info := convInfo(c)
			x, w, bias := a.input(c, "x"), a.input(c, "w"), a.input(c, "b")
			if a.err != nil {
				return nil, a.err
			}
			out, err := info.OutputShape(x.Shape(), w.Shape())
			if err != nil {
				return nil, err
			}
			y := a.alloc(out)
			if a.err != nil {
				return nil, a.err
			}
			return map[string]*tensor.Tensor{"y": y}, b.ConvolutionForward(info, x, w, bias, y)
		},
	},
	{
		name: "conv_backward", tolerance: 1e-4,
		generate: func(rng *rand.Rand, n int) fixture.Case { return generateConv("conv_backward", rng, n, true) },
		run: func(b device.Backend, c *fixture.Case, a *arena) (map[string]*tensor.Tensor, error) {
			info := convInfo(c)
			x, w, bias, dy := a.input(c, "x"), a.input(c, "w"), a.input(c, "b"), a.input(c, "dy")
			if a.err != nil {
				return nil, a.err
			}
			dx, dw, db := a.alloc(x.Shape()), a.alloc(w.Shape()), a.alloc(bias.Shape())
			if a.err != nil {
				return nil, a.err
			}
			out := map[string]*tensor.Tensor{"dx": dx, "dw": dw, "db": db}
			if err := b.ConvolutionBackwardData(info, dy, w, dx); err != nil {
				return nil, err
			}
			if err := b.ConvolutionBackwardFilter(info, x, dy, dw); err != nil {
				return nil, err
			}
			return out, b.ConvolutionBackwardBias(dy, db)
		},
	},
	{
		name: "pooling", tolerance: 1e-5,
		generate: func(rng *rand.Rand, n int) fixture.Case { return generatePool("pooling", rng, n) },
		run: func(b device.Backend, c *fixture.Case, a *arena) (map[string]*tensor.Tensor, error) {
			info := poolInfo(c)
			x, dy := a.input(c, "x"), a.input(c, "dy")
			if a.err != nil {
				return nil, a.err
			}
			y, dx := a.alloc(dy.Shape()), a.alloc(x.Shape())
			if a.err != nil {
				return nil, a.err
			}
			if err := b.PoolingForward(info, x, y); err != nil {
				return nil, err
			}
			return map[string]*tensor.Tensor{"y": y, "dx": dx}, b.PoolingBackward(info, x, dy, dx)
		},
	},
	{
		name: "batch_normalization", tolerance: 1e-4,
		generate: func(rng *rand.Rand, n int) fixture.Case { return generateBN("batch_normalization", rng, n) },
		run: func(b device.Backend, c *fixture.Case, a *arena) (map[string]*tensor.Tensor, error) {
			mode := dnn.NormalizationMode(c.Params["mode"])
			x, dy, gamma, beta := a.input(c, "x"), a.input(c, "dy"), a.input(c, "gamma"), a.input(c, "beta")
			if a.err != nil {
				return nil, a.err
			}
			ps := gamma.Shape()
			rm, rv, m, v := a.alloc(ps), a.alloc(ps), a.alloc(ps), a.alloc(ps)
			y, dx, dgamma, dbeta := a.alloc(x.Shape()), a.alloc(x.Shape()), a.alloc(ps), a.alloc(ps)
			if a.err != nil {
				return nil, a.err
			}
			rv.Fill(1)
			if err := b.BatchNormalizationForward(mode, x, gamma, beta, c.Scalars["factor"], rm, rv, m, v, y); err != nil {
				return nil, err
			}
			if err := b.BatchNormalizationBackwardData(mode, x, m, v, gamma, dy, dx); err != nil {
				return nil, err
			}
			if err := b.BatchNormalizationBackwardGamma(mode, x, m, v, dy, dgamma); err != nil {
				return nil, err
			}
			out := map[string]*tensor.Tensor{"y": y, "dx": dx, "dgamma": dgamma, "dbeta": dbeta, "running_mean": rm, "running_variance": rv}
			return out, b.BatchNormalizationBackwardBeta(mode, dy, dbeta)
		},
	},
	{
		name: "softmax", tolerance: 1e-5,
		generate: func(rng *rand.Rand, n int) fixture.Case {
			return newCase("softmax", map[string]fixture.Snapshot{
				"x": randomSnapshot(rng, tensor.Matrix(n, between(rng, 2, 100))),
			})
		},
		run: func(b device.Backend, c *fixture.Case, a *arena) (map[string]*tensor.Tensor, error) {
			x := a.input(c, "x")
			if a.err != nil {
				return nil, a.err
			}
			y := a.alloc(x.Shape())
			if a.err != nil {
				return nil, a.err
			}
			return map[string]*tensor.Tensor{"y": y}, b.SoftmaxForward(x, y)
		},
	},
}

func lookupKernel(name string) (*kernelDef, error) {
	for i := range kernelDefs {
		if kernelDefs[i].name == name {
			return &kernelDefs[i], nil
		}
	}
	return nil, fmt.Errorf("unknown kernel %q", name)
}
