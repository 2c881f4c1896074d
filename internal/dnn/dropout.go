package dnn

import (
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-cortex/internal/parallel"
	"github.com/23skdu/longbow-cortex/internal/simd"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// Dropout generates inverted-dropout masks. Every Forward call draws a new
// call number, and every sample of that call gets its own PCG stream seeded
// from (seed, call, sample), so masks are reproducible for a given seed and
// call order regardless of how samples are scheduled.
type Dropout struct {
	seed  uint64
	calls atomic.Uint64
}

// NewDropout returns a mask generator with the given seed.
func NewDropout(seed uint64) *Dropout {
	return &Dropout{seed: seed}
}

var defaultDropout = NewDropout(uint64(time.Now().UnixNano()))

// CheckDropoutForward validates p, x, y and mask.
func CheckDropoutForward(p float32, x, y, mask *tensor.Tensor) error {
	if !(p > 0 && p < 1) {
		return invalid("dropout forward", "keep probability %v outside (0, 1)", p)
	}
	return checkSameShape("dropout forward", x, y, mask)
}

// Forward keeps each element of x with probability p, scaling survivors by
// 1/p. The mask (1/p or 0 per element) is written for DropoutBackward.
func (d *Dropout) Forward(p float32, x, y, mask *tensor.Tensor) error {
	if err := CheckDropoutForward(p, x, y, mask); err != nil {
		return err
	}
	stream := splitmix64(d.seed ^ splitmix64(d.calls.Add(1)))
	scale := 1 / p
	xd, yd, md := x.Span(), y.Span(), mask.Span()
	l := x.Shape().CHW()
	return parallel.For(x.Shape().N, func(i int) {
		rng := rand.New(rand.NewPCG(stream, uint64(i)))
		for j := i * l; j < (i+1)*l; j++ {
			if rng.Float32() < p {
				md[j] = scale
			} else {
				md[j] = 0
			}
			yd[j] = xd[j] * md[j]
		}
	})
}

// splitmix64 is the SplitMix64 output mix.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// DropoutForward applies Forward with a process-wide, time-seeded generator.
func DropoutForward(p float32, x, y, mask *tensor.Tensor) error {
	return defaultDropout.Forward(p, x, y, mask)
}

// DropoutBackward computes dx = dy ⊙ mask.
func DropoutBackward(mask, dy, dx *tensor.Tensor) error {
	if err := checkSameShape("dropout backward", mask, dy, dx); err != nil {
		return err
	}
	l := dy.Shape().CHW()
	md, dyd, dxd := mask.Span(), dy.Span(), dx.Span()
	return parallel.For(dy.Shape().N, func(i int) {
		simd.VecMul(dxd[i*l:(i+1)*l], dyd[i*l:(i+1)*l], md[i*l:(i+1)*l])
	})
}
