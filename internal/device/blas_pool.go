package device

import (
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-cortex/internal/dnn"
	"github.com/23skdu/longbow-cortex/internal/parallel"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// poolPlanes walks the (input, output) plane pairs of a pooling call.
type poolPlanes struct {
	info       dnn.PoolingInfo
	in, out    tensor.Shape
	one        []float32
	windowSize int
}

func newPoolPlanes(info dnn.PoolingInfo, in, out tensor.Shape) poolPlanes {
	return poolPlanes{
		info:       info,
		in:         in,
		out:        out,
		one:        ones(min(info.WindowWidth, in.W)).Data,
		windowSize: min(info.WindowHeight, in.H) * min(info.WindowWidth, in.W),
	}
}

// bounds returns the half-open window of output (r, c), truncated at the
// bottom and right edges.
func (p poolPlanes) bounds(r, c int) (r0, r1, c0, c1 int) {
	r0, c0 = r*p.info.VerticalStride, c*p.info.HorizontalStride
	return r0, min(r0+p.info.WindowHeight, p.in.H), c0, min(c0+p.info.WindowWidth, p.in.W)
}

// winner copies the window into buf row by row and returns the plane offset
// of its first maximum in row-major order, which is the element the reference
// argmax selects.
func (p poolPlanes) winner(plane, buf []float32, r0, r1, c0, c1 int) int {
	cols := c1 - c0
	for a := r0; a < r1; a++ {
		blas32.Copy(vec(plane[a*p.in.W+c0:a*p.in.W+c1]), vec(buf[(a-r0)*cols:(a-r0+1)*cols]))
	}
	best := 0
	for i, v := range buf[:(r1-r0)*cols] {
		if v > buf[best] {
			best = i
		}
	}
	return (r0+best/cols)*p.in.W + c0 + best%cols
}

// each runs f over every plane with a window-sized scratch buffer.
func (p poolPlanes) each(f func(in, out int, buf []float32)) error {
	pool := tensor.DefaultPool()
	return parallel.ForBatch(p.in.N, p.in.C, func(i, z int) {
		buf := pool.Get(p.windowSize, false)
		defer pool.Put(buf)
		k := i*p.in.C + z
		f(k*p.in.HW(), k*p.out.HW(), buf)
	})
}

// PoolingForward gathers max windows with blas32.Copy and reduces average
// windows with one Dot against ones per window row.
func (b *BLASBackend) PoolingForward(info dnn.PoolingInfo, x, y *tensor.Tensor) error {
	return b.run("pool_forward",
		func() error { return info.CheckForward(x, y) },
		func() error {
			p := newPoolPlanes(info, x.Shape(), y.Shape())
			xd, yd := x.Span(), y.Span()
			return p.each(func(in, out int, buf []float32) {
				plane, dst := xd[in:in+p.in.HW()], yd[out:out+p.out.HW()]
				for r := 0; r < p.out.H; r++ {
					for c := 0; c < p.out.W; c++ {
						r0, r1, c0, c1 := p.bounds(r, c)
						if info.Mode == dnn.PoolingModeMax {
							dst[r*p.out.W+c] = plane[p.winner(plane, buf, r0, r1, c0, c1)]
							continue
						}
						var sum float32
						for a := r0; a < r1; a++ {
							sum += blas32.Dot(vec(plane[a*p.in.W+c0:a*p.in.W+c1]), vec(p.one[:c1-c0]))
						}
						dst[r*p.out.W+c] = sum / float32((r1-r0)*(c1-c0))
					}
				}
			})
		})
}

// PoolingBackward clears each dx plane, then routes max gradients to the
// gathered winner and spreads average gradients with Axpy per window row.
func (b *BLASBackend) PoolingBackward(info dnn.PoolingInfo, x, dy, dx *tensor.Tensor) error {
	return b.run("pool_backward",
		func() error { return info.CheckBackward(x, dy, dx) },
		func() error {
			p := newPoolPlanes(info, x.Shape(), dy.Shape())
			xd, dyd, dxd := x.Span(), dy.Span(), dx.Span()
			return p.each(func(in, out int, buf []float32) {
				plane, grad, dst := xd[in:in+p.in.HW()], dyd[out:out+p.out.HW()], dxd[in:in+p.in.HW()]
				clear(dst)
				for r := 0; r < p.out.H; r++ {
					for c := 0; c < p.out.W; c++ {
						g := grad[r*p.out.W+c]
						r0, r1, c0, c1 := p.bounds(r, c)
						if info.Mode == dnn.PoolingModeMax {
							dst[p.winner(plane, buf, r0, r1, c0, c1)] += g
							continue
						}
						g /= float32((r1 - r0) * (c1 - c0))
						for a := r0; a < r1; a++ {
							blas32.Axpy(g, vec(p.one[:c1-c0]), vec(dst[a*p.in.W+c0:a*p.in.W+c1]))
						}
					}
				}
			})
		})
}
