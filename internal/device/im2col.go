package device

import (
	"github.com/23skdu/longbow-cortex/internal/dnn"
	"github.com/23skdu/longbow-cortex/internal/tensor"
)

// convGeometry lowers one sample of a padded, strided convolution to a matrix
// product. The patch matrix has one row per (channel, kernel row, kernel
// column) and one column per output pixel.
type convGeometry struct {
	c, h, w    int
	kh, kw     int
	oh, ow     int
	vPad, hPad int
	vStr, hStr int
}

func newConvGeometry(info dnn.ConvolutionInfo, input, kernels, output tensor.Shape) convGeometry {
	return convGeometry{
		c: input.C, h: input.H, w: input.W,
		kh: kernels.H, kw: kernels.W,
		oh: output.H, ow: output.W,
		vPad: info.VerticalPadding, hPad: info.HorizontalPadding,
		vStr: info.VerticalStride, hStr: info.HorizontalStride,
	}
}

func (g convGeometry) patch() int  { return g.c * g.kh * g.kw }
func (g convGeometry) pixels() int { return g.oh * g.ow }

// im2col gathers the receptive field of every output pixel of src (C, H, W)
// into col. Taps that fall into the padding read as zero.
func (g convGeometry) im2col(src, col []float32) {
	pixels := g.pixels()
	for z := 0; z < g.c; z++ {
		plane := src[z*g.h*g.w : (z+1)*g.h*g.w]
		for i := 0; i < g.kh; i++ {
			for j := 0; j < g.kw; j++ {
				dst := col[((z*g.kh+i)*g.kw+j)*pixels:]
				for r := 0; r < g.oh; r++ {
					out := dst[r*g.ow : (r+1)*g.ow]
					y := r*g.vStr + i - g.vPad
					if y < 0 || y >= g.h {
						clear(out)
						continue
					}
					row := plane[y*g.w : (y+1)*g.w]
					for c := range out {
						if x := c*g.hStr + j - g.hPad; x >= 0 && x < g.w {
							out[c] = row[x]
						} else {
							out[c] = 0
						}
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it scatters col back onto dst (C, H, W),
// summing overlapping taps and dropping the ones that land in the padding.
func (g convGeometry) col2im(col, dst []float32) {
	clear(dst)
	pixels := g.pixels()
	for z := 0; z < g.c; z++ {
		plane := dst[z*g.h*g.w : (z+1)*g.h*g.w]
		for i := 0; i < g.kh; i++ {
			for j := 0; j < g.kw; j++ {
				src := col[((z*g.kh+i)*g.kw+j)*pixels:]
				for r := 0; r < g.oh; r++ {
					y := r*g.vStr + i - g.vPad
					if y < 0 || y >= g.h {
						continue
					}
					row := plane[y*g.w : (y+1)*g.w]
					for c, v := range src[r*g.ow : (r+1)*g.ow] {
						if x := c*g.hStr + j - g.hPad; x >= 0 && x < g.w {
							row[x] += v
						}
					}
				}
			}
		}
	}
}
