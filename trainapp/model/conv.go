package model

import (
	"fmt"
	"math/rand"
)

// samePadding returns the top/left padding for "same" convolution semantics.
func samePadding(in, kernel, stride int) (pad int, out int) {
	out = (in + stride - 1) / stride
	total := (out-1)*stride + kernel - in
	if total < 0 {
		total = 0
	}
	return total / 2, out
}

// Conv2D is a standard 2D convolution over NHWC input. Bias is omitted
// because every convolution in this model is followed by BatchNorm.
type Conv2D struct {
	base
	weight *Param // [kh, kw, cin, cout]
	stride int

	in      *Tensor
	outH    int
	outW    int
	padTop  int
	padLeft int
}

// NewConv2D creates a 2D convolution with He-normal weights.
func NewConv2D(rng *rand.Rand, inChannels, outChannels, kernel, stride int, name string) *Conv2D {
	c := &Conv2D{
		base:   base{name: name, trainable: true},
		weight: newParam(name+".weight", kernel, kernel, inChannels, outChannels),
		stride: stride,
	}
	fillHeNormal(rng, c.weight.Value, kernel*kernel*inChannels)
	return c
}

func (c *Conv2D) Forward(x *Tensor, training bool) (*Tensor, error) {
	kh, kw, cin, cout := c.weight.Value.Shape[0], c.weight.Value.Shape[1], c.weight.Value.Shape[2], c.weight.Value.Shape[3]
	if len(x.Shape) != 4 || x.Shape[3] != cin {
		return nil, fmt.Errorf("%s: input shape %s does not match weight %s",
			c.name, shapeString(x.Shape), shapeString(c.weight.Value.Shape))
	}
	n, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	padTop, outH := samePadding(h, kh, c.stride)
	padLeft, outW := samePadding(w, kw, c.stride)

	y := NewTensor(n, outH, outW, cout)
	wd := c.weight.Value.Data
	for b := 0; b < n; b++ {
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				out := y.Data[((b*outH+oy)*outW+ox)*cout : ((b*outH+oy)*outW+ox+1)*cout]
				for ky := 0; ky < kh; ky++ {
					iy := oy*c.stride + ky - padTop
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < kw; kx++ {
						ix := ox*c.stride + kx - padLeft
						if ix < 0 || ix >= w {
							continue
						}
						src := x.Data[((b*h+iy)*w+ix)*cin : ((b*h+iy)*w+ix+1)*cin]
						wOff := ((ky*kw + kx) * cin) * cout
						for ci, xv := range src {
							if xv == 0 {
								continue
							}
							wRow := wd[wOff+ci*cout : wOff+(ci+1)*cout]
							for co, wv := range wRow {
								out[co] += xv * wv
							}
						}
					}
				}
			}
		}
	}

	c.in = x
	c.outH, c.outW = outH, outW
	c.padTop, c.padLeft = padTop, padLeft
	return y, nil
}

func (c *Conv2D) Backward(grad *Tensor) (*Tensor, error) {
	if c.in == nil {
		return nil, fmt.Errorf("%s: backward before forward", c.name)
	}
	x := c.in
	kh, kw, cin, cout := c.weight.Value.Shape[0], c.weight.Value.Shape[1], c.weight.Value.Shape[2], c.weight.Value.Shape[3]
	n, h, w := x.Shape[0], x.Shape[1], x.Shape[2]

	dx := NewTensor(n, h, w, cin)
	wd := c.weight.Value.Data
	dw := c.weight.Grad.Data
	for b := 0; b < n; b++ {
		for oy := 0; oy < c.outH; oy++ {
			for ox := 0; ox < c.outW; ox++ {
				g := grad.Data[((b*c.outH+oy)*c.outW+ox)*cout : ((b*c.outH+oy)*c.outW+ox+1)*cout]
				for ky := 0; ky < kh; ky++ {
					iy := oy*c.stride + ky - c.padTop
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < kw; kx++ {
						ix := ox*c.stride + kx - c.padLeft
						if ix < 0 || ix >= w {
							continue
						}
						src := x.Data[((b*h+iy)*w+ix)*cin : ((b*h+iy)*w+ix+1)*cin]
						dst := dx.Data[((b*h+iy)*w+ix)*cin : ((b*h+iy)*w+ix+1)*cin]
						wOff := ((ky*kw + kx) * cin) * cout
						for ci := 0; ci < cin; ci++ {
							wRow := wd[wOff+ci*cout : wOff+(ci+1)*cout]
							dwRow := dw[wOff+ci*cout : wOff+(ci+1)*cout]
							xv := src[ci]
							var acc float32
							for co, gv := range g {
								dwRow[co] += xv * gv
								acc += wRow[co] * gv
							}
							dst[ci] += acc
						}
					}
				}
			}
		}
	}
	return dx, nil
}

func (c *Conv2D) Params() []*Param {
	return []*Param{c.weight}
}

// DepthwiseConv2D convolves each input channel with its own kernel, the
// spatial half of a depthwise-separable convolution.
type DepthwiseConv2D struct {
	base
	weight *Param // [kh, kw, c]
	stride int

	in      *Tensor
	outH    int
	outW    int
	padTop  int
	padLeft int
}

// NewDepthwiseConv2D creates a depthwise convolution with He-normal weights.
func NewDepthwiseConv2D(rng *rand.Rand, channels, kernel, stride int, name string) *DepthwiseConv2D {
	c := &DepthwiseConv2D{
		base:   base{name: name, trainable: true},
		weight: newParam(name+".weight", kernel, kernel, channels),
		stride: stride,
	}
	fillHeNormal(rng, c.weight.Value, kernel*kernel)
	return c
}

func (c *DepthwiseConv2D) Forward(x *Tensor, training bool) (*Tensor, error) {
	kh, kw, ch := c.weight.Value.Shape[0], c.weight.Value.Shape[1], c.weight.Value.Shape[2]
	if len(x.Shape) != 4 || x.Shape[3] != ch {
		return nil, fmt.Errorf("%s: input shape %s does not match weight %s",
			c.name, shapeString(x.Shape), shapeString(c.weight.Value.Shape))
	}
	n, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	padTop, outH := samePadding(h, kh, c.stride)
	padLeft, outW := samePadding(w, kw, c.stride)

	y := NewTensor(n, outH, outW, ch)
	wd := c.weight.Value.Data
	for b := 0; b < n; b++ {
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				out := y.Data[((b*outH+oy)*outW+ox)*ch : ((b*outH+oy)*outW+ox+1)*ch]
				for ky := 0; ky < kh; ky++ {
					iy := oy*c.stride + ky - padTop
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < kw; kx++ {
						ix := ox*c.stride + kx - padLeft
						if ix < 0 || ix >= w {
							continue
						}
						src := x.Data[((b*h+iy)*w+ix)*ch : ((b*h+iy)*w+ix+1)*ch]
						wRow := wd[(ky*kw+kx)*ch : (ky*kw+kx+1)*ch]
						for ci, xv := range src {
							out[ci] += xv * wRow[ci]
						}
					}
				}
			}
		}
	}

	c.in = x
	c.outH, c.outW = outH, outW
	c.padTop, c.padLeft = padTop, padLeft
	return y, nil
}

func (c *DepthwiseConv2D) Backward(grad *Tensor) (*Tensor, error) {
	if c.in == nil {
		return nil, fmt.Errorf("%s: backward before forward", c.name)
	}
	x := c.in
	kh, kw, ch := c.weight.Value.Shape[0], c.weight.Value.Shape[1], c.weight.Value.Shape[2]
	n, h, w := x.Shape[0], x.Shape[1], x.Shape[2]

	dx := NewTensor(n, h, w, ch)
	wd := c.weight.Value.Data
	dw := c.weight.Grad.Data
	for b := 0; b < n; b++ {
		for oy := 0; oy < c.outH; oy++ {
			for ox := 0; ox < c.outW; ox++ {
				g := grad.Data[((b*c.outH+oy)*c.outW+ox)*ch : ((b*c.outH+oy)*c.outW+ox+1)*ch]
				for ky := 0; ky < kh; ky++ {
					iy := oy*c.stride + ky - c.padTop
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < kw; kx++ {
						ix := ox*c.stride + kx - c.padLeft
						if ix < 0 || ix >= w {
							continue
						}
						src := x.Data[((b*h+iy)*w+ix)*ch : ((b*h+iy)*w+ix+1)*ch]
						dst := dx.Data[((b*h+iy)*w+ix)*ch : ((b*h+iy)*w+ix+1)*ch]
						wRow := wd[(ky*kw+kx)*ch : (ky*kw+kx+1)*ch]
						dwRow := dw[(ky*kw+kx)*ch : (ky*kw+kx+1)*ch]
						for ci, gv := range g {
							dwRow[ci] += src[ci] * gv
							dst[ci] += wRow[ci] * gv
						}
					}
				}
			}
		}
	}
	return dx, nil
}

func (c *DepthwiseConv2D) Params() []*Param {
	return []*Param{c.weight}
}
