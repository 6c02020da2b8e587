package model

import (
	"fmt"
	"math"
	"math/rand"
)

// Param is a learnable tensor together with its accumulated gradient.
type Param struct {
	Name  string
	Value *Tensor
	Grad  *Tensor
}

func newParam(name string, shape ...int) *Param {
	return &Param{
		Name:  name,
		Value: NewTensor(shape...),
		Grad:  NewTensor(shape...),
	}
}

// Layer is a single node of the computation graph. Forward caches whatever
// Backward needs, so a layer instance must not be shared between models.
type Layer interface {
	Name() string
	Forward(x *Tensor, training bool) (*Tensor, error)
	Backward(grad *Tensor) (*Tensor, error)
	Params() []*Param
	Trainable() bool
	SetTrainable(trainable bool)
}

// base carries the name and trainable flag common to all layers.
type base struct {
	name      string
	trainable bool
}

func (b *base) Name() string                { return b.name }
func (b *base) Trainable() bool             { return b.trainable }
func (b *base) SetTrainable(trainable bool) { b.trainable = trainable }

// Dense is a fully connected layer over [batch, features] inputs.
type Dense struct {
	base
	weight *Param
	bias   *Param

	in *Tensor
}

// NewDense creates a dense layer with Glorot-uniform weights.
func NewDense(rng *rand.Rand, inFeatures, outFeatures int, name string) *Dense {
	d := &Dense{
		base:   base{name: name, trainable: true},
		weight: newParam(name+".weight", inFeatures, outFeatures),
		bias:   newParam(name+".bias", outFeatures),
	}
	fillGlorotUniform(rng, d.weight.Value, inFeatures, outFeatures)
	return d
}

func (d *Dense) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != d.weight.Value.Shape[0] {
		return nil, fmt.Errorf("%s: input shape %s does not match weight %s",
			d.name, shapeString(x.Shape), shapeString(d.weight.Value.Shape))
	}
	d.in = x

	batch, in, out := x.Shape[0], d.weight.Value.Shape[0], d.weight.Value.Shape[1]
	y := NewTensor(batch, out)
	w := d.weight.Value.Data
	b := d.bias.Value.Data
	for n := 0; n < batch; n++ {
		xRow := x.Data[n*in : (n+1)*in]
		yRow := y.Data[n*out : (n+1)*out]
		copy(yRow, b)
		for i, xv := range xRow {
			if xv == 0 {
				continue
			}
			wRow := w[i*out : (i+1)*out]
			for j, wv := range wRow {
				yRow[j] += xv * wv
			}
		}
	}
	return y, nil
}

func (d *Dense) Backward(grad *Tensor) (*Tensor, error) {
	x := d.in
	if x == nil {
		return nil, fmt.Errorf("%s: backward before forward", d.name)
	}
	batch, in, out := x.Shape[0], d.weight.Value.Shape[0], d.weight.Value.Shape[1]
	dx := NewTensor(batch, in)
	w := d.weight.Value.Data
	dw := d.weight.Grad.Data
	db := d.bias.Grad.Data
	for n := 0; n < batch; n++ {
		xRow := x.Data[n*in : (n+1)*in]
		gRow := grad.Data[n*out : (n+1)*out]
		dxRow := dx.Data[n*in : (n+1)*in]
		for j, gv := range gRow {
			db[j] += gv
		}
		for i, xv := range xRow {
			wRow := w[i*out : (i+1)*out]
			dwRow := dw[i*out : (i+1)*out]
			var acc float32
			for j, gv := range gRow {
				dwRow[j] += xv * gv
				acc += wRow[j] * gv
			}
			dxRow[i] = acc
		}
	}
	return dx, nil
}

func (d *Dense) Params() []*Param {
	return []*Param{d.weight, d.bias}
}

// BatchNorm normalizes over the trailing channel axis. Following the usual
// transfer-learning behavior, a frozen BatchNorm always runs in inference
// mode with its stored running statistics.
type BatchNorm struct {
	base
	gamma *Param
	beta  *Param

	// running statistics, not learned by the optimizer
	RunningMean *Tensor
	RunningVar  *Tensor

	momentum float32
	eps      float32

	in     *Tensor
	norm   []float32
	mean   []float32
	invStd []float32
}

// NewBatchNorm creates a batch-normalization layer for c channels.
func NewBatchNorm(c int, name string) *BatchNorm {
	bn := &BatchNorm{
		base:        base{name: name, trainable: true},
		gamma:       newParam(name+".gamma", c),
		beta:        newParam(name+".beta", c),
		RunningMean: NewTensor(c),
		RunningVar:  NewTensor(c),
		momentum:    0.99,
		eps:         1e-3,
	}
	fill(bn.gamma.Value, 1)
	fill(bn.RunningVar, 1)
	return bn
}

func (bn *BatchNorm) channels() int { return bn.gamma.Value.Shape[0] }

func (bn *BatchNorm) Forward(x *Tensor, training bool) (*Tensor, error) {
	c := bn.channels()
	if x.Shape[len(x.Shape)-1] != c {
		return nil, fmt.Errorf("%s: channel mismatch, input %s, layer %d",
			bn.name, shapeString(x.Shape), c)
	}
	n := x.NumElements() / c
	y := NewTensor(x.Shape...)

	batchStats := training && bn.trainable
	mean := make([]float32, c)
	invStd := make([]float32, c)

	if batchStats {
		variance := make([]float32, c)
		for i, v := range x.Data {
			mean[i%c] += v
		}
		for j := range mean {
			mean[j] /= float32(n)
		}
		for i, v := range x.Data {
			d := v - mean[i%c]
			variance[i%c] += d * d
		}
		for j := range variance {
			variance[j] /= float32(n)
			invStd[j] = 1 / float32(math.Sqrt(float64(variance[j]+bn.eps)))
			bn.RunningMean.Data[j] = bn.momentum*bn.RunningMean.Data[j] + (1-bn.momentum)*mean[j]
			bn.RunningVar.Data[j] = bn.momentum*bn.RunningVar.Data[j] + (1-bn.momentum)*variance[j]
		}
	} else {
		for j := 0; j < c; j++ {
			mean[j] = bn.RunningMean.Data[j]
			invStd[j] = 1 / float32(math.Sqrt(float64(bn.RunningVar.Data[j]+bn.eps)))
		}
	}

	norm := make([]float32, len(x.Data))
	g := bn.gamma.Value.Data
	b := bn.beta.Value.Data
	for i, v := range x.Data {
		j := i % c
		nv := (v - mean[j]) * invStd[j]
		norm[i] = nv
		y.Data[i] = g[j]*nv + b[j]
	}

	bn.in = x
	bn.norm = norm
	bn.mean = mean
	bn.invStd = invStd
	return y, nil
}

func (bn *BatchNorm) Backward(grad *Tensor) (*Tensor, error) {
	if bn.in == nil {
		return nil, fmt.Errorf("%s: backward before forward", bn.name)
	}
	c := bn.channels()
	n := bn.in.NumElements() / c
	dx := NewTensor(bn.in.Shape...)
	g := bn.gamma.Value.Data
	dg := bn.gamma.Grad.Data
	db := bn.beta.Grad.Data

	sumG := make([]float32, c)
	sumGN := make([]float32, c)
	for i, gv := range grad.Data {
		j := i % c
		sumG[j] += gv
		sumGN[j] += gv * bn.norm[i]
	}
	for j := 0; j < c; j++ {
		dg[j] += sumGN[j]
		db[j] += sumG[j]
	}

	if bn.trainable {
		// batch statistics were used in forward
		fn := float32(n)
		for i, gv := range grad.Data {
			j := i % c
			dx.Data[i] = g[j] * bn.invStd[j] / fn *
				(fn*gv - sumG[j] - bn.norm[i]*sumGN[j])
		}
	} else {
		for i, gv := range grad.Data {
			j := i % c
			dx.Data[i] = gv * g[j] * bn.invStd[j]
		}
	}
	return dx, nil
}

func (bn *BatchNorm) Params() []*Param {
	return []*Param{bn.gamma, bn.beta}
}

// ReLU is a rectified linear activation with an optional upper clip.
// A clip of 6 gives the ReLU6 used throughout the backbone.
type ReLU struct {
	base
	clip float32
	mask []bool
}

// NewReLU creates an unclipped ReLU activation.
func NewReLU(name string) *ReLU {
	return &ReLU{base: base{name: name}}
}

// NewReLU6 creates the clipped activation used by mobile backbones.
func NewReLU6(name string) *ReLU {
	return &ReLU{base: base{name: name}, clip: 6}
}

func (r *ReLU) Forward(x *Tensor, training bool) (*Tensor, error) {
	y := NewTensor(x.Shape...)
	mask := make([]bool, len(x.Data))
	for i, v := range x.Data {
		if v <= 0 {
			continue
		}
		if r.clip > 0 && v >= r.clip {
			y.Data[i] = r.clip
			continue
		}
		y.Data[i] = v
		mask[i] = true
	}
	r.mask = mask
	return y, nil
}

func (r *ReLU) Backward(grad *Tensor) (*Tensor, error) {
	if r.mask == nil {
		return nil, fmt.Errorf("%s: backward before forward", r.name)
	}
	dx := NewTensor(grad.Shape...)
	for i, gv := range grad.Data {
		if r.mask[i] {
			dx.Data[i] = gv
		}
	}
	return dx, nil
}

func (r *ReLU) Params() []*Param { return nil }

// Dropout zeroes a random fraction of activations during training, scaling
// the survivors so inference needs no adjustment.
type Dropout struct {
	base
	rate float32
	rng  *rand.Rand
	mask []float32
}

// NewDropout creates a dropout layer with the given drop rate.
func NewDropout(rng *rand.Rand, rate float32, name string) *Dropout {
	return &Dropout{
		base: base{name: name},
		rate: rate,
		rng:  rng,
	}
}

func (d *Dropout) Forward(x *Tensor, training bool) (*Tensor, error) {
	if !training || d.rate == 0 {
		d.mask = nil
		return x, nil
	}
	y := NewTensor(x.Shape...)
	mask := make([]float32, len(x.Data))
	scale := 1 / (1 - d.rate)
	for i, v := range x.Data {
		if d.rng.Float32() >= d.rate {
			mask[i] = scale
			y.Data[i] = v * scale
		}
	}
	d.mask = mask
	return y, nil
}

func (d *Dropout) Backward(grad *Tensor) (*Tensor, error) {
	if d.mask == nil {
		return grad, nil
	}
	dx := NewTensor(grad.Shape...)
	for i, gv := range grad.Data {
		dx.Data[i] = gv * d.mask[i]
	}
	return dx, nil
}

func (d *Dropout) Params() []*Param { return nil }

// GlobalAvgPool reduces [batch, h, w, c] to [batch, c].
type GlobalAvgPool struct {
	base
	inShape []int
}

// NewGlobalAvgPool creates a global average pooling layer.
func NewGlobalAvgPool(name string) *GlobalAvgPool {
	return &GlobalAvgPool{base: base{name: name}}
}

func (p *GlobalAvgPool) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%s: expected 4D input, got %s", p.name, shapeString(x.Shape))
	}
	n, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	p.inShape = x.Shape
	y := NewTensor(n, c)
	area := float32(h * w)
	for i, v := range x.Data {
		batch := i / (h * w * c)
		y.Data[batch*c+i%c] += v / area
	}
	return y, nil
}

func (p *GlobalAvgPool) Backward(grad *Tensor) (*Tensor, error) {
	if p.inShape == nil {
		return nil, fmt.Errorf("%s: backward before forward", p.name)
	}
	n, h, w, c := p.inShape[0], p.inShape[1], p.inShape[2], p.inShape[3]
	dx := NewTensor(n, h, w, c)
	area := float32(h * w)
	for i := range dx.Data {
		batch := i / (h * w * c)
		dx.Data[i] = grad.Data[batch*c+i%c] / area
	}
	return dx, nil
}

func (p *GlobalAvgPool) Params() []*Param { return nil }

// Softmax turns [batch, classes] logits into probability rows.
type Softmax struct {
	base
	out *Tensor
}

// NewSoftmax creates a softmax activation over the class axis.
func NewSoftmax(name string) *Softmax {
	return &Softmax{base: base{name: name}}
}

func (s *Softmax) Forward(x *Tensor, training bool) (*Tensor, error) {
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("%s: expected 2D input, got %s", s.name, shapeString(x.Shape))
	}
	n, c := x.Shape[0], x.Shape[1]
	y := NewTensor(n, c)
	for b := 0; b < n; b++ {
		row := x.Data[b*c : (b+1)*c]
		out := y.Data[b*c : (b+1)*c]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float32
		for j, v := range row {
			e := float32(math.Exp(float64(v - max)))
			out[j] = e
			sum += e
		}
		for j := range out {
			out[j] /= sum
		}
	}
	s.out = y
	return y, nil
}

func (s *Softmax) Backward(grad *Tensor) (*Tensor, error) {
	if s.out == nil {
		return nil, fmt.Errorf("%s: backward before forward", s.name)
	}
	n, c := s.out.Shape[0], s.out.Shape[1]
	dx := NewTensor(n, c)
	for b := 0; b < n; b++ {
		p := s.out.Data[b*c : (b+1)*c]
		g := grad.Data[b*c : (b+1)*c]
		var dot float32
		for j := range p {
			dot += p[j] * g[j]
		}
		out := dx.Data[b*c : (b+1)*c]
		for j := range p {
			out[j] = p[j] * (g[j] - dot)
		}
	}
	return dx, nil
}

func (s *Softmax) Params() []*Param { return nil }
