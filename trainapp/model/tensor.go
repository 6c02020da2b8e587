package model

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a dense float32 array with a row-major shape. Image batches use
// NHWC layout; dense activations use [batch, features].
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor creates a zero-filled tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}
}

// NewTensorFrom wraps existing data with a shape. The data length must match
// the shape volume.
func NewTensorFrom(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}, nil
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// Zero resets all elements to zero.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// SameShape reports whether two tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i, d := range t.Shape {
		if d != o.Shape[i] {
			return false
		}
	}
	return true
}

func shapeString(shape []int) string {
	return fmt.Sprintf("%v", shape)
}

// fillHeNormal initializes with He-normal values for ReLU-family layers.
func fillHeNormal(rng *rand.Rand, t *Tensor, fanIn int) {
	std := float32(math.Sqrt(2.0 / float64(fanIn)))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
}

// fillGlorotUniform initializes with Glorot-uniform values for dense layers.
func fillGlorotUniform(rng *rand.Rand, t *Tensor, fanIn, fanOut int) {
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * limit
	}
}

// fill sets every element to v.
func fill(t *Tensor, v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}
