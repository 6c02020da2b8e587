package training

import (
	"math"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/model"
)

// Adam maintains per-parameter first and second moment estimates. A new
// instance is created for each training phase, matching the recompile
// between head training and fine-tuning.
type Adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64

	step int
	m    map[*model.Param][]float32
	v    map[*model.Param][]float32
}

// NewAdam creates an Adam optimizer with the given learning rate and the
// usual moment defaults.
func NewAdam(lr float64) *Adam {
	return &Adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-7,
		m:     make(map[*model.Param][]float32),
		v:     make(map[*model.Param][]float32),
	}
}

// LearningRate returns the current learning rate.
func (a *Adam) LearningRate() float64 {
	return a.lr
}

// SetLearningRate adjusts the learning rate, used by the plateau policy.
func (a *Adam) SetLearningRate(lr float64) {
	a.lr = lr
}

// Step applies one update to the given parameters from their accumulated
// gradients.
func (a *Adam) Step(params []*model.Param) {
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))

	for _, p := range params {
		m, ok := a.m[p]
		if !ok {
			m = make([]float32, len(p.Value.Data))
			a.m[p] = m
		}
		v, ok := a.v[p]
		if !ok {
			v = make([]float32, len(p.Value.Data))
			a.v[p] = v
		}
		for i, g := range p.Grad.Data {
			m[i] = float32(a.beta1)*m[i] + float32(1-a.beta1)*g
			v[i] = float32(a.beta2)*v[i] + float32(1-a.beta2)*g*g
			mHat := float64(m[i]) / c1
			vHat := float64(v[i]) / c2
			p.Value.Data[i] -= float32(a.lr * mHat / (math.Sqrt(vHat) + a.eps))
		}
	}
}
