package model

import (
	"errors"
	"fmt"
	"math/rand"

	log "github.com/sirupsen/logrus"
)

// Config controls model construction.
type Config struct {
	NumClasses int

	// Labels is the class-index ordering fixed at dataset-scan time. It is
	// persisted with every checkpoint so downstream consumers can never
	// regenerate a different order.
	Labels []string

	// PretrainedPath points at backbone weights. Empty leaves the backbone
	// freshly initialized, which only makes sense for tests and training
	// from scratch.
	PretrainedPath string

	Seed int64
}

// Model is a frozen-or-unfrozen backbone with a trainable classification
// head on top.
type Model struct {
	backbone Backbone
	head     []Layer

	labels     []string
	numClasses int

	firstTrainable int
}

// Build composes the backbone with the fixed classification head:
// GAP -> BN -> Dense(256, relu) -> Dropout(0.5) -> BN -> Dense(128, relu) ->
// Dropout(0.3) -> Dense(numClasses, softmax). The head topology and dropout
// rates are tuned for small datasets and are not configurable.
func Build(cfg Config) (*Model, error) {
	if cfg.NumClasses < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", cfg.NumClasses)
	}
	if len(cfg.Labels) != 0 && len(cfg.Labels) != cfg.NumClasses {
		return nil, fmt.Errorf("%d labels for %d classes", len(cfg.Labels), cfg.NumClasses)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	backbone := NewMobileBackbone(rng)
	if cfg.PretrainedPath != "" {
		if err := backbone.LoadWeights(cfg.PretrainedPath); err != nil {
			return nil, err
		}
	} else {
		log.Debug("Backbone built with fresh weights")
	}

	features := backbone.OutputChannels()
	head := []Layer{
		NewGlobalAvgPool("head.pool"),
		NewBatchNorm(features, "head.bn1"),
		NewDense(rng, features, 256, "head.fc1"),
		NewReLU("head.relu1"),
		NewDropout(rng, 0.5, "head.drop1"),
		NewBatchNorm(256, "head.bn2"),
		NewDense(rng, 256, 128, "head.fc2"),
		NewReLU("head.relu2"),
		NewDropout(rng, 0.3, "head.drop2"),
		NewDense(rng, 128, cfg.NumClasses, "head.out"),
		NewSoftmax("head.softmax"),
	}

	m := &Model{
		backbone:   backbone,
		head:       head,
		labels:     append([]string(nil), cfg.Labels...),
		numClasses: cfg.NumClasses,
	}
	m.FreezeBackbone()
	return m, nil
}

// Layers returns backbone and head layers in execution order.
func (m *Model) Layers() []Layer {
	bl := m.backbone.Layers()
	all := make([]Layer, 0, len(bl)+len(m.head))
	all = append(all, bl...)
	return append(all, m.head...)
}

// BackboneLayers returns only the feature-extractor layers.
func (m *Model) BackboneLayers() []Layer {
	return m.backbone.Layers()
}

// NumClasses returns the output dimension.
func (m *Model) NumClasses() int {
	return m.numClasses
}

// Labels returns the class labels in index order.
func (m *Model) Labels() []string {
	return append([]string(nil), m.labels...)
}

// FreezeBackbone marks every backbone layer non-trainable (phase 1).
func (m *Model) FreezeBackbone() {
	for _, l := range m.backbone.Layers() {
		l.SetTrainable(false)
	}
	m.recomputeFirstTrainable()
}

// UnfreezeBackbone marks backbone layers trainable except the first
// keepFrozen entries, which keep their generic low-level features (phase 2).
func (m *Model) UnfreezeBackbone(keepFrozen int) {
	for i, l := range m.backbone.Layers() {
		l.SetTrainable(i >= keepFrozen)
	}
	m.recomputeFirstTrainable()
}

func (m *Model) recomputeFirstTrainable() {
	layers := m.Layers()
	m.firstTrainable = len(layers)
	for i, l := range layers {
		if l.Trainable() && len(l.Params()) > 0 {
			m.firstTrainable = i
			break
		}
	}
}

// Forward runs the full graph. Training mode enables augmentable behaviors
// (dropout masks, batch statistics).
func (m *Model) Forward(x *Tensor, training bool) (*Tensor, error) {
	var err error
	for _, l := range m.Layers() {
		if x, err = l.Forward(x, training); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Backward propagates the output gradient, accumulating parameter gradients.
// Propagation stops at the first trainable layer since nothing below it can
// change.
func (m *Model) Backward(grad *Tensor) error {
	layers := m.Layers()
	if m.firstTrainable >= len(layers) {
		return errors.New("model has no trainable parameters")
	}
	var err error
	for i := len(layers) - 1; i >= m.firstTrainable; i-- {
		if grad, err = layers[i].Backward(grad); err != nil {
			return err
		}
	}
	return nil
}

// TrainableParams returns the parameters the optimizer may update.
func (m *Model) TrainableParams() []*Param {
	var params []*Param
	for _, l := range m.Layers() {
		if !l.Trainable() {
			continue
		}
		params = append(params, l.Params()...)
	}
	return params
}

// Params returns every parameter, trainable or not.
func (m *Model) Params() []*Param {
	var params []*Param
	for _, l := range m.Layers() {
		params = append(params, l.Params()...)
	}
	return params
}

// ZeroGrad clears accumulated gradients before a new batch.
func (m *Model) ZeroGrad() {
	for _, p := range m.Params() {
		p.Grad.Zero()
	}
}

// Predict runs inference on a single preprocessed input and returns the
// probability row.
func (m *Model) Predict(x *Tensor) ([]float32, error) {
	out, err := m.Forward(x, false)
	if err != nil {
		return nil, err
	}
	if len(out.Shape) != 2 || out.Shape[0] != 1 {
		return nil, fmt.Errorf("unexpected output shape %s", shapeString(out.Shape))
	}
	return out.Data, nil
}
