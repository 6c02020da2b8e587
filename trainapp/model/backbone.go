package model

import (
	"fmt"
	"math/rand"
	"os"

	log "github.com/sirupsen/logrus"
)

// Backbone is a pretrained feature extractor. The classification head never
// depends on backbone internals beyond the output channel count.
type Backbone interface {
	Layers() []Layer
	OutputChannels() int
	LoadWeights(path string) error
}

// mobileBlock describes one inverted-bottleneck block of the default backbone.
type mobileBlock struct {
	expand int // expansion factor, 1 disables the expand convolution
	out    int
	stride int
}

// mobileBlocks follows the MobileNetV2 stage table. Together with the stem
// and the final 1x1 convolution it yields 139 layer entries, so freezing the
// first 100 during fine-tuning keeps everything up to the high-level stages
// fixed.
var mobileBlocks = []mobileBlock{
	{1, 16, 1},
	{6, 24, 2}, {6, 24, 1},
	{6, 32, 2}, {6, 32, 1}, {6, 32, 1},
	{6, 64, 2}, {6, 64, 1}, {6, 64, 1}, {6, 64, 1},
	{6, 96, 1}, {6, 96, 1}, {6, 96, 1},
	{6, 160, 2}, {6, 160, 1}, {6, 160, 1},
	{6, 320, 1},
}

const mobileOutputChannels = 1280

// MobileBackbone is a MobileNetV2-style depthwise-separable feature
// extractor producing a [batch, 7, 7, 1280] feature map for 224x224 input.
type MobileBackbone struct {
	layers []Layer
}

// NewMobileBackbone builds the backbone with freshly initialized weights.
// Call LoadWeights to replace them with pretrained ImageNet-class weights.
func NewMobileBackbone(rng *rand.Rand) *MobileBackbone {
	var layers []Layer

	add := func(l Layer) { layers = append(layers, l) }
	conv := func(idx, cin, cout, kernel, stride int, tag string) {
		name := fmt.Sprintf("backbone.%d.%s", idx, tag)
		add(NewConv2D(rng, cin, cout, kernel, stride, name))
		add(NewBatchNorm(cout, name+".bn"))
		add(NewReLU6(name + ".relu"))
	}

	// stem
	conv(0, 3, 32, 3, 2, "stem")

	in := 32
	for i, b := range mobileBlocks {
		idx := i + 1
		name := fmt.Sprintf("backbone.%d", idx)
		mid := in * b.expand
		if b.expand != 1 {
			add(NewConv2D(rng, in, mid, 1, 1, name+".expand"))
			add(NewBatchNorm(mid, name+".expand.bn"))
			add(NewReLU6(name + ".expand.relu"))
		}
		add(NewDepthwiseConv2D(rng, mid, 3, b.stride, name+".depthwise"))
		add(NewBatchNorm(mid, name+".depthwise.bn"))
		add(NewReLU6(name + ".depthwise.relu"))
		add(NewConv2D(rng, mid, b.out, 1, 1, name+".project"))
		add(NewBatchNorm(b.out, name+".project.bn"))
		in = b.out
	}

	conv(len(mobileBlocks)+1, in, mobileOutputChannels, 1, 1, "top")

	return &MobileBackbone{layers: layers}
}

// Layers returns the backbone layers in execution order.
func (m *MobileBackbone) Layers() []Layer {
	return m.layers
}

// OutputChannels returns the feature dimension fed into the head.
func (m *MobileBackbone) OutputChannels() int {
	return mobileOutputChannels
}

// LoadWeights loads pretrained parameters from a weights file and assigns
// them by name, including BatchNorm running statistics.
func (m *MobileBackbone) LoadWeights(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tensors, err := readTensors(f)
	if err != nil {
		return fmt.Errorf("read backbone weights %s: %w", path, err)
	}

	assigned := 0
	for _, l := range m.layers {
		for _, p := range l.Params() {
			t, ok := tensors[p.Name]
			if !ok {
				return fmt.Errorf("backbone weights missing tensor %s", p.Name)
			}
			if !p.Value.SameShape(t) {
				return fmt.Errorf("tensor %s shape %s does not match %s",
					p.Name, shapeString(t.Shape), shapeString(p.Value.Shape))
			}
			copy(p.Value.Data, t.Data)
			assigned++
		}
		if bn, ok := l.(*BatchNorm); ok {
			if t, ok := tensors[bn.Name()+".running_mean"]; ok && bn.RunningMean.SameShape(t) {
				copy(bn.RunningMean.Data, t.Data)
			}
			if t, ok := tensors[bn.Name()+".running_var"]; ok && bn.RunningVar.SameShape(t) {
				copy(bn.RunningVar.Data, t.Data)
			}
		}
	}

	log.WithFields(log.Fields{
		"path":    path,
		"tensors": assigned,
	}).Info("Loaded pretrained backbone weights")
	return nil
}
