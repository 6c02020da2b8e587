package model

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Weights file layout: magic, version, tensor count, then per tensor the
// name, dims and raw float32 little-endian data.
const (
	weightsMagic   = "FGWT"
	weightsVersion = 1
)

// TrainingResult is the merged two-phase metric history persisted in the
// model sidecar.
type TrainingResult struct {
	Epochs             int       `yaml:"epochs"`
	PhaseBoundary      int       `yaml:"phaseBoundary"`
	TrainLoss          []float64 `yaml:"trainLoss"`
	TrainAccuracy      []float64 `yaml:"trainAccuracy"`
	ValidationLoss     []float64 `yaml:"validationLoss"`
	ValidationAccuracy []float64 `yaml:"validationAccuracy"`
}

// Sidecar is the yaml file written next to the weights. The label order
// recorded here is the source of truth for every artifact derived from the
// model.
type Sidecar struct {
	Name           string         `yaml:"name"`
	InputShape     []int          `yaml:"inputShape"`
	Labels         []string       `yaml:"labels"`
	TrainingResult TrainingResult `yaml:"trainingResult"`
}

// SidecarPath returns the yaml path belonging to a weights path.
func SidecarPath(modelPath string) string {
	ext := filepath.Ext(modelPath)
	return strings.TrimSuffix(modelPath, ext) + ".yaml"
}

type namedTensor struct {
	name string
	t    *Tensor
}

func (m *Model) allTensors() []namedTensor {
	var tensors []namedTensor
	for _, l := range m.Layers() {
		for _, p := range l.Params() {
			tensors = append(tensors, namedTensor{p.Name, p.Value})
		}
		if bn, ok := l.(*BatchNorm); ok {
			tensors = append(tensors, namedTensor{bn.Name() + ".running_mean", bn.RunningMean})
			tensors = append(tensors, namedTensor{bn.Name() + ".running_var", bn.RunningVar})
		}
	}
	return tensors
}

// Save writes the weights file and its yaml sidecar.
func (m *Model) Save(path string, result TrainingResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeTensors(w, m.allTensors()); err != nil {
		return fmt.Errorf("write model %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	sidecar := Sidecar{
		Name:           strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		InputShape:     []int{224, 224, 3},
		Labels:         m.Labels(),
		TrainingResult: result,
	}
	out, err := yaml.Marshal(&sidecar)
	if err != nil {
		return err
	}
	return os.WriteFile(SidecarPath(path), out, 0o644)
}

// Load reads a saved model: sidecar first for the label order, then the
// weights by name.
func Load(path string) (*Model, *Sidecar, error) {
	raw, err := os.ReadFile(SidecarPath(path))
	if err != nil {
		return nil, nil, fmt.Errorf("model sidecar: %w", err)
	}
	var sidecar Sidecar
	if err := yaml.Unmarshal(raw, &sidecar); err != nil {
		return nil, nil, fmt.Errorf("model sidecar: %w", err)
	}
	if len(sidecar.Labels) < 2 {
		return nil, nil, fmt.Errorf("model sidecar lists %d labels", len(sidecar.Labels))
	}

	m, err := Build(Config{
		NumClasses: len(sidecar.Labels),
		Labels:     sidecar.Labels,
	})
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	tensors, err := readTensors(bufio.NewReader(f))
	if err != nil {
		return nil, nil, fmt.Errorf("read model %s: %w", path, err)
	}
	for _, nt := range m.allTensors() {
		t, ok := tensors[nt.name]
		if !ok {
			return nil, nil, fmt.Errorf("model file missing tensor %s", nt.name)
		}
		if !nt.t.SameShape(t) {
			return nil, nil, fmt.Errorf("tensor %s shape %s does not match %s",
				nt.name, shapeString(t.Shape), shapeString(nt.t.Shape))
		}
		copy(nt.t.Data, t.Data)
	}
	return m, &sidecar, nil
}

// Snapshot captures every tensor for later restoration (best-weights
// tracking during training).
func (m *Model) Snapshot() map[string][]float32 {
	snap := make(map[string][]float32)
	for _, nt := range m.allTensors() {
		snap[nt.name] = append([]float32(nil), nt.t.Data...)
	}
	return snap
}

// Restore writes a snapshot back into the model tensors.
func (m *Model) Restore(snap map[string][]float32) error {
	for _, nt := range m.allTensors() {
		data, ok := snap[nt.name]
		if !ok {
			return fmt.Errorf("snapshot missing tensor %s", nt.name)
		}
		if len(data) != len(nt.t.Data) {
			return fmt.Errorf("snapshot tensor %s has %d elements, want %d",
				nt.name, len(data), len(nt.t.Data))
		}
		copy(nt.t.Data, data)
	}
	return nil
}

func writeTensors(w io.Writer, tensors []namedTensor) error {
	if _, err := w.Write([]byte(weightsMagic)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(weightsVersion)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(tensors))); err != nil {
		return err
	}
	for _, nt := range tensors {
		if err := binary.Write(w, binary.LittleEndian, uint16(len(nt.name))); err != nil {
			return err
		}
		if _, err := w.Write([]byte(nt.name)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(len(nt.t.Shape))); err != nil {
			return err
		}
		for _, d := range nt.t.Shape {
			if err := binary.Write(w, binary.LittleEndian, int32(d)); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, nt.t.Data); err != nil {
			return err
		}
	}
	return nil
}

func readTensors(r io.Reader) (map[string]*Tensor, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, err
	}
	if string(magic) != weightsMagic {
		return nil, fmt.Errorf("bad magic %q", magic)
	}
	var version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != weightsVersion {
		return nil, fmt.Errorf("unsupported weights version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	tensors := make(map[string]*Tensor, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, err
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, err
		}
		var ndims uint8
		if err := binary.Read(r, binary.LittleEndian, &ndims); err != nil {
			return nil, err
		}
		shape := make([]int, ndims)
		volume := 1
		for d := range shape {
			var dim int32
			if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
				return nil, err
			}
			if dim <= 0 {
				return nil, fmt.Errorf("tensor %s has dimension %d", name, dim)
			}
			shape[d] = int(dim)
			volume *= int(dim)
		}
		data := make([]float32, volume)
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, err
		}
		t, err := NewTensorFrom(data, shape...)
		if err != nil {
			return nil, err
		}
		tensors[string(name)] = t
	}
	return tensors, nil
}
