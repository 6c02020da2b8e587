package export

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/model"
)

// Artifact container: a deployment-oriented encoding of the trained graph.
// The header carries the label ordering so a consumer can never pair the
// weights with a different class-index assignment.
const (
	liteMagic   = "FGLT"
	liteVersion = 1
)

// Format identifies the weight encoding of an artifact.
type Format uint8

const (
	// FormatFloat16 is the size/accuracy-balanced default variant.
	FormatFloat16 Format = 1
	// FormatInt8 is the smaller quantized variant with per-tensor scales.
	FormatInt8 Format = 2
)

func (f Format) String() string {
	switch f {
	case FormatFloat16:
		return "float16"
	case FormatInt8:
		return "int8"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// LiteModel is a loaded artifact, ready for verification inference.
type LiteModel struct {
	Format Format
	Labels []string

	model *model.Model
}

// NumClasses returns the class count baked into the artifact.
func (lm *LiteModel) NumClasses() int {
	return len(lm.Labels)
}

// Predict runs one inference on a preprocessed input tensor.
func (lm *LiteModel) Predict(x *model.Tensor) ([]float32, error) {
	return lm.model.Predict(x)
}

// writeLite encodes the model tensors in the requested format.
func writeLite(w io.Writer, m *model.Model, labels []string, format Format) error {
	if _, err := w.Write([]byte(liteMagic)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(liteVersion)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(format)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(labels))); err != nil {
		return err
	}
	for _, label := range labels {
		if err := writeString(w, label); err != nil {
			return err
		}
	}

	tensors := modelTensors(m)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(tensors))); err != nil {
		return err
	}
	for _, nt := range tensors {
		if err := writeString(w, nt.name); err != nil {
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
		switch format {
		case FormatFloat16:
			half := make([]uint16, len(nt.t.Data))
			for i, v := range nt.t.Data {
				half[i] = float32ToHalf(v)
			}
			if err := binary.Write(w, binary.LittleEndian, half); err != nil {
				return err
			}
		case FormatInt8:
			scale, quantized := quantizeInt8(nt.t.Data)
			if err := binary.Write(w, binary.LittleEndian, scale); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, quantized); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported artifact format %s", format)
		}
	}
	return nil
}

// Open loads an artifact and reconstructs an inference-ready model.
func Open(path string) (*LiteModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLite(bufio.NewReader(f))
}

func readLite(r io.Reader) (*LiteModel, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, err
	}
	if string(magic) != liteMagic {
		return nil, fmt.Errorf("bad artifact magic %q", magic)
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != liteVersion {
		return nil, fmt.Errorf("unsupported artifact version %d", version)
	}
	var format uint8
	if err := binary.Read(r, binary.LittleEndian, &format); err != nil {
		return nil, err
	}
	var labelCount uint16
	if err := binary.Read(r, binary.LittleEndian, &labelCount); err != nil {
		return nil, err
	}
	labels := make([]string, labelCount)
	for i := range labels {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		labels[i] = s
	}

	m, err := model.Build(model.Config{
		NumClasses: len(labels),
		Labels:     labels,
	})
	if err != nil {
		return nil, err
	}

	var tensorCount uint32
	if err := binary.Read(r, binary.LittleEndian, &tensorCount); err != nil {
		return nil, err
	}
	tensors := make(map[string]*model.Tensor, tensorCount)
	for i := uint32(0); i < tensorCount; i++ {
		name, err := readString(r)
		if err != nil {
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
			shape[d] = int(dim)
			volume *= int(dim)
		}

		data := make([]float32, volume)
		switch Format(format) {
		case FormatFloat16:
			half := make([]uint16, volume)
			if err := binary.Read(r, binary.LittleEndian, half); err != nil {
				return nil, err
			}
			for j, h := range half {
				data[j] = halfToFloat32(h)
			}
		case FormatInt8:
			var scale float32
			if err := binary.Read(r, binary.LittleEndian, &scale); err != nil {
				return nil, err
			}
			quantized := make([]int8, volume)
			if err := binary.Read(r, binary.LittleEndian, quantized); err != nil {
				return nil, err
			}
			for j, q := range quantized {
				data[j] = float32(q) * scale
			}
		default:
			return nil, fmt.Errorf("unsupported artifact format %d", format)
		}

		t, err := model.NewTensorFrom(data, shape...)
		if err != nil {
			return nil, err
		}
		tensors[name] = t
	}

	if err := assignTensors(m, tensors); err != nil {
		return nil, err
	}
	return &LiteModel{
		Format: Format(format),
		Labels: labels,
		model:  m,
	}, nil
}

type namedTensor struct {
	name string
	t    *model.Tensor
}

func modelTensors(m *model.Model) []namedTensor {
	var tensors []namedTensor
	for _, l := range m.Layers() {
		for _, p := range l.Params() {
			tensors = append(tensors, namedTensor{p.Name, p.Value})
		}
		if bn, ok := l.(*model.BatchNorm); ok {
			tensors = append(tensors, namedTensor{bn.Name() + ".running_mean", bn.RunningMean})
			tensors = append(tensors, namedTensor{bn.Name() + ".running_var", bn.RunningVar})
		}
	}
	return tensors
}

func assignTensors(m *model.Model, tensors map[string]*model.Tensor) error {
	for _, nt := range modelTensors(m) {
		t, ok := tensors[nt.name]
		if !ok {
			return fmt.Errorf("artifact missing tensor %s", nt.name)
		}
		if !nt.t.SameShape(t) {
			return fmt.Errorf("artifact tensor %s shape %v does not match %v",
				nt.name, t.Shape, nt.t.Shape)
		}
		copy(nt.t.Data, t.Data)
	}
	return nil
}

// quantizeInt8 maps a tensor onto int8 with a symmetric per-tensor scale.
func quantizeInt8(data []float32) (float32, []int8) {
	var max float32
	for _, v := range data {
		if v < 0 {
			v = -v
		}
		if v > max {
			max = v
		}
	}
	scale := max / 127
	if scale == 0 {
		scale = 1
	}
	quantized := make([]int8, len(data))
	for i, v := range data {
		q := v / scale
		if q > 127 {
			q = 127
		} else if q < -127 {
			q = -127
		}
		if q >= 0 {
			quantized[i] = int8(q + 0.5)
		} else {
			quantized[i] = int8(q - 0.5)
		}
	}
	return scale, quantized
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
