package export

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/constants"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/model"
)

func trainedCheckpoint(t *testing.T) string {
	t.Helper()

	m, err := model.Build(model.Config{
		NumClasses: len(constants.ClassNames),
		Labels:     constants.ClassNames,
		Seed:       1,
	})
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), constants.ModelFileName)
	if err := m.Save(path, model.TrainingResult{Epochs: 1}); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExportAll(t *testing.T) {
	modelPath := trainedCheckpoint(t)
	outDir := t.TempDir()

	if err := ExportAll(modelPath, outDir); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{
		constants.TFLiteFileName,
		constants.TFLiteQuantName,
		constants.LabelsFileName,
	} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("artifact %s missing: %v", name, err)
		}
	}

	b, err := os.ReadFile(filepath.Join(outDir, constants.LabelsFileName))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) != len(constants.ClassNames) {
		t.Fatalf("got %d labels, want %d", len(lines), len(constants.ClassNames))
	}
	for i, label := range lines {
		if label != constants.ClassNames[i] {
			t.Errorf("label %d is %q, want %q", i, label, constants.ClassNames[i])
		}
	}
}

func TestArtifactInference(t *testing.T) {
	modelPath := trainedCheckpoint(t)
	outDir := t.TempDir()
	if err := ExportAll(modelPath, outDir); err != nil {
		t.Fatal(err)
	}

	m, _, err := model.Load(modelPath)
	if err != nil {
		t.Fatal(err)
	}
	x := model.NewTensor(1, constants.ImgHeight, constants.ImgWidth, constants.Channels)
	for i := range x.Data {
		x.Data[i] = float32(i%200)/100 - 1
	}
	want, err := m.Predict(x)
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		file      string
		format    Format
		tolerance float64
	}{
		{constants.TFLiteFileName, FormatFloat16, 0.02},
		{constants.TFLiteQuantName, FormatInt8, 0.25},
	} {
		lm, err := Open(filepath.Join(outDir, tc.file))
		if err != nil {
			t.Fatalf("%s: %v", tc.file, err)
		}
		if lm.Format != tc.format {
			t.Errorf("%s: got format %s, want %s", tc.file, lm.Format, tc.format)
		}
		if lm.NumClasses() != len(constants.ClassNames) {
			t.Errorf("%s: got %d classes", tc.file, lm.NumClasses())
		}

		got, err := lm.Predict(x)
		if err != nil {
			t.Fatalf("%s: %v", tc.file, err)
		}

		var sum float64
		for i, p := range got {
			if p < 0 {
				t.Errorf("%s: negative probability %v", tc.file, p)
			}
			sum += float64(p)
			if diff := math.Abs(float64(p - want[i])); diff > tc.tolerance {
				t.Errorf("%s: output %d drifted by %v from the checkpoint", tc.file, i, diff)
			}
		}
		if math.Abs(sum-1) > 1e-3 {
			t.Errorf("%s: outputs sum to %v", tc.file, sum)
		}
	}
}

func TestVerifyRejectsCorruptArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.tflite")
	if err := os.WriteFile(path, []byte("FGXX not an artifact"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyArtifact(path); err == nil {
		t.Fatal("corrupt artifact verified")
	}
}

func TestFloat16RoundTrip(t *testing.T) {
	cases := []float32{0, 1, -1, 0.5, -0.5, 65504, -65504, 1e-4, 127.5}
	for _, v := range cases {
		got := halfToFloat32(float32ToHalf(v))
		tol := math.Abs(float64(v)) / 1024
		if tol < 1e-7 {
			tol = 1e-7
		}
		if math.Abs(float64(got-v)) > tol {
			t.Errorf("%v round-trips to %v", v, got)
		}
	}

	// Overflow saturates to infinity.
	if v := halfToFloat32(float32ToHalf(1e6)); !math.IsInf(float64(v), 1) {
		t.Errorf("1e6 converts to %v, want +Inf", v)
	}
	if v := halfToFloat32(float32ToHalf(float32(math.NaN()))); !math.IsNaN(float64(v)) {
		t.Errorf("NaN converts to %v", v)
	}
}

func TestQuantizeInt8(t *testing.T) {
	data := []float32{-1, -0.5, 0, 0.5, 1}
	scale, q := quantizeInt8(data)

	if q[0] != -127 || q[4] != 127 {
		t.Fatalf("extremes quantized to %d/%d, want -127/127", q[0], q[4])
	}
	if q[2] != 0 {
		t.Fatalf("zero quantized to %d", q[2])
	}
	for i, v := range data {
		got := float32(q[i]) * scale
		if math.Abs(float64(got-v)) > float64(scale) {
			t.Errorf("value %v dequantizes to %v", v, got)
		}
	}

	// All-zero tensors must not divide by zero.
	scale, q = quantizeInt8([]float32{0, 0})
	if scale == 0 || q[0] != 0 {
		t.Fatalf("got scale %v, q %v", scale, q)
	}
}
