// Package export converts a trained checkpoint into deployment artifacts:
// a float16 variant, an int8-quantized variant and the label index file.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/constants"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/model"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/preprocess"
)

// ConversionError reports a failed artifact conversion. Other artifacts of
// the same export run are still attempted.
type ConversionError struct {
	Artifact string
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s: %v", e.Artifact, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// ExportAll loads the trained checkpoint and writes all deployment
// artifacts into outDir. Each artifact is converted and verified
// independently; the returned error joins the per-artifact failures.
func ExportAll(modelPath, outDir string) error {
	m, sidecar, err := model.Load(modelPath)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	labels := sidecar.Labels
	if err := writeLabels(filepath.Join(outDir, constants.LabelsFileName), labels); err != nil {
		return err
	}

	var errs []error
	for _, target := range []struct {
		file   string
		format Format
	}{
		{constants.TFLiteFileName, FormatFloat16},
		{constants.TFLiteQuantName, FormatInt8},
	} {
		path := filepath.Join(outDir, target.file)
		if err := exportOne(path, m, labels, target.format); err != nil {
			log.WithError(err).Errorf("Artifact %s failed", target.file)
			errs = append(errs, &ConversionError{Artifact: target.file, Err: err})
			continue
		}
		log.WithFields(log.Fields{
			"artifact": target.file,
			"format":   target.format.String(),
			"size":     fileSize(path),
		}).Info("Artifact exported")
	}
	return errors.Join(errs...)
}

func exportOne(path string, m *model.Model, labels []string, format Format) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := writeLite(w, m, labels, format); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}

	if err := VerifyArtifact(path); err != nil {
		os.Remove(path)
		return fmt.Errorf("verify: %w", err)
	}
	return nil
}

// VerifyArtifact loads an artifact and checks that inference on a fixed
// random input yields a probability distribution of the right arity.
func VerifyArtifact(path string) error {
	lm, err := Open(path)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(42))
	x, err := model.NewTensorFrom(
		make([]float32, constants.ImgHeight*constants.ImgWidth*constants.Channels),
		1, constants.ImgHeight, constants.ImgWidth, constants.Channels)
	if err != nil {
		return err
	}
	for i := range x.Data {
		x.Data[i] = rng.Float32()*2 - 1
	}

	probs, err := lm.Predict(x)
	if err != nil {
		return err
	}
	if len(probs) != lm.NumClasses() {
		return fmt.Errorf("got %d outputs for %d classes", len(probs), lm.NumClasses())
	}
	var sum float64
	for i, p := range probs {
		if p < 0 || math.IsNaN(float64(p)) {
			return fmt.Errorf("output %d is %v, want non-negative probability", i, p)
		}
		sum += float64(p)
	}
	if math.Abs(sum-1) > 1e-3 {
		return fmt.Errorf("outputs sum to %f, want 1", sum)
	}
	return nil
}

// Classify runs one image through an artifact and returns the predicted
// label with its confidence. Used as a post-export sanity check.
func Classify(artifactPath, imagePath string) (string, float32, error) {
	lm, err := Open(artifactPath)
	if err != nil {
		return "", 0, err
	}
	x, err := preprocess.FromPath(imagePath)
	if err != nil {
		return "", 0, err
	}
	probs, err := lm.Predict(x)
	if err != nil {
		return "", 0, err
	}
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return lm.Labels[best], probs[best], nil
}

func writeLabels(path string, labels []string) error {
	var b strings.Builder
	for _, label := range labels {
		b.WriteString(label)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
