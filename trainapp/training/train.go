// Package training drives the two-phase transfer-learning pipeline:
// validate, clean, build, train the head on a frozen backbone, fine-tune
// the upper backbone, evaluate and persist.
package training

import (
	"context"
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/constants"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/dataset"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/model"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/preprocess"
)

// ValidationError carries the aggregated dataset admissibility failures.
// Training never starts when validation fails.
type ValidationError struct {
	Result dataset.Result
}

func (e *ValidationError) Error() string {
	return e.Result.Message()
}

// Options holds the training hyperparameters. Defaults reproduce the tuned
// two-phase schedule.
type Options struct {
	Epochs         int
	FineTuneEpochs int
	BatchSize      int
	LearningRate   float64
	FineTuneLR     float64
	FrozenLayers   int
	PretrainedPath string
	Seed           int64
}

// DefaultOptions returns the standard schedule.
func DefaultOptions() Options {
	return Options{
		Epochs:         constants.Epochs,
		FineTuneEpochs: constants.FineTuneEpochs,
		BatchSize:      constants.BatchSize,
		LearningRate:   constants.LearningRate,
		FineTuneLR:     constants.FineTuneLR,
		FrozenLayers:   constants.FineTuneFrozenLayers,
		Seed:           1,
	}
}

// Summary is the outcome of a completed run.
type Summary struct {
	ModelPath   string
	History     *History
	Accuracy    float64
	ValAccuracy float64
}

// Train runs the full pipeline and writes the model checkpoint and
// training-curve plot into outputDir. The context deadline is the hard
// wall-clock cutoff; it is honored between epochs, never inside one.
func Train(ctx context.Context, dataDir, outputDir string, opts Options) (*Summary, error) {
	res := dataset.Validate(dataDir)
	if !res.Valid {
		return nil, &ValidationError{Result: res}
	}
	log.WithFields(log.Fields{
		"classes": res.Stats.NumClasses,
		"images":  res.Stats.TotalImages,
	}).Info("Dataset validated")

	removed, err := preprocess.CleanDataset(dataDir)
	if err != nil {
		return nil, fmt.Errorf("clean dataset: %w", err)
	}
	if len(removed) > 0 {
		log.WithField("removed", len(removed)).Info("Corrupted images removed")
	}

	folder, err := dataset.Scan(dataDir)
	if err != nil {
		return nil, err
	}
	trainSamples, valSamples := folder.Split(constants.ValidationSplit, opts.Seed)
	log.WithFields(log.Fields{
		"train":   len(trainSamples),
		"val":     len(valSamples),
		"classes": folder.Classes,
	}).Info("Dataset split")

	if opts.PretrainedPath == "" {
		log.Warn("No pretrained backbone weights configured, training from scratch")
	}
	m, err := model.Build(model.Config{
		NumClasses:     folder.NumClasses(),
		Labels:         folder.Classes,
		PretrainedPath: opts.PretrainedPath,
		Seed:           opts.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}

	trainGen := dataset.NewTrainingGenerator(trainSamples, folder.NumClasses(), opts.BatchSize, opts.Seed)
	valGen := dataset.NewValidationGenerator(valSamples, folder.NumClasses(), opts.BatchSize)

	modelPath := filepath.Join(outputDir, constants.ModelFileName)
	// one saver across both phases so a fine-tuning regression can never
	// replace a better phase-1 checkpoint
	ckpt := NewCheckpointSaver(modelPath)
	history := &History{}

	log.Info("Phase 1: training classification head")
	phase1, err := fitPhase(ctx, m, NewAdam(opts.LearningRate), trainGen, valGen, opts.Epochs, ckpt, history)
	if err != nil {
		return nil, fmt.Errorf("head training: %w", err)
	}
	history.Concat(phase1)
	history.MarkPhaseBoundary()

	log.WithField("frozen_layers", opts.FrozenLayers).Info("Phase 2: fine-tuning backbone")
	m.UnfreezeBackbone(opts.FrozenLayers)
	phase2, err := fitPhase(ctx, m, NewAdam(opts.FineTuneLR), trainGen, valGen, opts.FineTuneEpochs, ckpt, history)
	if err != nil {
		return nil, fmt.Errorf("fine-tuning: %w", err)
	}
	history.Concat(phase2)

	// evaluation failure is non-fatal, the checkpointed weights already
	// exist on disk
	if valLoss, valAcc, err := Evaluate(m, valGen); err != nil {
		log.WithError(err).Error("Final evaluation failed")
	} else {
		log.WithFields(log.Fields{
			"val_loss":     fmt.Sprintf("%.4f", valLoss),
			"val_accuracy": fmt.Sprintf("%.4f", valAcc),
		}).Info("Final evaluation")
	}

	plotPath := filepath.Join(outputDir, constants.HistoryPlotName)
	if err := history.SavePlot(plotPath); err != nil {
		log.WithError(err).Error("Failed to save training plot")
	}

	if err := m.Save(modelPath, history.Result()); err != nil {
		return nil, fmt.Errorf("save model: %w", err)
	}

	accuracy, valAccuracy := history.Last()
	return &Summary{
		ModelPath:   modelPath,
		History:     history,
		Accuracy:    accuracy,
		ValAccuracy: valAccuracy,
	}, nil
}

// fitPhase runs up to maxEpochs epochs with the standard policy set: early
// stopping and checkpointing on validation accuracy, learning-rate
// reduction on validation loss plateaus.
func fitPhase(ctx context.Context, m *model.Model, opt *Adam, trainGen, valGen *dataset.Generator,
	maxEpochs int, ckpt *CheckpointSaver, merged *History) (*History, error) {

	earlyStop := NewEarlyStopping(constants.EarlyStopPatience)
	plateau := NewReduceLROnPlateau(constants.PlateauFactor, constants.PlateauPatience, constants.PlateauMinLR)
	criterion := CategoricalCrossEntropy{}
	hist := &History{}

	for epoch := 0; epoch < maxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return hist, fmt.Errorf("training cut off at epoch %d: %w", merged.Epochs()+epoch, err)
		}

		trainGen.Reset()
		var lossSum, accSum float64
		samples := 0
		for {
			x, y, ok, err := trainGen.NextBatch()
			if err != nil {
				return hist, err
			}
			if !ok {
				break
			}
			m.ZeroGrad()
			out, err := m.Forward(x, true)
			if err != nil {
				return hist, err
			}
			loss, grad, err := criterion.Forward(out, y)
			if err != nil {
				return hist, err
			}
			if err := m.Backward(grad); err != nil {
				return hist, err
			}
			opt.Step(m.TrainableParams())

			n := x.Shape[0]
			lossSum += loss * float64(n)
			accSum += Accuracy(out, y) * float64(n)
			samples += n
		}
		if samples == 0 {
			return hist, fmt.Errorf("no training samples in epoch %d", epoch)
		}
		trainLoss := lossSum / float64(samples)
		trainAcc := accSum / float64(samples)

		valLoss, valAcc, err := Evaluate(m, valGen)
		if err != nil {
			return hist, err
		}
		hist.Add(trainLoss, trainAcc, valLoss, valAcc)

		log.WithFields(log.Fields{
			"epoch":        fmt.Sprintf("%d/%d", epoch+1, maxEpochs),
			"loss":         fmt.Sprintf("%.4f", trainLoss),
			"accuracy":     fmt.Sprintf("%.4f", trainAcc),
			"val_loss":     fmt.Sprintf("%.4f", valLoss),
			"val_accuracy": fmt.Sprintf("%.4f", valAcc),
			"lr":           opt.LearningRate(),
		}).Info("Epoch complete")

		plateau.Observe(valLoss, opt)
		if err := ckpt.Observe(valAcc, m, combinedResult(merged, hist)); err != nil {
			return hist, fmt.Errorf("checkpoint: %w", err)
		}
		if earlyStop.Observe(valAcc, m) {
			break
		}
	}
	return hist, nil
}

// Evaluate runs one full validation pass in inference mode.
func Evaluate(m *model.Model, gen *dataset.Generator) (loss, accuracy float64, err error) {
	criterion := CategoricalCrossEntropy{}
	gen.Reset()

	var lossSum, accSum float64
	samples := 0
	for {
		x, y, ok, err := gen.NextBatch()
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			break
		}
		out, err := m.Forward(x, false)
		if err != nil {
			return 0, 0, err
		}
		batchLoss, _, err := criterion.Forward(out, y)
		if err != nil {
			return 0, 0, err
		}
		n := x.Shape[0]
		lossSum += batchLoss * float64(n)
		accSum += Accuracy(out, y) * float64(n)
		samples += n
	}
	if samples == 0 {
		return 0, 0, fmt.Errorf("validation set is empty")
	}
	return lossSum / float64(samples), accSum / float64(samples), nil
}

func combinedResult(merged, phase *History) model.TrainingResult {
	combined := &History{PhaseBoundary: merged.PhaseBoundary}
	combined.Concat(merged)
	combined.Concat(phase)
	return combined.Result()
}
