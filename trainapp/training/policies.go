package training

import (
	log "github.com/sirupsen/logrus"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/model"
)

// Training policies are small independent strategies consulted once per
// epoch, replacing the stateful callback objects of the usual fit loop.
// Each one watches a single metric.

// EarlyStopping halts a phase after Patience epochs without validation
// accuracy improvement and restores the best-seen weights on trigger.
type EarlyStopping struct {
	Patience int

	best     float64
	wait     int
	bestSnap map[string][]float32
	seen     bool
}

// NewEarlyStopping creates the policy; state is per training phase.
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Patience: patience}
}

// Observe records an epoch result and reports whether to stop. The model
// snapshot is taken on every improvement so the best weights survive the
// later, worse epochs.
func (e *EarlyStopping) Observe(valAccuracy float64, m *model.Model) bool {
	if !e.seen || valAccuracy > e.best {
		e.best = valAccuracy
		e.wait = 0
		e.seen = true
		e.bestSnap = m.Snapshot()
		return false
	}
	e.wait++
	if e.wait < e.Patience {
		return false
	}
	if err := m.Restore(e.bestSnap); err != nil {
		log.WithError(err).Error("Failed to restore best weights")
	} else {
		log.WithField("val_accuracy", e.best).Info("Early stopping, best weights restored")
	}
	return true
}

// CheckpointSaver persists the model whenever validation accuracy improves
// on the best seen so far. One instance spans both phases so a fine-tuning
// regression can never overwrite a better phase-1 checkpoint.
type CheckpointSaver struct {
	Path string

	best float64
	seen bool
}

// NewCheckpointSaver creates a best-only checkpoint policy writing to path.
func NewCheckpointSaver(path string) *CheckpointSaver {
	return &CheckpointSaver{Path: path}
}

// Observe saves the model if this epoch is the best so far.
func (c *CheckpointSaver) Observe(valAccuracy float64, m *model.Model, result model.TrainingResult) error {
	if c.seen && valAccuracy <= c.best {
		return nil
	}
	c.best = valAccuracy
	c.seen = true
	if err := m.Save(c.Path, result); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"path":         c.Path,
		"val_accuracy": valAccuracy,
	}).Info("Checkpoint saved")
	return nil
}

// Best returns the best validation accuracy checkpointed so far.
func (c *CheckpointSaver) Best() (float64, bool) {
	return c.best, c.seen
}

// ReduceLROnPlateau multiplies the learning rate by Factor after Patience
// epochs without validation loss improvement, never going below MinLR.
type ReduceLROnPlateau struct {
	Factor   float64
	Patience int
	MinLR    float64

	best float64
	wait int
	seen bool
}

// NewReduceLROnPlateau creates the policy with its monitoring thresholds.
func NewReduceLROnPlateau(factor float64, patience int, minLR float64) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{
		Factor:   factor,
		Patience: patience,
		MinLR:    minLR,
	}
}

// Observe records an epoch's validation loss and adjusts the optimizer when
// the plateau persists.
func (r *ReduceLROnPlateau) Observe(valLoss float64, opt *Adam) {
	if !r.seen || valLoss < r.best {
		r.best = valLoss
		r.wait = 0
		r.seen = true
		return
	}
	r.wait++
	if r.wait < r.Patience {
		return
	}
	r.wait = 0
	lr := opt.LearningRate() * r.Factor
	if lr < r.MinLR {
		lr = r.MinLR
	}
	if lr == opt.LearningRate() {
		return
	}
	opt.SetLearningRate(lr)
	log.WithField("lr", lr).Info("Validation loss plateaued, learning rate reduced")
}
