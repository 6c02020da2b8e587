package training

import (
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/model"
)

// History accumulates per-epoch metrics. Phase-1 and phase-2 histories are
// concatenated into one continuous curve; PhaseBoundary records where
// fine-tuning began since the concatenation itself carries no marker.
type History struct {
	Accuracy      []float64
	ValAccuracy   []float64
	Loss          []float64
	ValLoss       []float64
	PhaseBoundary int
}

// Add appends one epoch of metrics.
func (h *History) Add(loss, accuracy, valLoss, valAccuracy float64) {
	h.Loss = append(h.Loss, loss)
	h.Accuracy = append(h.Accuracy, accuracy)
	h.ValLoss = append(h.ValLoss, valLoss)
	h.ValAccuracy = append(h.ValAccuracy, valAccuracy)
}

// Epochs returns the number of recorded epochs.
func (h *History) Epochs() int {
	return len(h.Loss)
}

// MarkPhaseBoundary records the current epoch count as the start of the
// next phase.
func (h *History) MarkPhaseBoundary() {
	h.PhaseBoundary = h.Epochs()
}

// Concat appends another history in phase order.
func (h *History) Concat(o *History) {
	h.Loss = append(h.Loss, o.Loss...)
	h.Accuracy = append(h.Accuracy, o.Accuracy...)
	h.ValLoss = append(h.ValLoss, o.ValLoss...)
	h.ValAccuracy = append(h.ValAccuracy, o.ValAccuracy...)
}

// Result converts the history into the sidecar representation.
func (h *History) Result() model.TrainingResult {
	return model.TrainingResult{
		Epochs:             h.Epochs(),
		PhaseBoundary:      h.PhaseBoundary,
		TrainLoss:          h.Loss,
		TrainAccuracy:      h.Accuracy,
		ValidationLoss:     h.ValLoss,
		ValidationAccuracy: h.ValAccuracy,
	}
}

// Last returns the final accuracy and validation accuracy, or zeros for an
// empty history.
func (h *History) Last() (accuracy, valAccuracy float64) {
	if n := h.Epochs(); n > 0 {
		return h.Accuracy[n-1], h.ValAccuracy[n-1]
	}
	return 0, 0
}
