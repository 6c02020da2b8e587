package training

import (
	"fmt"
	"math"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/model"
)

const lossEpsilon = 1e-7

// CategoricalCrossEntropy scores softmax probability rows against one-hot
// targets. Forward returns the mean loss and the gradient with respect to
// the probabilities, ready to feed into Model.Backward.
type CategoricalCrossEntropy struct{}

// Forward computes mean loss and its gradient for one batch.
func (CategoricalCrossEntropy) Forward(pred, target *model.Tensor) (float64, *model.Tensor, error) {
	if !pred.SameShape(target) {
		return 0, nil, fmt.Errorf("loss: prediction shape %v does not match target %v",
			pred.Shape, target.Shape)
	}
	n := pred.Shape[0]
	grad := model.NewTensor(pred.Shape...)

	var total float64
	for i, p := range pred.Data {
		y := target.Data[i]
		if y == 0 {
			continue
		}
		total += -float64(y) * math.Log(float64(p)+lossEpsilon)
		grad.Data[i] = -y / (p + lossEpsilon) / float32(n)
	}
	return total / float64(n), grad, nil
}

// Accuracy is the fraction of rows whose argmax matches the target class.
func Accuracy(pred, target *model.Tensor) float64 {
	n, c := pred.Shape[0], pred.Shape[1]
	correct := 0
	for b := 0; b < n; b++ {
		if argmax(pred.Data[b*c:(b+1)*c]) == argmax(target.Data[b*c:(b+1)*c]) {
			correct++
		}
	}
	return float64(correct) / float64(n)
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
