package training

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/model"
)

func smallModel(t *testing.T) *model.Model {
	t.Helper()

	m, err := model.Build(model.Config{
		NumClasses: 2,
		Labels:     []string{"a", "b"},
		Seed:       1,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestEarlyStoppingTriggersAndRestores(t *testing.T) {
	m := smallModel(t)
	es := NewEarlyStopping(3)

	if es.Observe(0.5, m) {
		t.Fatal("stopped on the first observation")
	}
	bestSnap := m.Snapshot()

	// Degrade the weights so a restore is observable.
	for _, p := range m.TrainableParams() {
		for i := range p.Value.Data {
			p.Value.Data[i] += 1
		}
	}

	if es.Observe(0.4, m) || es.Observe(0.3, m) {
		t.Fatal("stopped before patience was exhausted")
	}
	if !es.Observe(0.2, m) {
		t.Fatal("did not stop after patience epochs without improvement")
	}

	got := m.Snapshot()
	for name, want := range bestSnap {
		for i := range want {
			if got[name][i] != want[i] {
				t.Fatalf("weights of %s not restored", name)
			}
		}
	}
}

func TestEarlyStoppingResetsOnImprovement(t *testing.T) {
	m := smallModel(t)
	es := NewEarlyStopping(2)

	es.Observe(0.5, m)
	es.Observe(0.4, m)
	es.Observe(0.6, m) // improvement resets the wait counter
	if es.Observe(0.5, m) {
		t.Fatal("stopped one epoch after an improvement")
	}
	if !es.Observe(0.5, m) {
		t.Fatal("did not stop after renewed patience ran out")
	}
}

func TestCheckpointSaverKeepsBest(t *testing.T) {
	m := smallModel(t)
	path := filepath.Join(t.TempDir(), "ckpt.bin")
	cs := NewCheckpointSaver(path)

	if err := cs.Observe(0.5, m, model.TrainingResult{Epochs: 1}); err != nil {
		t.Fatal(err)
	}
	fi1, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	// A worse epoch must not overwrite the checkpoint.
	if err := os.Truncate(path, fi1.Size()-1); err != nil {
		t.Fatal(err)
	}
	if err := cs.Observe(0.4, m, model.TrainingResult{Epochs: 2}); err != nil {
		t.Fatal(err)
	}
	fi2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi2.Size() != fi1.Size()-1 {
		t.Fatal("worse epoch overwrote the checkpoint")
	}

	// A better epoch does.
	if err := cs.Observe(0.6, m, model.TrainingResult{Epochs: 3}); err != nil {
		t.Fatal(err)
	}
	if best, ok := cs.Best(); !ok || best != 0.6 {
		t.Fatalf("got best %v/%v", best, ok)
	}

	_, sidecar, err := model.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if sidecar.TrainingResult.Epochs != 3 {
		t.Fatalf("checkpoint carries result of epoch %d, want 3", sidecar.TrainingResult.Epochs)
	}
}

func TestReduceLROnPlateau(t *testing.T) {
	opt := NewAdam(0.001)
	p := NewReduceLROnPlateau(0.2, 2, 1e-7)

	p.Observe(1.0, opt)
	p.Observe(1.1, opt)
	if opt.LearningRate() != 0.001 {
		t.Fatal("reduced before patience was exhausted")
	}
	p.Observe(1.2, opt)
	if math.Abs(opt.LearningRate()-0.0002) > 1e-12 {
		t.Fatalf("got lr %v, want 0.0002", opt.LearningRate())
	}

	// Improvement resets the counter.
	p.Observe(0.5, opt)
	p.Observe(0.6, opt)
	p.Observe(0.7, opt)
	if math.Abs(opt.LearningRate()-4e-5) > 1e-15 {
		t.Fatalf("got lr %v, want 4e-5", opt.LearningRate())
	}
}

func TestReduceLROnPlateauFloor(t *testing.T) {
	opt := NewAdam(1e-7)
	p := NewReduceLROnPlateau(0.2, 1, 1e-7)

	p.Observe(1.0, opt)
	p.Observe(1.1, opt)
	if opt.LearningRate() != 1e-7 {
		t.Fatalf("got lr %v, want the floor 1e-7", opt.LearningRate())
	}
}

func TestHistoryConcatAndBoundary(t *testing.T) {
	var merged, p1, p2 History

	p1.Add(1.0, 0.5, 1.1, 0.4)
	p1.Add(0.8, 0.6, 0.9, 0.5)
	p2.Add(0.6, 0.7, 0.7, 0.6)

	merged.Concat(&p1)
	merged.MarkPhaseBoundary()
	merged.Concat(&p2)

	if merged.Epochs() != 3 {
		t.Fatalf("got %d epochs, want 3", merged.Epochs())
	}
	if merged.PhaseBoundary != 2 {
		t.Fatalf("got phase boundary %d, want 2", merged.PhaseBoundary)
	}

	result := merged.Result()
	if result.Epochs != 3 || result.PhaseBoundary != 2 {
		t.Fatalf("got result %+v", result)
	}
	if result.ValidationAccuracy[2] != 0.6 {
		t.Fatalf("fine-tune metrics not appended: %v", result.ValidationAccuracy)
	}

	acc, valAcc := merged.Last()
	if acc != 0.7 || valAcc != 0.6 {
		t.Fatalf("got last %v/%v", acc, valAcc)
	}
}

func TestLossAndAccuracy(t *testing.T) {
	pred, err := model.NewTensorFrom([]float32{
		0.9, 0.1,
		0.2, 0.8,
	}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	target, err := model.NewTensorFrom([]float32{
		1, 0,
		1, 0,
	}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}

	loss, grad, err := CategoricalCrossEntropy{}.Forward(pred, target)
	if err != nil {
		t.Fatal(err)
	}
	want := -(math.Log(0.9+lossEpsilon) + math.Log(0.2+lossEpsilon)) / 2
	if math.Abs(loss-want) > 1e-9 {
		t.Fatalf("got loss %v, want %v", loss, want)
	}
	if grad.Data[1] != 0 || grad.Data[3] != 0 {
		t.Fatal("gradient leaked into zero-target entries")
	}
	if grad.Data[0] >= 0 || grad.Data[2] >= 0 {
		t.Fatal("target-entry gradients must be negative")
	}

	if acc := Accuracy(pred, target); acc != 0.5 {
		t.Fatalf("got accuracy %v, want 0.5", acc)
	}
}

func TestAdamDescendsQuadratic(t *testing.T) {
	// Minimize f(w) = w^2 with analytic gradients.
	p := &model.Param{Name: "w"}
	p.Value = model.NewTensor(1)
	p.Grad = model.NewTensor(1)
	p.Value.Data[0] = 1

	opt := NewAdam(0.1)
	for i := 0; i < 200; i++ {
		p.Grad.Data[0] = 2 * p.Value.Data[0]
		opt.Step([]*model.Param{p})
	}

	if w := p.Value.Data[0]; math.Abs(float64(w)) > 0.05 {
		t.Fatalf("got w=%v after 200 steps, want near 0", w)
	}
}
