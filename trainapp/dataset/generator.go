package dataset

import (
	"errors"
	"math/rand"

	log "github.com/sirupsen/logrus"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/constants"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/model"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/preprocess"
)

// Generator streams preprocessed batches from a sample list. The training
// generator shuffles every epoch and augments; the validation generator
// does neither, so validation metrics are computed on the exact inference
// transform.
type Generator struct {
	samples    []Sample
	numClasses int
	batchSize  int

	augment *preprocess.Augmenter
	shuffle bool
	rng     *rand.Rand

	pos int
}

// NewTrainingGenerator creates the shuffled, augmented training stream.
func NewTrainingGenerator(samples []Sample, numClasses, batchSize int, seed int64) *Generator {
	rng := rand.New(rand.NewSource(seed))
	return &Generator{
		samples:    append([]Sample(nil), samples...),
		numClasses: numClasses,
		batchSize:  batchSize,
		augment:    preprocess.NewAugmenter(rng),
		shuffle:    true,
		rng:        rng,
	}
}

// NewValidationGenerator creates the deterministic evaluation stream.
func NewValidationGenerator(samples []Sample, numClasses, batchSize int) *Generator {
	return &Generator{
		samples:    append([]Sample(nil), samples...),
		numClasses: numClasses,
		batchSize:  batchSize,
	}
}

// Len returns the number of samples.
func (g *Generator) Len() int {
	return len(g.samples)
}

// NumBatches returns the batches per epoch.
func (g *Generator) NumBatches() int {
	return (len(g.samples) + g.batchSize - 1) / g.batchSize
}

// Reset rewinds the stream for a new epoch, reshuffling when enabled.
func (g *Generator) Reset() {
	g.pos = 0
	if g.shuffle {
		g.rng.Shuffle(len(g.samples), func(i, j int) {
			g.samples[i], g.samples[j] = g.samples[j], g.samples[i]
		})
	}
}

// NextBatch returns the next (inputs, one-hot targets) pair, or false when
// the epoch is exhausted. Files that fail to decode are skipped; the
// cleaning pass normally removes them before training starts.
func (g *Generator) NextBatch() (*model.Tensor, *model.Tensor, bool, error) {
	if g.pos >= len(g.samples) {
		return nil, nil, false, nil
	}

	end := g.pos + g.batchSize
	if end > len(g.samples) {
		end = len(g.samples)
	}
	batch := g.samples[g.pos:end]
	g.pos = end

	h, w, c := constants.ImgHeight, constants.ImgWidth, constants.Channels
	x := model.NewTensor(len(batch), h, w, c)
	y := model.NewTensor(len(batch), g.numClasses)

	n := 0
	imgSize := h * w * c
	for _, s := range batch {
		rgba, err := preprocess.LoadRGBA(s.Path)
		if err != nil {
			var decodeErr *preprocess.DecodeError
			if errors.As(err, &decodeErr) {
				log.WithError(err).Warn("Skipping undecodable image")
				continue
			}
			return nil, nil, false, err
		}
		if g.augment != nil {
			rgba = g.augment.Apply(rgba)
		}
		t := preprocess.ToTensor(rgba)
		copy(x.Data[n*imgSize:(n+1)*imgSize], t.Data)
		y.Data[n*g.numClasses+s.Class] = 1
		n++
	}
	if n == 0 {
		return g.NextBatch()
	}
	if n < len(batch) {
		x = shrinkBatch(x, n, imgSize)
		y = shrinkBatch(y, n, g.numClasses)
	}
	return x, y, true, nil
}

func shrinkBatch(t *model.Tensor, n, stride int) *model.Tensor {
	shape := append([]int(nil), t.Shape...)
	shape[0] = n
	shrunk, _ := model.NewTensorFrom(t.Data[:n*stride], shape...)
	return shrunk
}
