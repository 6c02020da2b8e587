package constants

import "time"

// Image settings
const (
	ImgHeight = 224
	ImgWidth  = 224
	Channels  = 3

	BatchSize = 16
)

// Training settings
const (
	Epochs       = 50
	LearningRate = 0.001

	FineTuneEpochs = 20
	FineTuneLR     = 0.0001

	// Backbone layers kept frozen during fine-tuning to preserve
	// low-level feature extraction
	FineTuneFrozenLayers = 100

	ValidationSplit = 0.2

	EarlyStopPatience = 10

	PlateauFactor   = 0.2
	PlateauPatience = 5
	PlateauMinLR    = 1e-7

	TrainTimeout = time.Hour
)

// Dataset admissibility thresholds
const (
	MinClasses        = 2
	MinImagesPerClass = 3
	MinTotalImages    = 20
)

// ClassNames is the closed set of disease identifiers. Directory names
// under the training data root must come from this set.
var ClassNames = []string{
	"candidiasis",
	"tinea_corporis",
	"tinea_pedis",
	"tinea_versicolor",
}

// Artifact names
const (
	ModelFileName   = "fungal_classifier.bin"
	ModelConfigName = "fungal_classifier.yaml"
	TFLiteFileName  = "fungal_classifier.tflite"
	TFLiteQuantName = "fungal_classifier_quant.tflite"
	LabelsFileName  = "labels.txt"
	HistoryPlotName = "training_history.png"
)

// Default paths, overridable by flags
const (
	DataPath   = "data/training_images"
	ModelsPath = "models"

	DiseaseInfoFile = "data/disease_info.json"
)
