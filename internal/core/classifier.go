package core

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"
)

// Stage identifies one of the three cascade models.
type Stage string

const (
	StageTypeDetector Stage = "type_detector"
	StageCattleBreed  Stage = "cattle_breed"
	StageBuffaloBreed Stage = "buffalo_breed"
)

var Stages = []Stage{StageTypeDetector, StageCattleBreed, StageBuffaloBreed}

const (
	ModelFileName      = "model.onnx"
	ClassIndexFileName = "class_indices.json"
	RecipeFileName     = "recipe.yaml"
)

func ParseStage(s string) (Stage, error) {
	for _, stage := range Stages {
		if string(stage) == s {
			return stage, nil
		}
	}
	return "", fmt.Errorf("invalid stage '%s', expected one of %v", s, Stages)
}

// Dir is the directory holding the stage's artifacts under modelDir.
func (s Stage) Dir(modelDir string) string {
	return filepath.Join(modelDir, string(s))
}

func (s Stage) ModelPath(modelDir string) string {
	return filepath.Join(s.Dir(modelDir), ModelFileName)
}

func (s Stage) ClassIndexPath(modelDir string) string {
	return filepath.Join(s.Dir(modelDir), ClassIndexFileName)
}

// Classifier is a single image classifier. Implementations must be safe for
// concurrent use since one instance is shared by all requests.
type Classifier interface {
	// Predict returns one score per class for a batch of one image.
	Predict(ctx context.Context, input Tensor) ([]float32, error)

	Release()
}

type ModelType string

const (
	OnnxModel      ModelType = "onnx"
	TFServingModel ModelType = "tfserving"
)

func ParseModelType(s string) (ModelType, error) {
	switch ModelType(s) {
	case OnnxModel, TFServingModel:
		return ModelType(s), nil
	}
	return "", fmt.Errorf("invalid model type '%s'", s)
}

// ClassifierLoader loads the classifier for a stage from modelDir.
type ClassifierLoader func(stage Stage, modelDir string) (Classifier, error)

func NewClassifierLoaders(tfServingURL string, timeout time.Duration) map[ModelType]ClassifierLoader {
	return map[ModelType]ClassifierLoader{
		OnnxModel: func(stage Stage, modelDir string) (Classifier, error) {
			model, err := LoadOnnxClassifier(stage.ModelPath(modelDir))
			if err != nil {
				return nil, err
			}
			return model, nil
		},
		TFServingModel: func(stage Stage, _ string) (Classifier, error) {
			model, err := NewRemoteClassifier(tfServingURL, string(stage), timeout)
			if err != nil {
				return nil, err
			}
			return model, nil
		},
	}
}

// ArgMax returns the index of the highest score and the score itself. Ties
// resolve to the lowest index. It returns -1 for an empty slice.
func ArgMax(scores []float32) (int, float32) {
	if len(scores) == 0 {
		return -1, 0
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best, scores[best]
}

func checkFinite(scores []float32) error {
	for i, s := range scores {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return fmt.Errorf("%w: score %d is %v", ErrOutputSize, i, s)
		}
	}
	return nil
}

// ClassPrediction is the arg-max of a single classifier output.
type ClassPrediction struct {
	Index      int
	Label      string
	Confidence float32
}

// Classify runs the classifier and resolves the arg-max through classes.
func Classify(ctx context.Context, c Classifier, classes *ClassIndexMap, input Tensor) (ClassPrediction, error) {
	scores, err := c.Predict(ctx, input)
	if err != nil {
		return ClassPrediction{}, err
	}
	if classes != nil && len(scores) != classes.Len() {
		return ClassPrediction{}, fmt.Errorf("%w: got %d scores for %d classes", ErrOutputSize, len(scores), classes.Len())
	}

	if err := checkFinite(scores); err != nil {
		return ClassPrediction{}, err
	}

	idx, conf := ArgMax(scores)
	if idx < 0 {
		return ClassPrediction{}, fmt.Errorf("%w: classifier returned no scores", ErrOutputSize)
	}

	pred := ClassPrediction{Index: idx, Confidence: conf}
	if classes != nil {
		pred.Label, _ = classes.Name(idx)
	}
	return pred, nil
}
