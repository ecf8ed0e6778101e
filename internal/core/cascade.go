package core

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sort"

	"farmvision-backend/internal/core/types"
)

var nonCattleLabels = map[string]bool{
	types.AnimalNonCattle: true,
	"non-cattle":          true,
	"not_cattle":          true,
}

// IsNonCattleLabel reports whether a type detector label means no cattle or
// buffalo was found.
func IsNonCattleLabel(label string) bool {
	return nonCattleLabels[label]
}

// BreedStages maps each animal type to the stage that classifies its breed.
var BreedStages = map[string]Stage{
	types.AnimalCattle:  StageCattleBreed,
	types.AnimalBuffalo: StageBuffaloBreed,
}

// StageModel is a classifier together with the class index map it was
// trained with.
type StageModel struct {
	Classifier Classifier
	Classes    *ClassIndexMap
}

// Pipeline runs the type detector, the breed classifier for the detected
// animal type, and the trait lookup. It is immutable once built and safe for
// concurrent use.
type Pipeline struct {
	preprocessor *Preprocessor
	detector     StageModel
	breeds       map[string]StageModel
	traits       *TraitTable
	atc          ATCWeights
}

// NewPipeline validates that a breed classifier exists for every animal type
// the detector can emit. A detector without a class index map runs in the
// two-class mode where index 0 means not cattle and index 1 means cattle.
func NewPipeline(preprocessor *Preprocessor, detector StageModel, breeds map[string]StageModel, traits *TraitTable, atc ATCWeights) (*Pipeline, error) {
	if detector.Classifier == nil {
		return nil, fmt.Errorf("type detector is required")
	}
	if traits == nil {
		return nil, fmt.Errorf("reference table is required")
	}
	if err := atc.Validate(); err != nil {
		return nil, err
	}

	for _, animal := range AnimalTypes(detector.Classes) {
		breed, ok := breeds[animal]
		if !ok || breed.Classifier == nil {
			return nil, fmt.Errorf("%w '%s'", ErrNoBreedClassifier, animal)
		}
		if breed.Classes == nil {
			return nil, fmt.Errorf("breed classifier for '%s' has no class index map", animal)
		}
	}

	return &Pipeline{
		preprocessor: preprocessor,
		detector:     detector,
		breeds:       breeds,
		traits:       traits,
		atc:          atc,
	}, nil
}

// AnimalTypes lists the animal types a type detector with the given classes
// can emit, excluding the non-cattle label.
func AnimalTypes(classes *ClassIndexMap) []string {
	if classes == nil {
		return []string{types.AnimalCattle}
	}
	var animals []string
	for _, name := range classes.Names() {
		if !IsNonCattleLabel(name) {
			animals = append(animals, name)
		}
	}
	sort.Strings(animals)
	return animals
}

type PipelineConfig struct {
	ModelDir       string
	ModelType      ModelType
	ReferenceTable string
	Preprocess     PreprocessConfig
	ATC            ATCWeights
}

// LoadPipeline loads every stage from cfg.ModelDir. Any missing model or class
// index map is reported as a *ModelLoadError.
func LoadPipeline(cfg PipelineConfig, loaders map[ModelType]ClassifierLoader) (*Pipeline, error) {
	loader, ok := loaders[cfg.ModelType]
	if !ok {
		return nil, fmt.Errorf("unsupported model type '%s'", cfg.ModelType)
	}

	preprocessor, err := NewPreprocessor(cfg.Preprocess)
	if err != nil {
		return nil, err
	}

	var loaded []StageModel
	release := func() {
		for _, m := range loaded {
			m.Classifier.Release()
		}
	}

	detector, err := loadStage(loader, StageTypeDetector, cfg.ModelDir, true)
	if err != nil {
		return nil, err
	}
	loaded = append(loaded, detector)
	if detector.Classes == nil {
		slog.Warn("type detector has no class index map, assuming index 0 is non-cattle and index 1 is cattle",
			"path", StageTypeDetector.ClassIndexPath(cfg.ModelDir))
	}

	breeds := make(map[string]StageModel)
	for _, animal := range AnimalTypes(detector.Classes) {
		stage, ok := BreedStages[animal]
		if !ok {
			release()
			return nil, fmt.Errorf("%w '%s'", ErrNoBreedClassifier, animal)
		}
		model, err := loadStage(loader, stage, cfg.ModelDir, false)
		if err != nil {
			release()
			return nil, err
		}
		loaded = append(loaded, model)
		breeds[animal] = model
	}

	traits, err := LoadReferenceTable(cfg.ReferenceTable)
	if err != nil {
		release()
		return nil, err
	}

	pipeline, err := NewPipeline(preprocessor, detector, breeds, traits, cfg.ATC)
	if err != nil {
		release()
		return nil, err
	}

	slog.Info("loaded cascade", "model_dir", cfg.ModelDir, "model_type", cfg.ModelType, "animal_types", AnimalTypes(detector.Classes))
	return pipeline, nil
}

// LoadStageModel loads a single stage and its class index map from modelDir.
func LoadStageModel(loader ClassifierLoader, stage Stage, modelDir string) (StageModel, error) {
	return loadStage(loader, stage, modelDir, false)
}

func loadStage(loader ClassifierLoader, stage Stage, modelDir string, classesOptional bool) (StageModel, error) {
	classPath := stage.ClassIndexPath(modelDir)

	var classes *ClassIndexMap
	if _, statErr := os.Stat(classPath); !classesOptional || !errors.Is(statErr, os.ErrNotExist) {
		var err error
		classes, err = LoadClassIndexMap(classPath)
		if err != nil {
			return StageModel{}, &ModelLoadError{Stage: stage, Path: classPath, Err: err}
		}
	}

	classifier, err := loader(stage, modelDir)
	if err != nil {
		return StageModel{}, &ModelLoadError{Stage: stage, Path: stage.ModelPath(modelDir), Err: err}
	}

	return StageModel{Classifier: classifier, Classes: classes}, nil
}

func (p *Pipeline) Preprocessor() *Preprocessor {
	return p.preprocessor
}

func (p *Pipeline) Traits() *TraitTable {
	return p.traits
}

func (p *Pipeline) PredictBytes(ctx context.Context, data []byte) (types.PredictionResult, error) {
	img, err := p.preprocessor.Decode(data)
	if err != nil {
		return types.PredictionResult{}, err
	}
	return p.Predict(ctx, img)
}

func (p *Pipeline) Predict(ctx context.Context, img image.Image) (types.PredictionResult, error) {
	return p.PredictTensor(ctx, p.preprocessor.Tensor(img))
}

// PredictTensor runs the cascade on an already preprocessed image. Breed and
// trait fields are only set when an animal was detected.
func (p *Pipeline) PredictTensor(ctx context.Context, input Tensor) (types.PredictionResult, error) {
	animal, typeConf, err := p.detectAnimal(ctx, input)
	if err != nil {
		return types.PredictionResult{}, err
	}

	if IsNonCattleLabel(animal) {
		return types.PredictionResult{IsCattle: false, AnimalType: types.AnimalNonCattle, TypeConfidence: typeConf}, nil
	}

	breedModel, ok := p.breeds[animal]
	if !ok {
		return types.PredictionResult{}, fmt.Errorf("%w '%s'", ErrNoBreedClassifier, animal)
	}

	breed, err := Classify(ctx, breedModel.Classifier, breedModel.Classes, input)
	if err != nil {
		return types.PredictionResult{}, fmt.Errorf("error classifying %s breed: %w", animal, err)
	}

	traits, err := p.traits.Lookup(breed.Label)
	if err != nil {
		return types.PredictionResult{}, err
	}
	score := p.atc.ScoreRecord(traits)

	return types.PredictionResult{
		IsCattle:        true,
		AnimalType:      animal,
		TypeConfidence:  typeConf,
		Breed:           &breed.Label,
		BreedConfidence: &breed.Confidence,
		Traits:          &traits,
		ATCScore:        &score,
	}, nil
}

func (p *Pipeline) detectAnimal(ctx context.Context, input Tensor) (string, float32, error) {
	if p.detector.Classes != nil {
		pred, err := Classify(ctx, p.detector.Classifier, p.detector.Classes, input)
		if err != nil {
			return "", 0, fmt.Errorf("error detecting animal type: %w", err)
		}
		return pred.Label, pred.Confidence, nil
	}

	scores, err := p.detector.Classifier.Predict(ctx, input)
	if err != nil {
		return "", 0, fmt.Errorf("error detecting animal type: %w", err)
	}
	if len(scores) != 2 {
		return "", 0, fmt.Errorf("%w: two-class type detector returned %d scores", ErrOutputSize, len(scores))
	}
	if err := checkFinite(scores); err != nil {
		return "", 0, fmt.Errorf("error detecting animal type: %w", err)
	}

	idx, conf := ArgMax(scores)
	if idx == 0 {
		return types.AnimalNonCattle, conf, nil
	}
	return types.AnimalCattle, conf, nil
}

func (p *Pipeline) Release() {
	p.detector.Classifier.Release()
	for _, m := range p.breeds {
		m.Classifier.Release()
	}
}
