package config

import (
	"fmt"
	"log/slog"
	"time"

	"farmvision-backend/internal/core"
	"farmvision-backend/internal/storage"
)

// S3Config is shared by every binary that talks to the model bucket.
type S3Config struct {
	EndpointURL     string `env:"S3_ENDPOINT_URL"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	ModelBucket     string `env:"MODEL_BUCKET_NAME" envDefault:"models"`
}

func (c S3Config) ClientConfig() storage.S3ClientConfig {
	return storage.S3ClientConfig{
		Endpoint:        c.EndpointURL,
		Region:          c.Region,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
	}
}

// ModelConfig describes how stage models are loaded, for serving and for
// evaluation jobs.
type ModelConfig struct {
	ModelType        string        `env:"MODEL_TYPE" envDefault:"onnx"`
	OnnxRuntimeDylib string        `env:"ONNX_RUNTIME_DYLIB"`
	TFServingURL     string        `env:"TF_SERVING_URL" envDefault:"http://localhost:8501"`
	TFServingTimeout time.Duration `env:"TF_SERVING_TIMEOUT" envDefault:"30s"`

	Preprocess core.PreprocessConfig
}

// Init loads the onnx runtime when the models are onnx files. The returned
// function releases it.
func (c ModelConfig) Init() (func(), error) {
	modelType, err := core.ParseModelType(c.ModelType)
	if err != nil {
		return nil, err
	}
	if modelType != core.OnnxModel {
		return func() {}, nil
	}
	if err := core.InitOnnxRuntime(c.OnnxRuntimeDylib); err != nil {
		return nil, fmt.Errorf("could not init ONNX Runtime: %w", err)
	}
	return func() {
		if err := core.DestroyOnnxRuntime(); err != nil {
			slog.Error("error destroying onnx env", "error", err)
		}
	}, nil
}

func (c ModelConfig) Loader() (core.ClassifierLoader, error) {
	modelType, err := core.ParseModelType(c.ModelType)
	if err != nil {
		return nil, err
	}
	return c.Loaders()[modelType], nil
}

func (c ModelConfig) Loaders() map[core.ModelType]core.ClassifierLoader {
	return core.NewClassifierLoaders(c.TFServingURL, c.TFServingTimeout)
}

type ServingConfig struct {
	ModelConfig

	// ModelDir holds <stage>/model.onnx and <stage>/class_indices.json for
	// every stage the server runs.
	ModelDir       string `env:"MODEL_DIR"`
	ReferenceTable string `env:"REFERENCE_TABLE" envDefault:"data/cattle_breeds.csv"`

	// Stage models trained through the job API. When set, the model is
	// downloaded from the model bucket into ModelDir at startup.
	TypeDetectorModelId string `env:"TYPE_DETECTOR_MODEL_ID"`
	CattleBreedModelId  string `env:"CATTLE_BREED_MODEL_ID"`
	BuffaloBreedModelId string `env:"BUFFALO_BREED_MODEL_ID"`

	ATC core.ATCWeights
}

func (c ServingConfig) StageModelIds() map[core.Stage]string {
	return map[core.Stage]string{
		core.StageTypeDetector: c.TypeDetectorModelId,
		core.StageCattleBreed:  c.CattleBreedModelId,
		core.StageBuffaloBreed: c.BuffaloBreedModelId,
	}
}

func (c ServingConfig) PipelineConfig() (core.PipelineConfig, error) {
	modelType, err := core.ParseModelType(c.ModelType)
	if err != nil {
		return core.PipelineConfig{}, err
	}
	if err := c.ATC.Validate(); err != nil {
		return core.PipelineConfig{}, err
	}
	return core.PipelineConfig{
		ModelDir:       c.ModelDir,
		ModelType:      modelType,
		ReferenceTable: c.ReferenceTable,
		Preprocess:     c.Preprocess,
		ATC:            c.ATC,
	}, nil
}

type TrainingConfig struct {
	// TrainCommand is run as `<command> --recipe <recipe.yaml>`.
	TrainCommand      string `env:"TRAIN_COMMAND" envDefault:"python3 train.py"`
	RecipeDir         string `env:"RECIPE_DIR"`
	EvaluationWorkers int    `env:"EVALUATION_WORKERS" envDefault:"4"`
}
