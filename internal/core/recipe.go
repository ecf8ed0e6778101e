package core

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

type Augmentation struct {
	RotationRange     float64   `yaml:"rotation_range"`
	WidthShiftRange   float64   `yaml:"width_shift_range"`
	HeightShiftRange  float64   `yaml:"height_shift_range"`
	ShearRange        float64   `yaml:"shear_range"`
	ZoomRange         float64   `yaml:"zoom_range"`
	BrightnessRange   []float64 `yaml:"brightness_range,omitempty"`
	ChannelShiftRange float64   `yaml:"channel_shift_range,omitempty"`
	HorizontalFlip    bool      `yaml:"horizontal_flip"`
	FillMode          string    `yaml:"fill_mode"`
}

type EarlyStopping struct {
	Monitor  string `yaml:"monitor"`
	Patience int    `yaml:"patience"`
}

type ReduceLROnPlateau struct {
	Monitor  string  `yaml:"monitor"`
	Factor   float64 `yaml:"factor"`
	Patience int     `yaml:"patience"`
	MinLR    float64 `yaml:"min_lr"`
}

// Recipe describes one training run for the external trainer. The
// hyperparameters come from DefaultRecipe or a recipe file; the dataset,
// class and output fields are filled in by the Trainer.
type Recipe struct {
	Stage     Stage  `yaml:"stage"`
	Backbone  string `yaml:"backbone"`
	ImageSize int    `yaml:"image_size"`
	BatchSize int    `yaml:"batch_size"`

	WarmupEpochs       int     `yaml:"warmup_epochs"`
	WarmupLearningRate float64 `yaml:"warmup_learning_rate"`

	FineTuneEpochs       int     `yaml:"fine_tune_epochs"`
	FineTuneLearningRate float64 `yaml:"fine_tune_learning_rate"`
	UnfreezeLayers       int     `yaml:"unfreeze_layers"`

	Dropout     float64 `yaml:"dropout"`
	HiddenUnits int     `yaml:"hidden_units,omitempty"`

	EarlyStopping     EarlyStopping      `yaml:"early_stopping"`
	ReduceLROnPlateau *ReduceLROnPlateau `yaml:"reduce_lr_on_plateau,omitempty"`
	CheckpointMonitor string             `yaml:"checkpoint_monitor"`

	BalanceClasses bool         `yaml:"balance_classes"`
	Augmentation   Augmentation `yaml:"augmentation"`

	TrainDir     string          `yaml:"train_dir,omitempty"`
	ValDir       string          `yaml:"val_dir,omitempty"`
	OutputDir    string          `yaml:"output_dir,omitempty"`
	ModelPath    string          `yaml:"model_path,omitempty"`
	ClassIndices map[string]int  `yaml:"class_indices,omitempty"`
	ClassWeights map[int]float64 `yaml:"class_weights,omitempty"`
}

// DefaultRecipe returns the hyperparameters each stage has been trained with:
// a frozen MobileNetV2 warm-up followed by fine-tuning the top layers.
func DefaultRecipe(stage Stage) Recipe {
	r := Recipe{
		Stage:                stage,
		Backbone:             "mobilenet_v2",
		ImageSize:            224,
		BatchSize:            32,
		WarmupEpochs:         10,
		WarmupLearningRate:   1e-3,
		FineTuneEpochs:       5,
		FineTuneLearningRate: 1e-5,
		UnfreezeLayers:       50,
		Dropout:              0.5,
		EarlyStopping:        EarlyStopping{Monitor: "val_loss", Patience: 3},
		CheckpointMonitor:    "val_loss",
	}

	switch stage {
	case StageTypeDetector:
		r.BalanceClasses = true
		r.Augmentation = Augmentation{
			RotationRange:     20,
			WidthShiftRange:   0.2,
			HeightShiftRange:  0.2,
			ShearRange:        0.2,
			ZoomRange:         0.3,
			BrightnessRange:   []float64{0.8, 1.2},
			ChannelShiftRange: 30,
			HorizontalFlip:    true,
			FillMode:          "nearest",
		}
	case StageCattleBreed:
		r.Augmentation = Augmentation{
			RotationRange:    30,
			WidthShiftRange:  0.1,
			HeightShiftRange: 0.1,
			ShearRange:       0.1,
			ZoomRange:        0.2,
			BrightnessRange:  []float64{0.8, 1.2},
			HorizontalFlip:   true,
			FillMode:         "nearest",
		}
	case StageBuffaloBreed:
		r.WarmupEpochs = 20
		r.WarmupLearningRate = 1e-4
		r.FineTuneEpochs = 0
		r.UnfreezeLayers = 0
		r.Dropout = 0.4
		r.HiddenUnits = 128
		r.EarlyStopping = EarlyStopping{Monitor: "val_accuracy", Patience: 3}
		r.CheckpointMonitor = "val_accuracy"
		r.ReduceLROnPlateau = &ReduceLROnPlateau{Monitor: "val_loss", Factor: 0.2, Patience: 2, MinLR: 1e-7}
		r.Augmentation = Augmentation{
			RotationRange:    30,
			WidthShiftRange:  0.2,
			HeightShiftRange: 0.2,
			ShearRange:       0.2,
			ZoomRange:        0.2,
			HorizontalFlip:   true,
			FillMode:         "nearest",
		}
	}

	return r
}

func (r Recipe) Validate() error {
	if _, err := ParseStage(string(r.Stage)); err != nil {
		return err
	}
	if r.ImageSize <= 0 || r.BatchSize <= 0 {
		return fmt.Errorf("image_size and batch_size must be positive")
	}
	if r.WarmupEpochs < 0 || r.FineTuneEpochs < 0 || r.WarmupEpochs+r.FineTuneEpochs == 0 {
		return fmt.Errorf("recipe must train for at least one epoch")
	}
	if r.Dropout < 0 || r.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1), got %f", r.Dropout)
	}
	return nil
}

// LoadRecipe reads a recipe file. Fields absent from the file keep the
// stage's defaults.
func LoadRecipe(path string, stage Stage) (Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Recipe{}, fmt.Errorf("error reading recipe: %w", err)
	}

	recipe := DefaultRecipe(stage)
	if err := yaml.Unmarshal(data, &recipe); err != nil {
		return Recipe{}, fmt.Errorf("error parsing recipe %s: %w", path, err)
	}
	if recipe.Stage != stage {
		return Recipe{}, fmt.Errorf("recipe %s is for stage '%s', expected '%s'", path, recipe.Stage, stage)
	}

	if err := recipe.Validate(); err != nil {
		return Recipe{}, fmt.Errorf("invalid recipe %s: %w", path, err)
	}
	return recipe, nil
}

func (r Recipe) Save(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("error serializing recipe: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("error creating recipe directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing recipe: %w", err)
	}
	return nil
}
