package main

import (
	"fmt"
	"io"

	"farmvision-backend/internal/config"
	"farmvision-backend/internal/core"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

func newTrainCmd(stdout, _ io.Writer) *cobra.Command {
	var (
		stage      string
		outputDir  string
		recipePath string
		command    string
	)

	cmd := &cobra.Command{
		Use:   "train <dataset-dir>",
		Short: "Train one stage model on a split dataset",
		Long: `Train writes a recipe for the stage and runs the training command with
--recipe <recipe.yaml>. The command must write model.onnx to the recipe's
model_path. <dataset-dir> must hold train/<class> and val/<class> folders.

The output directory receives model.onnx, class_indices.json and recipe.yaml.

Examples:
  farmvision train data/stage1 --stage type_detector --output models
  farmvision train data/stage2 --stage cattle_breed --output models --recipe recipes/cattle_breed.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, stdout, args[0], stage, outputDir, recipePath, command)
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "Stage to train: type_detector, cattle_breed or buffalo_breed")
	cmd.Flags().StringVar(&outputDir, "output", "models", "Model directory, the stage is written to <output>/<stage>")
	cmd.Flags().StringVar(&recipePath, "recipe", "", "Recipe file overriding the default hyperparameters")
	cmd.Flags().StringVar(&command, "command", "", "Training command (env TRAIN_COMMAND)")
	_ = cmd.MarkFlagRequired("stage")

	return cmd
}

func runTrain(cmd *cobra.Command, stdout io.Writer, datasetDir, stageName, outputDir, recipePath, command string) error {
	stage, err := core.ParseStage(stageName)
	if err != nil {
		return err
	}

	var cfg config.TrainingConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	if command != "" {
		cfg.TrainCommand = command
	}

	recipe := core.DefaultRecipe(stage)
	if recipePath != "" {
		if recipe, err = core.LoadRecipe(recipePath, stage); err != nil {
			return err
		}
	}

	trainer, err := core.NewTrainer(cfg.TrainCommand)
	if err != nil {
		return err
	}

	result, err := trainer.Train(cmd.Context(), core.TrainOptions{
		DatasetDir: datasetDir,
		OutputDir:  stage.Dir(outputDir),
		Recipe:     recipe,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "trained %s model: %s\n", stage, result.ModelPath)
	for _, name := range result.Classes.Names() {
		idx, _ := result.Classes.Index(name)
		if w, ok := result.ClassWeights[idx]; ok {
			fmt.Fprintf(stdout, "  %3d %-24s %5d images  weight %.3f\n", idx, name, result.ClassCounts[name], w)
		} else {
			fmt.Fprintf(stdout, "  %3d %-24s %5d images\n", idx, name, result.ClassCounts[name])
		}
	}
	return nil
}
