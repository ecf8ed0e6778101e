package main

import (
	"fmt"
	"io"
	"path/filepath"

	"farmvision-backend/internal/core"
	"farmvision-backend/internal/dataset"

	"github.com/spf13/cobra"
)

func newEvaluateCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		stage string
		opts  core.EvaluateOptions
	)

	cmd := &cobra.Command{
		Use:   "evaluate <model-dir> <dataset-dir>",
		Short: "Measure the accuracy of one stage model",
		Long: `Evaluate runs <model-dir>/<stage>/model.onnx over every image of the
class folders in <dataset-dir> and reports overall and per-class accuracy.
A split dataset root is accepted in place of its val folder.

Examples:
  farmvision evaluate models data/stage1 --stage type_detector
  farmvision evaluate models data/stage2/val --stage cattle_breed --samples-per-class 50`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Progress = progressWriter(cmd, stderr)
			return runEvaluate(cmd, stdout, args[0], args[1], stage, opts)
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "Stage to evaluate: type_detector, cattle_breed or buffalo_breed")
	cmd.Flags().IntVar(&opts.SamplesPerClass, "samples-per-class", 0, "Evaluate a random sample of each class, 0 for all images")
	cmd.Flags().Int64Var(&opts.Seed, "seed", dataset.DefaultSeed, "Sampling seed")
	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "Images classified in parallel")
	_ = cmd.MarkFlagRequired("stage")
	addModelFlags(cmd)

	return cmd
}

func runEvaluate(cmd *cobra.Command, stdout io.Writer, modelDir, datasetDir, stageName string, opts core.EvaluateOptions) error {
	stage, err := core.ParseStage(stageName)
	if err != nil {
		return err
	}

	cfg, err := modelConfig(cmd)
	if err != nil {
		return err
	}

	loader, err := cfg.Loader()
	if err != nil {
		return err
	}

	preprocessor, err := core.NewPreprocessor(cfg.Preprocess)
	if err != nil {
		return err
	}

	destroy, err := cfg.Init()
	if err != nil {
		return err
	}
	defer destroy()

	model, err := core.LoadStageModel(loader, stage, modelDir)
	if err != nil {
		return err
	}
	defer model.Classifier.Release()

	if val := filepath.Join(datasetDir, dataset.ValDir); isDir(val) {
		datasetDir = val
	}

	report, err := core.Evaluate(cmd.Context(), model, preprocessor, datasetDir, opts)
	if err != nil {
		return err
	}

	for _, class := range report.Classes {
		fmt.Fprintf(stdout, "%-24s %5d/%-5d %6.2f%%\n", class.Class, class.Correct, class.Total, class.Accuracy*100)
	}
	fmt.Fprintf(stdout, "%-24s %5d/%-5d %6.2f%%\n", "overall", report.Correct, report.Total, report.Accuracy*100)
	return nil
}
