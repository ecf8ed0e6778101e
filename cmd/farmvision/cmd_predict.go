package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"farmvision-backend/internal/api"
	"farmvision-backend/internal/config"
	"farmvision-backend/internal/core"
	apitypes "farmvision-backend/pkg/api"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

type filePrediction struct {
	File string `json:"file"`
	apitypes.PredictionResponse
}

func newPredictCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		modelDir       string
		referenceTable string
	)

	cmd := &cobra.Command{
		Use:   "predict <image>...",
		Short: "Run the cascade on local images",
		Long: `Predict loads the type detector and the breed classifiers it needs from
the model directory and prints one JSON object per image, in the same format
as POST /predict/.

Examples:
  farmvision predict cow.jpg
  farmvision predict --model-dir models --reference-table data/cattle_breeds.csv images/*.jpg`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPredict(cmd, stdout, stderr, args, modelDir, referenceTable)
		},
	}

	cmd.Flags().StringVar(&modelDir, "model-dir", "", "Directory holding <stage>/model.onnx (env MODEL_DIR, default models)")
	cmd.Flags().StringVar(&referenceTable, "reference-table", "", "Breed reference CSV (env REFERENCE_TABLE)")
	addModelFlags(cmd)

	return cmd
}

func runPredict(cmd *cobra.Command, stdout, stderr io.Writer, images []string, modelDir, referenceTable string) error {
	var cfg config.ServingConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	applyModelFlags(cmd, &cfg.ModelConfig)
	if modelDir != "" {
		cfg.ModelDir = modelDir
	}
	if cfg.ModelDir == "" {
		cfg.ModelDir = "models"
	}
	if referenceTable != "" {
		cfg.ReferenceTable = referenceTable
	}

	pipelineCfg, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}

	destroy, err := cfg.Init()
	if err != nil {
		return err
	}
	defer destroy()

	pipeline, err := core.LoadPipeline(pipelineCfg, cfg.Loaders())
	if err != nil {
		return err
	}
	defer pipeline.Release()

	encoder := json.NewEncoder(stdout)
	failed := false
	for _, image := range images {
		data, err := os.ReadFile(image)
		if err != nil {
			fmt.Fprintf(stderr, "farmvision: %v\n", err)
			failed = true
			continue
		}

		result, err := pipeline.PredictBytes(cmd.Context(), data)
		if err != nil {
			fmt.Fprintf(stderr, "farmvision: %s: %v\n", image, err)
			failed = true
			continue
		}

		if err := encoder.Encode(filePrediction{File: image, PredictionResponse: api.ConvertPrediction(result)}); err != nil {
			return err
		}
	}

	if failed {
		return errExit
	}
	return nil
}
