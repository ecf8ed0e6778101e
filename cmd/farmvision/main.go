// farmvision is the offline companion of the FarmVision backend: it splits
// datasets, trains and evaluates stage models, and runs the cascade on
// local images.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"farmvision-backend/internal/config"

	"github.com/caarlos0/env/v11"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// Version metadata injected via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit signals a non-zero exit after the command already reported its
// error.
var errExit = errors.New("exit")

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "farmvision: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "farmvision",
		Short:         "Train, evaluate and run the FarmVision cattle and buffalo classifiers",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			fmt.Fprintf(stderr, "farmvision: unknown command %q\n", args[0]) //nolint:errcheck
			return errExit
		},
	}
	root.PersistentFlags().Bool("quiet", false, "Disable progress bars")
	root.AddCommand(
		newSplitCmd(stdout, stderr),
		newTrainCmd(stdout, stderr),
		newEvaluateCmd(stdout, stderr),
		newPredictCmd(stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

// progressWriter returns stderr when it is a terminal and progress is not
// disabled, nil otherwise.
func progressWriter(cmd *cobra.Command, stderr io.Writer) io.Writer {
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		return nil
	}
	if f, ok := stderr.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return stderr
	}
	return nil
}

func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().String("model-type", "", "Model runtime: onnx or tfserving (env MODEL_TYPE, default onnx)")
	cmd.Flags().String("onnx-runtime", "", "Path to the onnxruntime shared library (env ONNX_RUNTIME_DYLIB)")
	cmd.Flags().String("tf-serving-url", "", "TF-Serving REST base url (env TF_SERVING_URL)")
	cmd.Flags().Int("image-size", 0, "Model input size in pixels (env IMAGE_SIZE, default 224)")
}

// modelConfig reads the model settings from the environment, then applies
// any flags given on the command line.
func modelConfig(cmd *cobra.Command) (config.ModelConfig, error) {
	var cfg config.ModelConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing environment: %w", err)
	}
	applyModelFlags(cmd, &cfg)
	return cfg, nil
}

func applyModelFlags(cmd *cobra.Command, cfg *config.ModelConfig) {
	flags := cmd.Flags()
	if flags.Changed("model-type") {
		cfg.ModelType, _ = flags.GetString("model-type")
	}
	if flags.Changed("onnx-runtime") {
		cfg.OnnxRuntimeDylib, _ = flags.GetString("onnx-runtime")
	}
	if flags.Changed("tf-serving-url") {
		cfg.TFServingURL, _ = flags.GetString("tf-serving-url")
	}
	if flags.Changed("image-size") {
		cfg.Preprocess.ImageSize, _ = flags.GetInt("image-size")
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
