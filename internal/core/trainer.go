package core

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"farmvision-backend/internal/dataset"
)

// Trainer prepares a stage's class index map and recipe, then hands the
// actual optimisation to an external command that is invoked as
// `<command...> --recipe <recipe.yaml>` and must write model.onnx to the
// recipe's model_path.
type Trainer struct {
	command []string
}

type TrainOptions struct {
	// DatasetDir must contain train/<class>/ and val/<class>/ folders, as
	// produced by the dataset splitter.
	DatasetDir string
	// OutputDir receives model.onnx, class_indices.json and recipe.yaml.
	OutputDir string
	Recipe    Recipe
}

type TrainResult struct {
	Stage        Stage
	OutputDir    string
	ModelPath    string
	RecipePath   string
	Classes      *ClassIndexMap
	ClassCounts  map[string]int
	ClassWeights map[int]float64
}

func NewTrainer(command string) (*Trainer, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("trainer command is empty")
	}
	return &Trainer{command: fields}, nil
}

func (t *Trainer) Train(ctx context.Context, opts TrainOptions) (TrainResult, error) {
	recipe := opts.Recipe
	if err := recipe.Validate(); err != nil {
		return TrainResult{}, fmt.Errorf("invalid recipe: %w", err)
	}

	trainDir := filepath.Join(opts.DatasetDir, dataset.TrainDir)
	valDir := filepath.Join(opts.DatasetDir, dataset.ValDir)

	classes, counts, err := trainingClasses(trainDir, valDir)
	if err != nil {
		return TrainResult{}, err
	}

	slog.Info("preparing training run", "stage", recipe.Stage, "dataset", opts.DatasetDir, "classes", classes.Names(), "counts", counts)

	recipe.TrainDir = trainDir
	recipe.ValDir = valDir
	recipe.OutputDir = opts.OutputDir
	recipe.ModelPath = filepath.Join(opts.OutputDir, ModelFileName)
	recipe.ClassIndices = classes.Indices()
	if recipe.BalanceClasses {
		recipe.ClassWeights = BalancedClassWeights(classes, counts)
	}

	if err := os.MkdirAll(opts.OutputDir, os.ModePerm); err != nil {
		return TrainResult{}, fmt.Errorf("error creating output directory: %w", err)
	}

	// A stale artifact from a previous run must not be mistaken for the output
	// of this one.
	if err := os.Remove(recipe.ModelPath); err != nil && !os.IsNotExist(err) {
		return TrainResult{}, fmt.Errorf("error removing previous model: %w", err)
	}

	if err := classes.Save(filepath.Join(opts.OutputDir, ClassIndexFileName)); err != nil {
		return TrainResult{}, err
	}

	recipePath := filepath.Join(opts.OutputDir, RecipeFileName)
	if err := recipe.Save(recipePath); err != nil {
		return TrainResult{}, err
	}

	if err := t.run(ctx, recipe.Stage, recipePath); err != nil {
		return TrainResult{}, err
	}

	if _, err := os.Stat(recipe.ModelPath); err != nil {
		return TrainResult{}, fmt.Errorf("trainer finished without writing %s: %w", recipe.ModelPath, err)
	}

	slog.Info("training run complete", "stage", recipe.Stage, "model", recipe.ModelPath)

	return TrainResult{
		Stage:        recipe.Stage,
		OutputDir:    opts.OutputDir,
		ModelPath:    recipe.ModelPath,
		RecipePath:   recipePath,
		Classes:      classes,
		ClassCounts:  counts,
		ClassWeights: recipe.ClassWeights,
	}, nil
}

func (t *Trainer) run(ctx context.Context, stage Stage, recipePath string) error {
	args := append(slices.Clone(t.command[1:]), "--recipe", recipePath)
	cmd := exec.CommandContext(ctx, t.command[0], args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error attaching trainer stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("error attaching trainer stderr: %w", err)
	}

	slog.Info("starting trainer", "stage", stage, "command", cmd.String())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting trainer: %w", err)
	}

	wg := sync.WaitGroup{}
	wg.Add(2)
	go logLines(&wg, stdout, stage, "stdout")
	go logLines(&wg, stderr, stage, "stderr")
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("trainer cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("trainer failed: %w", err)
	}
	return nil
}

func logLines(wg *sync.WaitGroup, r io.Reader, stage Stage, stream string) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		slog.Info("trainer", "stage", stage, "stream", stream, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("trainer output no longer logged", "stage", stage, "stream", stream, "error", err)
	}

	// The trainer blocks on a full pipe, so whatever is left must be read.
	if _, err := io.Copy(io.Discard, r); err != nil {
		slog.Warn("error draining trainer output", "stage", stage, "stream", stream, "error", err)
	}
}

// trainingClasses builds the class index map from the train folders and
// checks that val has exactly the same classes.
func trainingClasses(trainDir, valDir string) (*ClassIndexMap, map[string]int, error) {
	trainClasses, err := dataset.ListClasses(trainDir)
	if err != nil {
		return nil, nil, fmt.Errorf("error listing training classes: %w", err)
	}
	if len(trainClasses) < 2 {
		return nil, nil, fmt.Errorf("need at least two classes in %s, found %d", trainDir, len(trainClasses))
	}

	valClasses, err := dataset.ListClasses(valDir)
	if err != nil {
		return nil, nil, fmt.Errorf("error listing validation classes: %w", err)
	}
	if !slices.Equal(trainClasses, valClasses) {
		return nil, nil, fmt.Errorf("train classes %v do not match val classes %v", trainClasses, valClasses)
	}

	counts := make(map[string]int, len(trainClasses))
	for _, class := range trainClasses {
		images, err := dataset.CollectImages(filepath.Join(trainDir, class))
		if err != nil {
			return nil, nil, fmt.Errorf("error listing images for class '%s': %w", class, err)
		}
		if len(images) == 0 {
			return nil, nil, fmt.Errorf("class '%s' has no training images", class)
		}
		counts[class] = len(images)
	}

	classes, err := NewClassIndexMap(trainClasses)
	if err != nil {
		return nil, nil, err
	}
	return classes, counts, nil
}

// BalancedClassWeights weights each class by n_samples / (n_classes * n_c) so
// that every class contributes equally to the loss.
func BalancedClassWeights(classes *ClassIndexMap, counts map[string]int) map[int]float64 {
	total := 0
	for _, c := range counts {
		total += c
	}

	weights := make(map[int]float64, classes.Len())
	for i, name := range classes.Names() {
		if n := counts[name]; n > 0 {
			weights[i] = float64(total) / float64(classes.Len()*n)
		}
	}
	return weights
}
