package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"

	"farmvision-backend/internal/core/utils"
	"farmvision-backend/internal/dataset"
)

type EvaluateOptions struct {
	Workers int
	// SamplesPerClass limits evaluation to a seeded random sample of each
	// class, 0 evaluates every image.
	SamplesPerClass int
	Seed            int64
	Progress        io.Writer
}

type ClassAccuracy struct {
	Class    string
	Total    int
	Correct  int
	Accuracy float64
}

type EvaluationReport struct {
	Total    int
	Correct  int
	Accuracy float64
	Classes  []ClassAccuracy
}

type evalSample struct {
	path  string
	label int
}

type evalResult struct {
	label     int
	predicted int
}

// Evaluate runs model over the images in valDir/<class>/ and reports overall
// and per-class accuracy. Every class folder must be known to the model's
// class index map.
func Evaluate(ctx context.Context, model StageModel, preprocessor *Preprocessor, valDir string, opts EvaluateOptions) (EvaluationReport, error) {
	if model.Classes == nil {
		return EvaluationReport{}, fmt.Errorf("evaluation requires a class index map")
	}

	classes, err := dataset.ListClasses(valDir)
	if err != nil {
		return EvaluationReport{}, fmt.Errorf("error listing validation classes: %w", err)
	}

	rng := rand.New(rand.NewSource(opts.Seed))

	var samples []evalSample
	for _, class := range classes {
		label, ok := model.Classes.Index(class)
		if !ok {
			return EvaluationReport{}, fmt.Errorf("validation class '%s' is not in the model's class index map", class)
		}

		images, err := dataset.CollectImages(filepath.Join(valDir, class))
		if err != nil {
			return EvaluationReport{}, fmt.Errorf("error listing images for class '%s': %w", class, err)
		}
		if opts.SamplesPerClass > 0 && len(images) > opts.SamplesPerClass {
			rng.Shuffle(len(images), func(i, j int) { images[i], images[j] = images[j], images[i] })
			images = images[:opts.SamplesPerClass]
		}

		for _, img := range images {
			samples = append(samples, evalSample{path: img, label: label})
		}
	}

	if len(samples) == 0 {
		return EvaluationReport{}, fmt.Errorf("no validation images found in %s", valDir)
	}

	slog.Info("evaluating model", "val_dir", valDir, "classes", len(classes), "images", len(samples))

	queue := make(chan evalSample, len(samples))
	for _, s := range samples {
		queue <- s
	}
	close(queue)

	worker := func(ctx context.Context, s evalSample) (evalResult, error) {
		input, err := preprocessor.TensorFromFile(s.path)
		if err != nil {
			return evalResult{}, err
		}
		pred, err := Classify(ctx, model.Classifier, model.Classes, input)
		if err != nil {
			return evalResult{}, fmt.Errorf("error classifying %s: %w", s.path, err)
		}
		return evalResult{label: s.label, predicted: pred.Index}, nil
	}

	bar := dataset.NewProgressBar(opts.Progress, len(samples), "evaluating")

	completed := make(chan utils.CompletedTask[evalResult], len(samples))
	utils.RunInPool(ctx, worker, queue, completed, max(opts.Workers, 1))

	totals := make([]int, model.Classes.Len())
	correct := make([]int, model.Classes.Len())

	var firstErr error
	for task := range completed {
		_ = bar.Add(1)
		if task.Error != nil {
			if firstErr == nil {
				firstErr = task.Error
			}
			continue
		}
		totals[task.Result.label]++
		if task.Result.predicted == task.Result.label {
			correct[task.Result.label]++
		}
	}
	_ = bar.Finish()

	if firstErr != nil {
		return EvaluationReport{}, fmt.Errorf("evaluation failed: %w", firstErr)
	}

	report := EvaluationReport{}
	for _, class := range classes {
		idx, _ := model.Classes.Index(class)
		ca := ClassAccuracy{Class: class, Total: totals[idx], Correct: correct[idx], Accuracy: accuracy(correct[idx], totals[idx])}
		report.Classes = append(report.Classes, ca)
		report.Total += ca.Total
		report.Correct += ca.Correct
	}
	report.Accuracy = accuracy(report.Correct, report.Total)

	slog.Info("evaluation complete", "val_dir", valDir, "accuracy", report.Accuracy, "images", report.Total)
	return report, nil
}

func accuracy(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}
