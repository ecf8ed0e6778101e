package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeValSet(t *testing.T, perClass int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < perClass; i++ {
		writeImage(t, filepath.Join(dir, "cattle", fmt.Sprintf("%d.png", i)), red)
		writeImage(t, filepath.Join(dir, "non_cattle", fmt.Sprintf("%d.png", i)), blue)
	}
	return dir
}

func TestEvaluate(t *testing.T) {
	valDir := writeValSet(t, 6)

	model := StageModel{Classifier: colorClassifier{}, Classes: testClasses(t, "cattle", "non_cattle")}

	var progress bytes.Buffer
	report, err := Evaluate(context.Background(), model, testPreprocessor(t), valDir, EvaluateOptions{Workers: 3, Progress: &progress})
	require.NoError(t, err)

	assert.Equal(t, 12, report.Total)
	assert.Equal(t, 12, report.Correct)
	assert.Equal(t, 1.0, report.Accuracy)
	assert.Equal(t, []ClassAccuracy{
		{Class: "cattle", Total: 6, Correct: 6, Accuracy: 1},
		{Class: "non_cattle", Total: 6, Correct: 6, Accuracy: 1},
	}, report.Classes)
	assert.NotEmpty(t, progress.String())
}

func TestEvaluateMisclassified(t *testing.T) {
	valDir := writeValSet(t, 4)

	// Class order is reversed relative to colorClassifier, so every image is wrong.
	classes, err := ClassIndexMapFromIndices(map[string]int{"cattle": 1, "non_cattle": 0})
	require.NoError(t, err)

	report, err := Evaluate(context.Background(), StageModel{Classifier: colorClassifier{}, Classes: classes}, testPreprocessor(t), valDir, EvaluateOptions{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 8, report.Total)
	assert.Equal(t, 0, report.Correct)
	assert.Equal(t, 0.0, report.Accuracy)
}

func TestEvaluateSampling(t *testing.T) {
	valDir := writeValSet(t, 10)
	model := StageModel{Classifier: colorClassifier{}, Classes: testClasses(t, "cattle", "non_cattle")}

	report, err := Evaluate(context.Background(), model, testPreprocessor(t), valDir, EvaluateOptions{Workers: 4, SamplesPerClass: 5, Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, 10, report.Total)
	for _, c := range report.Classes {
		assert.Equal(t, 5, c.Total)
	}
}

func TestEvaluateErrors(t *testing.T) {
	valDir := writeValSet(t, 2)

	_, err := Evaluate(context.Background(), StageModel{Classifier: colorClassifier{}, Classes: testClasses(t, "cattle", "buffalo")}, testPreprocessor(t), valDir, EvaluateOptions{})
	assert.ErrorContains(t, err, "non_cattle")

	_, err = Evaluate(context.Background(), StageModel{Classifier: colorClassifier{}}, testPreprocessor(t), valDir, EvaluateOptions{})
	assert.Error(t, err)

	failing := &fakeClassifier{err: errors.New("session run error")}
	_, err = Evaluate(context.Background(), StageModel{Classifier: failing, Classes: testClasses(t, "cattle", "non_cattle")}, testPreprocessor(t), valDir, EvaluateOptions{Workers: 2})
	assert.ErrorContains(t, err, "session run error")

	_, err = Evaluate(context.Background(), StageModel{Classifier: colorClassifier{}, Classes: testClasses(t, "cattle", "non_cattle")}, testPreprocessor(t), t.TempDir(), EvaluateOptions{})
	assert.Error(t, err)
}
