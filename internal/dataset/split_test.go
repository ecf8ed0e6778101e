package dataset

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
		require.NoError(t, os.WriteFile(path, []byte(name), 0644))
	}
}

func writeClass(t *testing.T, root, class string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		writeFiles(t, root, filepath.Join(class, fmt.Sprintf("img_%03d.jpg", i)))
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestSplitRatio(t *testing.T) {
	input := t.TempDir()
	writeClass(t, input, "gir", 100)
	writeClass(t, input, "sahiwal", 7)
	writeFiles(t, input, "gir/notes.txt", ".cache/img.jpg")

	output := filepath.Join(t.TempDir(), "split")

	var progress bytes.Buffer
	report, err := Split(context.Background(), SplitOptions{InputDir: input, OutputDir: output, Ratio: DefaultRatio, Seed: DefaultSeed, Progress: &progress})
	require.NoError(t, err)

	assert.Equal(t, []ClassSplit{
		{Class: "gir", Train: 80, Val: 20},
		{Class: "sahiwal", Train: 5, Val: 2},
	}, report.Classes)
	assert.Equal(t, 85, report.Train)
	assert.Equal(t, 22, report.Val)

	assert.Len(t, listDir(t, filepath.Join(output, TrainDir, "gir")), 80)
	assert.Len(t, listDir(t, filepath.Join(output, ValDir, "gir")), 20)
	assert.Equal(t, []string{"gir", "sahiwal"}, listDir(t, filepath.Join(output, TrainDir)))

	train := listDir(t, filepath.Join(output, TrainDir, "gir"))
	val := listDir(t, filepath.Join(output, ValDir, "gir"))
	assert.Empty(t, intersect(train, val))

	data, err := os.ReadFile(filepath.Join(output, TrainDir, "gir", train[0]))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("gir", train[0]), string(data))
}

func intersect(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, x := range a {
		seen[x] = true
	}
	var out []string
	for _, x := range b {
		if seen[x] {
			out = append(out, x)
		}
	}
	return out
}

func TestSplitReproducible(t *testing.T) {
	input := t.TempDir()
	writeClass(t, input, "cattle", 30)
	writeClass(t, input, "non_cattle", 30)

	split := func(seed int64) []string {
		output := filepath.Join(t.TempDir(), "out")
		_, err := Split(context.Background(), SplitOptions{InputDir: input, OutputDir: output, Ratio: 0.5, Seed: seed})
		require.NoError(t, err)
		return append(listDir(t, filepath.Join(output, TrainDir, "cattle")), listDir(t, filepath.Join(output, TrainDir, "non_cattle"))...)
	}

	first := split(42)
	assert.Equal(t, first, split(42))
	assert.NotEqual(t, first, split(7))
}

func TestSplitOverwritesOutput(t *testing.T) {
	input := t.TempDir()
	writeClass(t, input, "murrah", 4)

	output := t.TempDir()
	writeFiles(t, output, "train/stale/old.jpg", "readme.md")

	_, err := Split(context.Background(), SplitOptions{InputDir: input, OutputDir: output, Ratio: 0.5, Seed: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{TrainDir, ValDir}, listDir(t, output))
	assert.Equal(t, []string{"murrah"}, listDir(t, filepath.Join(output, TrainDir)))
}

func TestSplitClasses(t *testing.T) {
	input := t.TempDir()
	writeClass(t, input, "cattle", 4)
	writeClass(t, input, "buffalo", 4)
	writeClass(t, input, "non_cattle", 4)

	output := filepath.Join(t.TempDir(), "out")
	report, err := Split(context.Background(), SplitOptions{InputDir: input, OutputDir: output, Ratio: 0.5, Classes: []string{"non_cattle", "cattle"}})
	require.NoError(t, err)
	assert.Len(t, report.Classes, 2)
	assert.Equal(t, []string{"cattle", "non_cattle"}, listDir(t, filepath.Join(output, ValDir)))

	_, err = Split(context.Background(), SplitOptions{InputDir: input, OutputDir: output, Ratio: 0.5, Classes: []string{"cattle", "yak"}})
	assert.ErrorContains(t, err, "missing yak folder at: "+filepath.Join(input, "yak"))
}

func TestSplitNestedImages(t *testing.T) {
	input := t.TempDir()
	writeFiles(t, input, "gir/farm_a/1.jpg", "gir/farm_b/1.jpg", "gir/1.jpg", "gir/farm_c/2.PNG")

	output := filepath.Join(t.TempDir(), "out")
	report, err := Split(context.Background(), SplitOptions{InputDir: input, OutputDir: output, Ratio: 0.99, Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Train)
	assert.Equal(t, 1, report.Val)

	files := append(listDir(t, filepath.Join(output, TrainDir, "gir")), listDir(t, filepath.Join(output, ValDir, "gir"))...)
	assert.Len(t, files, 4)
}

func TestDestinationName(t *testing.T) {
	used := map[string]bool{}
	assert.Equal(t, "1.jpg", destinationName("/data/gir/1.jpg", used))
	assert.Equal(t, "farm_a_1.jpg", destinationName("/data/gir/farm_a/1.jpg", used))
	assert.Equal(t, "farm_a_1_1.jpg", destinationName("/other/farm_a/1.jpg", used))
	assert.Equal(t, "farm_a_1_2.jpg", destinationName("/third/farm_a/1.jpg", used))
}

func TestSplitRefusesOverlappingDirs(t *testing.T) {
	root := t.TempDir()
	input := filepath.Join(root, "raw")
	writeClass(t, input, "gir", 2)

	for _, output := range []string{input, root, filepath.Join(input, "split")} {
		_, err := Split(context.Background(), SplitOptions{InputDir: input, OutputDir: output, Ratio: 0.5})
		assert.Error(t, err, output)
	}
	// Nothing was deleted.
	assert.Len(t, listDir(t, filepath.Join(input, "gir")), 2)

	_, err := Split(context.Background(), SplitOptions{InputDir: input, OutputDir: filepath.Join(root, "raw-split"), Ratio: 0.5})
	assert.NoError(t, err)
}

func TestSplitInvalidOptions(t *testing.T) {
	input := t.TempDir()
	writeClass(t, input, "gir", 2)
	output := filepath.Join(t.TempDir(), "out")

	for _, ratio := range []float64{0, 1, -0.5, 1.5} {
		_, err := Split(context.Background(), SplitOptions{InputDir: input, OutputDir: output, Ratio: ratio})
		assert.Error(t, err)
	}

	_, err := Split(context.Background(), SplitOptions{InputDir: t.TempDir(), OutputDir: output, Ratio: 0.5})
	assert.ErrorContains(t, err, "no class folders")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Split(ctx, SplitOptions{InputDir: input, OutputDir: output, Ratio: 0.5})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLabeledImageSet(t *testing.T) {
	root := t.TempDir()
	writeClass(t, root, "b", 2)
	writeClass(t, root, "a", 3)

	set, err := LoadLabeledImageSet(root, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, set.Classes())
	assert.Equal(t, 5, set.Len())
	assert.True(t, IsImage("x.JPEG"))
	assert.False(t, IsImage("x.gif"))
}
