package dataset

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
)

const (
	TrainDir = "train"
	ValDir   = "val"

	DefaultRatio = 0.8
	DefaultSeed  = 42
)

var ValidExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
}

func IsImage(path string) bool {
	return ValidExtensions[strings.ToLower(filepath.Ext(path))]
}

// ListClasses returns the sorted names of the non-hidden subdirectories of dir.
func ListClasses(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)
	return classes, nil
}

// CollectImages walks dir recursively and returns every regular image file,
// sorted by path.
func CollectImages(dir string) ([]string, error) {
	var images []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && IsImage(path) {
			images = append(images, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(images)
	return images, nil
}

// LabeledImageSet maps each class to the images found under its folder.
type LabeledImageSet map[string][]string

// LoadLabeledImageSet collects the images of each class folder under root. If
// classes is empty every subfolder of root is a class.
func LoadLabeledImageSet(root string, classes []string) (LabeledImageSet, error) {
	if len(classes) == 0 {
		var err error
		if classes, err = ListClasses(root); err != nil {
			return nil, fmt.Errorf("error listing classes in %s: %w", root, err)
		}
		if len(classes) == 0 {
			return nil, fmt.Errorf("no class folders found in %s", root)
		}
	}

	set := make(LabeledImageSet, len(classes))
	for _, class := range classes {
		dir := filepath.Join(root, class)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("missing %s folder at: %s", class, dir)
		}

		images, err := CollectImages(dir)
		if err != nil {
			return nil, fmt.Errorf("error collecting images for %s: %w", class, err)
		}
		set[class] = images
	}
	return set, nil
}

func (s LabeledImageSet) Classes() []string {
	classes := make([]string, 0, len(s))
	for c := range s {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

func (s LabeledImageSet) Len() int {
	n := 0
	for _, images := range s {
		n += len(images)
	}
	return n
}

type SplitOptions struct {
	InputDir  string
	OutputDir string
	Ratio     float64
	Seed      int64
	// Classes restricts the split to these subfolders of InputDir.
	Classes []string
	// Progress receives a progress bar, nil disables it.
	Progress io.Writer
}

type ClassSplit struct {
	Class string
	Train int
	Val   int
}

type SplitReport struct {
	Classes []ClassSplit
	Train   int
	Val     int
}

// Split copies the images of each class into OutputDir/train/<class> and
// OutputDir/val/<class>. OutputDir is deleted first. The same input set and
// seed always give the same membership.
func Split(ctx context.Context, opts SplitOptions) (SplitReport, error) {
	if opts.Ratio <= 0 || opts.Ratio >= 1 {
		return SplitReport{}, fmt.Errorf("split ratio must be in (0, 1), got %v", opts.Ratio)
	}

	if err := checkDirs(opts.InputDir, opts.OutputDir); err != nil {
		return SplitReport{}, err
	}

	set, err := LoadLabeledImageSet(opts.InputDir, opts.Classes)
	if err != nil {
		return SplitReport{}, err
	}

	if _, err := os.Stat(opts.OutputDir); err == nil {
		slog.Warn("removing existing output directory", "path", opts.OutputDir)
		if err := os.RemoveAll(opts.OutputDir); err != nil {
			return SplitReport{}, fmt.Errorf("error removing output directory: %w", err)
		}
	}

	bar := NewProgressBar(opts.Progress, set.Len(), "copying images")
	defer bar.Finish() //nolint:errcheck

	rng := rand.New(rand.NewSource(opts.Seed))

	report := SplitReport{}
	for _, class := range set.Classes() {
		images := append([]string(nil), set[class]...)
		rng.Shuffle(len(images), func(i, j int) { images[i], images[j] = images[j], images[i] })

		nTrain := int(float64(len(images)) * opts.Ratio)

		if err := copyAll(ctx, images[:nTrain], filepath.Join(opts.OutputDir, TrainDir, class), bar); err != nil {
			return SplitReport{}, err
		}
		if err := copyAll(ctx, images[nTrain:], filepath.Join(opts.OutputDir, ValDir, class), bar); err != nil {
			return SplitReport{}, err
		}

		split := ClassSplit{Class: class, Train: nTrain, Val: len(images) - nTrain}
		slog.Info("split class", "class", class, "train", split.Train, "val", split.Val)

		report.Classes = append(report.Classes, split)
		report.Train += split.Train
		report.Val += split.Val
	}

	return report, nil
}

// checkDirs refuses output locations that would delete or be mixed into the
// input when the output directory is removed and rewritten.
func checkDirs(inputDir, outputDir string) error {
	if inputDir == "" || outputDir == "" {
		return fmt.Errorf("input and output directories are required")
	}

	in, err := filepath.Abs(inputDir)
	if err != nil {
		return fmt.Errorf("invalid input directory: %w", err)
	}
	out, err := filepath.Abs(outputDir)
	if err != nil {
		return fmt.Errorf("invalid output directory: %w", err)
	}

	if within(in, out) {
		return fmt.Errorf("output directory %s contains the input directory %s", outputDir, inputDir)
	}
	if within(out, in) {
		return fmt.Errorf("output directory %s is inside the input directory %s", outputDir, inputDir)
	}
	return nil
}

// within reports whether path is parent or a descendant of it.
func within(path, parent string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// NewProgressBar renders to w, or discards all output when w is nil.
func NewProgressBar(w io.Writer, total int, description string) *progressbar.ProgressBar {
	if w == nil {
		return progressbar.DefaultSilent(int64(total), description)
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func copyAll(ctx context.Context, images []string, dstDir string, bar *progressbar.ProgressBar) error {
	if err := os.MkdirAll(dstDir, os.ModePerm); err != nil {
		return fmt.Errorf("error creating %s: %w", dstDir, err)
	}

	used := make(map[string]bool, len(images))
	for _, src := range images {
		if err := ctx.Err(); err != nil {
			return err
		}

		dst := filepath.Join(dstDir, destinationName(src, used))
		if err := copyFile(src, dst); err != nil {
			return err
		}
		_ = bar.Add(1)
	}
	return nil
}

// destinationName keeps the source file name unless it is already taken, then
// tries <parent>_<name>, then appends a counter.
func destinationName(src string, used map[string]bool) string {
	name := filepath.Base(src)
	if !used[name] {
		used[name] = true
		return name
	}

	name = filepath.Base(filepath.Dir(src)) + "_" + name
	if !used[name] {
		used[name] = true
		return name
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !used[candidate] {
			used[candidate] = true
			return candidate
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("error reading %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("error creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("error copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", dst, err)
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
