package core

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeClassifier struct {
	scores   []float32
	err      error
	calls    atomic.Int32
	released atomic.Bool
}

func (m *fakeClassifier) Predict(ctx context.Context, input Tensor) ([]float32, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return append([]float32(nil), m.scores...), nil
}

func (m *fakeClassifier) Release() {
	m.released.Store(true)
}

// colorClassifier scores an NHWC tensor by its mean red and blue intensity, so
// red images are class 0 and blue images class 1.
type colorClassifier struct{}

func (colorClassifier) Predict(ctx context.Context, input Tensor) ([]float32, error) {
	var r, b float32
	for i := 0; i+2 < len(input.Data); i += channels {
		r += input.Data[i]
		b += input.Data[i+2]
	}
	return []float32{r, b}, nil
}

func (colorClassifier) Release() {}

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

func writeImage(t *testing.T, path string, c color.Color) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}

	require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

const referenceCSV = `breed,age_in_year,height_in_inch,weight_in_kg,sex
Gir,10,40,300,Female
Gir,10,40,300,Male
Sahiwal,6,48,380,Female
Sahiwal,8,50,400,Female
Sahiwal,7,,nan,Male
Murrah,9,54,500,Female
Ongole,,,,Male
`

func testTraits(t *testing.T) *TraitTable {
	t.Helper()
	table, err := ParseReferenceTable(strings.NewReader(referenceCSV))
	require.NoError(t, err)
	return table
}

func testClasses(t *testing.T, names ...string) *ClassIndexMap {
	t.Helper()
	classes, err := NewClassIndexMap(names)
	require.NoError(t, err)
	return classes
}

func testPreprocessor(t *testing.T) *Preprocessor {
	t.Helper()
	p, err := NewPreprocessor(PreprocessConfig{ImageSize: 4, Layout: string(LayoutNHWC), Interpolation: "nearest"})
	require.NoError(t, err)
	return p
}
