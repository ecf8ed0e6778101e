package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreprocessorLayouts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "red.png")
	writeImage(t, path, red)

	nhwc := testPreprocessor(t)
	assert.Equal(t, []int64{1, 4, 4, 3}, nhwc.Shape())

	tensor, err := nhwc.TensorFromFile(path)
	require.NoError(t, err)
	require.Len(t, tensor.Data, 4*4*3)
	assert.Equal(t, nhwc.Shape(), tensor.Shape)
	assert.Equal(t, []float32{1, 0, 0}, tensor.Data[:3])

	nchw, err := NewPreprocessor(PreprocessConfig{ImageSize: 4, Layout: "nchw", Interpolation: "bilinear"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 4, 4}, nchw.Shape())

	tensor, err = nchw.TensorFromFile(path)
	require.NoError(t, err)
	for i, v := range tensor.Data {
		if i < 16 {
			assert.InDelta(t, 1, v, 0.01)
		} else {
			assert.InDelta(t, 0, v, 0.01)
		}
	}
}

func TestPreprocessorConfig(t *testing.T) {
	_, err := NewPreprocessor(PreprocessConfig{ImageSize: 0, Layout: "nhwc", Interpolation: "nearest"})
	assert.Error(t, err)

	_, err = NewPreprocessor(PreprocessConfig{ImageSize: 224, Layout: "hwc", Interpolation: "nearest"})
	assert.Error(t, err)

	_, err = NewPreprocessor(PreprocessConfig{ImageSize: 224, Layout: "nhwc", Interpolation: "cubic"})
	assert.Error(t, err)

	_, err = NewPreprocessor(PreprocessConfig{ImageSize: 224, Layout: "nhwc", Interpolation: "nearest", MaxPixels: -1})
	assert.Error(t, err)

	p, err := NewPreprocessor(DefaultPreprocessConfig())
	require.NoError(t, err)
	assert.Equal(t, 224, p.ImageSize())
}

// pngWithSize encodes a 1x1 png and rewrites its header to declare width x
// height, so only DecodeConfig can read it cheaply.
func pngWithSize(t *testing.T, width, height uint32) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))))
	data := buf.Bytes()

	// IHDR: length(8:12) type(12:16) width(16:20) height(20:24) ... crc(29:33)
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestDecodeImagePixelLimit(t *testing.T) {
	var decodeErr *ImageDecodeError

	bomb := pngWithSize(t, 100000, 100000)
	cfg, err := png.DecodeConfig(bytes.NewReader(bomb))
	require.NoError(t, err)
	require.Equal(t, 100000, cfg.Width)

	_, err = DecodeImage(bomb, DefaultMaxPixels)
	require.True(t, errors.As(err, &decodeErr))
	assert.ErrorContains(t, err, "above the limit")

	p, err := NewPreprocessor(DefaultPreprocessConfig())
	require.NoError(t, err)
	_, err = p.TensorFromBytes(bomb)
	assert.True(t, errors.As(err, &decodeErr))

	path := filepath.Join(t.TempDir(), "red.png")
	writeImage(t, path, red)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	small, err := NewPreprocessor(PreprocessConfig{ImageSize: 4, Layout: "nhwc", Interpolation: "nearest", MaxPixels: 63})
	require.NoError(t, err)
	_, err = small.TensorFromBytes(data)
	assert.True(t, errors.As(err, &decodeErr))

	exact, err := NewPreprocessor(PreprocessConfig{ImageSize: 4, Layout: "nhwc", Interpolation: "nearest", MaxPixels: 64})
	require.NoError(t, err)
	_, err = exact.TensorFromBytes(data)
	assert.NoError(t, err)
}

func TestDecodeImageErrors(t *testing.T) {
	var decodeErr *ImageDecodeError

	_, err := DecodeImage(nil, DefaultMaxPixels)
	assert.True(t, errors.As(err, &decodeErr))

	_, err = DecodeImage([]byte("GIF89a but not really"), DefaultMaxPixels)
	assert.True(t, errors.As(err, &decodeErr))

	p := testPreprocessor(t)
	bad := filepath.Join(t.TempDir(), "bad.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("corrupt"), 0644))
	_, err = p.TensorFromFile(bad)
	assert.True(t, errors.As(err, &decodeErr))

	_, err = p.TensorFromFile(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
