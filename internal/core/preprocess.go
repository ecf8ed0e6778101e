package core

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Layout is the memory order of the model input tensor.
type Layout string

const (
	LayoutNHWC Layout = "nhwc"
	LayoutNCHW Layout = "nchw"
)

const channels = 3

type Tensor struct {
	Data  []float32
	Shape []int64
}

// DefaultMaxPixels matches the decompression bomb limit of common python
// imaging stacks.
const DefaultMaxPixels = 178956970

type PreprocessConfig struct {
	ImageSize     int    `env:"IMAGE_SIZE" envDefault:"224"`
	Layout        string `env:"TENSOR_LAYOUT" envDefault:"nhwc"`
	Interpolation string `env:"RESIZE_INTERPOLATION" envDefault:"nearest"`
	// MaxPixels bounds width*height of decoded images, 0 selects
	// DefaultMaxPixels.
	MaxPixels int `env:"MAX_IMAGE_PIXELS" envDefault:"178956970"`
}

func DefaultPreprocessConfig() PreprocessConfig {
	return PreprocessConfig{ImageSize: 224, Layout: string(LayoutNHWC), Interpolation: "nearest", MaxPixels: DefaultMaxPixels}
}

var interpolations = map[string]resize.InterpolationFunction{
	"nearest":  resize.NearestNeighbor,
	"bilinear": resize.Bilinear,
	"bicubic":  resize.Bicubic,
	"lanczos":  resize.Lanczos3,
}

// Preprocessor turns decoded images into the fixed-size, [0,1]-scaled RGB
// tensors the stage models were trained on.
type Preprocessor struct {
	size      int
	layout    Layout
	interp    resize.InterpolationFunction
	maxPixels int
}

func NewPreprocessor(cfg PreprocessConfig) (*Preprocessor, error) {
	if cfg.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", cfg.ImageSize)
	}

	layout := Layout(cfg.Layout)
	if layout != LayoutNHWC && layout != LayoutNCHW {
		return nil, fmt.Errorf("invalid tensor layout '%s'", cfg.Layout)
	}

	interp, ok := interpolations[cfg.Interpolation]
	if !ok {
		return nil, fmt.Errorf("invalid resize interpolation '%s'", cfg.Interpolation)
	}

	maxPixels := cfg.MaxPixels
	if maxPixels == 0 {
		maxPixels = DefaultMaxPixels
	}
	if maxPixels < 0 {
		return nil, fmt.Errorf("max image pixels must not be negative, got %d", cfg.MaxPixels)
	}

	return &Preprocessor{size: cfg.ImageSize, layout: layout, interp: interp, maxPixels: maxPixels}, nil
}

func (p *Preprocessor) ImageSize() int {
	return p.size
}

func (p *Preprocessor) Shape() []int64 {
	s := int64(p.size)
	if p.layout == LayoutNCHW {
		return []int64{1, channels, s, s}
	}
	return []int64{1, s, s, channels}
}

// DecodeImage decodes jpeg, png, gif, bmp or webp data. Images whose header
// declares more than maxPixels pixels are refused before decoding, a
// non-positive maxPixels disables the check. Any failure is reported as an
// *ImageDecodeError.
func DecodeImage(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, &ImageDecodeError{Err: errors.New("empty image")}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &ImageDecodeError{Err: err}
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, &ImageDecodeError{Err: fmt.Errorf("image is %dx%d, above the limit of %d pixels", cfg.Width, cfg.Height, maxPixels)}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &ImageDecodeError{Err: err}
	}

	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, &ImageDecodeError{Err: errors.New("image has no pixels")}
	}

	return img, nil
}

func (p *Preprocessor) Tensor(img image.Image) Tensor {
	resized := resize.Resize(uint(p.size), uint(p.size), img, p.interp)
	bounds := resized.Bounds()

	plane := p.size * p.size
	data := make([]float32, channels*plane)

	for y := 0; y < p.size; y++ {
		for x := 0; x < p.size; x++ {
			// Alpha is dropped without compositing.
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			rgb := [channels]float32{float32(c.R) / 255, float32(c.G) / 255, float32(c.B) / 255}

			pixel := y*p.size + x
			for ch, v := range rgb {
				if p.layout == LayoutNCHW {
					data[ch*plane+pixel] = v
				} else {
					data[pixel*channels+ch] = v
				}
			}
		}
	}

	return Tensor{Data: data, Shape: p.Shape()}
}

// Decode decodes data with the preprocessor's pixel limit.
func (p *Preprocessor) Decode(data []byte) (image.Image, error) {
	return DecodeImage(data, p.maxPixels)
}

func (p *Preprocessor) TensorFromBytes(data []byte) (Tensor, error) {
	img, err := p.Decode(data)
	if err != nil {
		return Tensor{}, err
	}
	return p.Tensor(img), nil
}

func (p *Preprocessor) TensorFromFile(path string) (Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tensor{}, fmt.Errorf("error reading image %s: %w", path, err)
	}

	tensor, err := p.TensorFromBytes(data)
	if err != nil {
		return Tensor{}, fmt.Errorf("error preprocessing image %s: %w", path, err)
	}
	return tensor, nil
}
