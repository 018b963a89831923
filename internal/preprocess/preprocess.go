// Package preprocess turns uploaded image bytes into the float32 tensor
// the classifier was trained on.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrInvalidImage is returned when the bytes cannot be decoded as a colour image.
var ErrInvalidImage = errors.New("invalid image data")

// Normalization schemes.
const (
	// NormEfficientNet keeps raw 0..255 values; Keras EfficientNet models
	// carry their own rescaling layer.
	NormEfficientNet = "efficientnet"
	NormUnit         = "unit"
	NormImageNet     = "imagenet"
)

// Resampling filters.
const (
	InterpBilinear   = "bilinear"
	InterpLanczos3   = "lanczos3"
	InterpCatmullRom = "catmullrom"
)

// Tensor layouts.
const (
	LayoutNHWC = "nhwc"
	LayoutNCHW = "nchw"
)

const channels = 3

// DefaultMaxPixels bounds width*height of an accepted upload.
const DefaultMaxPixels = 1 << 26

var (
	imageNetMean = [channels]float32{0.485, 0.456, 0.406}
	imageNetStd  = [channels]float32{0.229, 0.224, 0.225}
)

// Options configures a Preprocessor. Zero values select the defaults:
// 160px, efficientnet, bilinear, NHWC, DefaultMaxPixels.
type Options struct {
	Size          int
	Normalization string
	Interpolation string
	Layout        string
	MaxPixels     int64
}

// Preprocessor is immutable and safe for concurrent use.
type Preprocessor struct {
	size      int
	norm      string
	interp    string
	layout    string
	maxPixels int64
}

func New(opts Options) (*Preprocessor, error) {
	p := &Preprocessor{
		size:      opts.Size,
		norm:      strings.ToLower(opts.Normalization),
		interp:    strings.ToLower(opts.Interpolation),
		layout:    strings.ToLower(opts.Layout),
		maxPixels: opts.MaxPixels,
	}
	if p.size == 0 {
		p.size = 160
	}
	if p.size < 0 {
		return nil, fmt.Errorf("invalid image size %d", opts.Size)
	}
	if p.norm == "" {
		p.norm = NormEfficientNet
	}
	if p.interp == "" {
		p.interp = InterpBilinear
	}
	if p.layout == "" {
		p.layout = LayoutNHWC
	}
	if p.maxPixels <= 0 {
		p.maxPixels = DefaultMaxPixels
	}

	switch p.norm {
	case NormEfficientNet, NormUnit, NormImageNet:
	default:
		return nil, fmt.Errorf("unknown normalization %q", opts.Normalization)
	}
	switch p.interp {
	case InterpBilinear, InterpLanczos3, InterpCatmullRom:
	default:
		return nil, fmt.Errorf("unknown interpolation %q", opts.Interpolation)
	}
	switch p.layout {
	case LayoutNHWC, LayoutNCHW:
	default:
		return nil, fmt.Errorf("unknown layout %q", opts.Layout)
	}
	return p, nil
}

// Shape is the tensor shape Tensor produces, batch dimension included.
func (p *Preprocessor) Shape() []int64 {
	s := int64(p.size)
	if p.layout == LayoutNCHW {
		return []int64{1, channels, s, s}
	}
	return []int64{1, s, s, channels}
}

// Tensor decodes data and returns the normalised single-image batch.
func (p *Preprocessor) Tensor(data []byte) ([]float32, error) {
	img, err := Decode(data, p.maxPixels)
	if err != nil {
		return nil, err
	}
	return p.FromImage(img), nil
}

// Decode reads a colour image, applying EXIF orientation. Alpha is dropped
// and grayscale is expanded so the result is always opaque RGB. Images whose
// header declares more than maxPixels pixels are rejected before any pixel
// buffer is allocated.
func Decode(data []byte, maxPixels int64) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidImage)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidImage, cfg.Width, cfg.Height, maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}

	flat := imaging.Clone(img)
	for i := 3; i < len(flat.Pix); i += 4 {
		flat.Pix[i] = 0xff
	}
	return flat, nil
}

// FromImage resizes img and writes it into a new tensor.
func (p *Preprocessor) FromImage(img *image.NRGBA) []float32 {
	resized := p.resize(img)
	n := p.size
	out := make([]float32, channels*n*n)
	plane := n * n

	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			rgb := pixel(resized, x, y)
			for c := 0; c < channels; c++ {
				v := p.normalize(c, rgb[c])
				if p.layout == LayoutNCHW {
					out[c*plane+y*n+x] = v
				} else {
					out[(y*n+x)*channels+c] = v
				}
			}
		}
	}
	return out
}

func (p *Preprocessor) resize(img *image.NRGBA) image.Image {
	switch p.interp {
	case InterpLanczos3:
		return resize.Resize(uint(p.size), uint(p.size), img, resize.Lanczos3)
	case InterpCatmullRom:
		return imaging.Resize(img, p.size, p.size, imaging.CatmullRom)
	default:
		return imaging.Resize(img, p.size, p.size, imaging.Linear)
	}
}

func (p *Preprocessor) normalize(c int, v uint8) float32 {
	switch p.norm {
	case NormUnit:
		return float32(v) / 255
	case NormImageNet:
		return (float32(v)/255 - imageNetMean[c]) / imageNetStd[c]
	default:
		return float32(v)
	}
}

// pixel returns the R, G, B bytes at (x, y) relative to the image origin.
func pixel(img image.Image, x, y int) [channels]uint8 {
	b := img.Bounds()
	if n, ok := img.(*image.NRGBA); ok {
		i := n.PixOffset(b.Min.X+x, b.Min.Y+y)
		return [channels]uint8{n.Pix[i], n.Pix[i+1], n.Pix[i+2]}
	}
	r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
	return [channels]uint8{uint8(r >> 8), uint8(g >> 8), uint8(bl >> 8)}
}
