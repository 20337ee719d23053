// Package imageprocessor decodes uploaded images into RGB pixel grids and
// estimates the camera focal length from EXIF metadata.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

// DefaultMaxPixels rejects images larger than 64 megapixels before decoding.
const DefaultMaxPixels = 64 << 20

// fullFrameDiagonalMM is the diagonal of a 36x24mm sensor.
var fullFrameDiagonalMM = math.Sqrt(36*36 + 24*24)

// ErrUnsupportedImage is returned for payloads no registered decoder accepts.
var ErrUnsupportedImage = errors.New("unsupported or corrupt image")

// Image is a decoded, orientation-corrected RGB image.
type Image struct {
	Pixels   *image.NRGBA
	Width    int
	Height   int
	Channels int
	Format   string
	// FocalPx is the focal length in pixels estimated from EXIF, or nil when
	// the file carries no usable focal metadata.
	FocalPx *float64
}

// Decoder turns raw upload bytes into Images.
type Decoder struct {
	maxPixels int
}

// NewDecoder returns a decoder that refuses images above maxPixels. A
// non-positive value uses DefaultMaxPixels.
func NewDecoder(maxPixels int) *Decoder {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Decoder{maxPixels: maxPixels}
}

// Decode parses data, applies the EXIF orientation and drops the alpha
// channel. Orientation metadata is consumed here and not returned.
func (d *Decoder) Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrUnsupportedImage)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrUnsupportedImage)
	}
	if cfg.Width*cfg.Height > d.maxPixels {
		return nil, fmt.Errorf("image is %dx%d, exceeds %d pixel limit", cfg.Width, cfg.Height, d.maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	pixels := imaging.Clone(img)
	opaque(pixels)
	bounds := pixels.Bounds()

	decoded := &Image{
		Pixels:   pixels,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Channels: 3,
		Format:   format,
	}
	if focalMM, ok := exifFocal35mm(data); ok {
		f := FocalMMToPixels(focalMM, decoded.Width, decoded.Height)
		decoded.FocalPx = &f
	}
	return decoded, nil
}

// FocalMMToPixels converts a 35mm-equivalent focal length to pixels for an
// image of the given size.
func FocalMMToPixels(focalMM float64, width, height int) float64 {
	diagonal := math.Hypot(float64(width), float64(height))
	return focalMM * diagonal / fullFrameDiagonalMM
}

// exifFocal35mm reads the 35mm-equivalent focal length. When only the
// physical focal length is present, lenses shorter than 10mm are assumed to
// sit on a phone-sized sensor with a crop factor of 8.4.
func exifFocal35mm(data []byte) (float64, bool) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, false
	}

	if tag, err := x.Get(exif.FocalLengthIn35mmFilm); err == nil {
		if v, err := tag.Int(0); err == nil && v >= 1 {
			return float64(v), true
		}
	}

	tag, err := x.Get(exif.FocalLength)
	if err != nil {
		return 0, false
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 || num <= 0 {
		return 0, false
	}
	focal := float64(num) / float64(den)
	if focal < 10 {
		focal *= 8.4
	}
	return focal, true
}

// opaque forces every pixel to full alpha so later RGB reads ignore
// transparency the same way for every source format.
func opaque(img *image.NRGBA) {
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
}
