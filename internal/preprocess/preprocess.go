// Package preprocess turns uploaded image bytes into the tensor the ripeness
// model expects: decode, drop alpha, centre-crop to a square, Lanczos resize,
// scale to [0,1] and lay out as a batch of one.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"github.com/Brownie44l1/banana-api/internal/model"
	"github.com/nfnt/resize"
)

// ErrInvalidImage is returned for input that cannot be decoded into an RGB
// image. If returned in conjunction with an HTTP request, it should be paired
// with a 400 response status.
var ErrInvalidImage = errors.New("invalid image")

// DefaultMaxPixels bounds the decoded size of an upload.
const DefaultMaxPixels = 40_000_000

var supportedFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
}

// Decode decodes JPEG or PNG bytes. Dimensions are checked against maxPixels
// before the pixel data is decoded; maxPixels <= 0 disables the check.
func Decode(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrInvalidImage)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if !supportedFormats[format] {
		return nil, format, fmt.Errorf("%w: unsupported format %q", ErrInvalidImage, format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, format, fmt.Errorf("%w: empty dimensions %dx%d", ErrInvalidImage, cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && cfg.Width*cfg.Height > maxPixels {
		return nil, format, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidImage, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	return img, format, nil
}

// ToRGB copies img into an opaque NRGBA with its origin at (0,0). Alpha is
// discarded, not composited: the stored colour of a transparent pixel is kept.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

// CenterCrop returns the largest centred square of img. When the excess is
// odd the extra pixel is dropped from the right or bottom.
func CenterCrop(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == h {
		return img
	}
	side := min(w, h)
	x0 := b.Min.X + (w-side)/2
	y0 := b.Min.Y + (h-side)/2
	out := image.NewNRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		src := img.PixOffset(x0, y0+y)
		copy(out.Pix[y*out.Stride:y*out.Stride+4*side], img.Pix[src:src+4*side])
	}
	return out
}

// Fit flattens img to RGB, centre-crops it to a square and resamples it to
// size×size with Lanczos3. An image that is already size×size is returned
// without resampling.
func Fit(img image.Image, size int) *image.NRGBA {
	sq := CenterCrop(ToRGB(img))
	if sq.Bounds().Dx() == size {
		return sq
	}
	resized := resize.Resize(uint(size), uint(size), sq, resize.Lanczos3)
	return ToRGB(resized)
}

// Tensor scales an RGB image's 8-bit channels to [0,1] and lays them out as
// a batch of one in the given layout.
func Tensor(img *image.NRGBA, layout model.Layout) []float32 {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := img.NRGBAAt(b.Min.X+x, b.Min.Y+y)
			r := float32(c.R) / 255.0
			g := float32(c.G) / 255.0
			bl := float32(c.B) / 255.0

			pixelIndex := y*width + x
			if layout == model.NCHW {
				data[pixelIndex] = r
				data[plane+pixelIndex] = g
				data[2*plane+pixelIndex] = bl
			} else {
				data[3*pixelIndex] = r
				data[3*pixelIndex+1] = g
				data[3*pixelIndex+2] = bl
			}
		}
	}
	return data
}

// Prepare runs Fit followed by Tensor.
func Prepare(img image.Image, size int, layout model.Layout) []float32 {
	return Tensor(Fit(img, size), layout)
}
