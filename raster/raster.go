// Package raster decodes and encodes tile images and draws regions of one image into
// another.
package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	xdraw "golang.org/x/image/draw"

	// registers the webp decoder with image.Decode
	_ "golang.org/x/image/webp"
)

var ErrUnknownInterpolation = errors.New("unknown interpolation")

// Codec turns stored tile bytes into images and back.
type Codec interface {
	Decode(data []byte) (image.Image, error)
	Encode(img image.Image) ([]byte, error)
	ContentType() string
}

type ImageCodec struct {
	// Format is what Encode writes. Decode sniffs png, jpeg and webp regardless.
	Format  string `default:"png" validate:"oneof=png jpeg"`
	Quality int    `default:"90" validate:"min=1,max=100"`
}

func NewCodec(format string) (*ImageCodec, error) {
	c := &ImageCodec{Format: strings.ToLower(format)}
	if c.Format == "jpg" {
		c.Format = "jpeg"
	}
	if err := defaults.Set(c); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid tile format %q: %w", format, err)
	}
	return c, nil
}

func (c *ImageCodec) Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not decode tile image: %w", err)
	}
	return img, nil
}

func (c *ImageCodec) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch c.Format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.Quality})
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("could not encode %s tile image: %w", c.Format, err)
	}
	return buf.Bytes(), nil
}

func (c *ImageCodec) ContentType() string {
	return "image/" + c.Format
}

// Interpolator resolves a configured interpolation name.
func Interpolator(name string) (xdraw.Interpolator, error) {
	switch strings.ToLower(name) {
	case "", "nearest", "nearestneighbor":
		return xdraw.NearestNeighbor, nil
	case "approxbilinear":
		return xdraw.ApproxBiLinear, nil
	case "bilinear":
		return xdraw.BiLinear, nil
	case "catmullrom":
		return xdraw.CatmullRom, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownInterpolation, name)
}

// DrawRegion scales the sr part of src onto the dr part of dst, compositing over what is
// already there.
func DrawRegion(dst *image.RGBA, dr image.Rectangle, src image.Image, sr image.Rectangle, interpolator xdraw.Interpolator) {
	interpolator.Scale(dst, dr, src, sr, xdraw.Over, nil)
}

// NearestRGBA copies the pixel at (sx,sy) of src to (dx,dy) of dst. Both coordinates must
// be within bounds.
func NearestRGBA(dst *image.RGBA, dx, dy int, src *image.RGBA, sx, sy int) {
	d := dst.PixOffset(dx, dy)
	s := src.PixOffset(sx, sy)
	copy(dst.Pix[d:d+4], src.Pix[s:s+4])
}
