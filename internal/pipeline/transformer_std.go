//go:build !govips || !cgo

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"

	_ "golang.org/x/image/webp"

	"github.com/dunamismax/pixelserve/internal/imageops"
)

// stdlibTransformer is the pure-Go fallback codec. It decodes jpeg, png,
// gif, and webp, and encodes jpeg, png, and gif; webp and avif output
// require the govips build.
type stdlibTransformer struct{}

func (t stdlibTransformer) Transform(ctx context.Context, input []byte, opts TransformOptions) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	out := src
	if opts.Width > 0 || opts.Height > 0 {
		out, err = resizeToFit(src, opts.Width, opts.Height)
		if err != nil {
			return nil, err
		}
	}

	return encodeImage(out, opts.Format, opts.Quality)
}

func resizeToFit(src image.Image, targetW, targetH int) (image.Image, error) {
	srcBounds := src.Bounds()
	srcW := srcBounds.Dx()
	srcH := srcBounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, errors.New("source image has invalid dimensions")
	}

	scale := fitScale(srcW, srcH, targetW, targetH)
	if scale >= 1 {
		return cloneImage(src), nil
	}

	width := int(math.Round(float64(srcW) * scale))
	height := int(math.Round(float64(srcH) * scale))
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcY := srcBounds.Min.Y + (y*srcH)/height
		for x := 0; x < width; x++ {
			srcX := srcBounds.Min.X + (x*srcW)/width
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}

	return dst, nil
}

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case imageops.FormatJPEG:
		if quality <= 0 || quality > 100 {
			quality = 80
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case imageops.FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case imageops.FormatGIF:
		if err := gif.Encode(&buf, img, nil); err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
	case imageops.FormatWebP, imageops.FormatAVIF:
		return nil, fmt.Errorf("%s export requires govips build tag", format)
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	return buf.Bytes(), nil
}

func cloneImage(src image.Image) image.Image {
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst
}
