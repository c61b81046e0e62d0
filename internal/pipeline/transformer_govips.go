//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/dunamismax/pixelserve/internal/imageops"
)

type govipsTransformer struct{}

func (t govipsTransformer) Transform(ctx context.Context, input []byte, opts TransformOptions) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	// Tolerate truncated or odd inputs and keep animation frames.
	params := vips.NewImportParams()
	params.FailOnError.Set(false)
	params.NumPages.Set(-1)

	img, err := vips.LoadImageFromBuffer(input, params)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	// EXIF orientation metadata, when present, is baked into the pixels
	// so downstream clients need no rotation support.
	if err := img.AutoRotate(); err != nil {
		return nil, fmt.Errorf("apply orientation: %w", err)
	}

	if opts.Width > 0 || opts.Height > 0 {
		if err := applyResize(img, opts.Width, opts.Height); err != nil {
			return nil, err
		}
	}

	return exportImage(img, opts.Format, opts.Quality)
}

func applyResize(img *vips.ImageRef, targetW, targetH int) error {
	if img.Width() <= 0 || img.Height() <= 0 {
		return fmt.Errorf("source image has invalid dimensions")
	}

	scale := fitScale(img.Width(), img.Height(), targetW, targetH)
	if scale >= 1 {
		return nil
	}

	if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
		return fmt.Errorf("resize image: %w", err)
	}
	return nil
}

func exportImage(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	switch format {
	case imageops.FormatJPEG:
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case imageops.FormatPNG:
		data, _, err := img.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case imageops.FormatWebP:
		params := vips.NewWebpExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	case imageops.FormatAVIF:
		params := vips.NewAvifExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportAvif(params)
		if err != nil {
			return nil, fmt.Errorf("encode avif: %w", err)
		}
		return data, nil
	case imageops.FormatGIF:
		data, _, err := img.ExportGIF(vips.NewGifExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
