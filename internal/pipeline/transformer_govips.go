//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/unwatermark/internal/domain"
)

type govipsTransformer struct{}

func (t govipsTransformer) Transform(ctx context.Context, input []byte, opts domain.ExportOptions) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("decode result image: %w", err)
	}
	defer img.Close()

	srcFormat := formatOfImage(input)
	if passthrough(opts, srcFormat) {
		return input, srcFormat, img.Width(), img.Height(), nil
	}

	if opts.Width > 0 && opts.Width != img.Width() {
		scale := float64(opts.Width) / float64(img.Width())
		if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
			return nil, "", 0, 0, fmt.Errorf("resize image: %w", err)
		}
	}

	format := srcFormat
	if strings.TrimSpace(opts.Format) != "" {
		format = normalizeOutputFormat(opts.Format)
	}

	data, err := exportGovipsImage(img, format, opts.Quality)
	if err != nil {
		return nil, "", 0, 0, err
	}
	return data, format, img.Width(), img.Height(), nil
}

func formatOfImage(input []byte) string {
	switch vips.DetermineImageType(input) {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypeWEBP:
		return "webp"
	default:
		return "png"
	}
}

func exportGovipsImage(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err = img.ExportJpeg(params)
	case "png":
		params := vips.NewPngExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err = img.ExportPng(params)
	case "webp":
		params := vips.NewWebpExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err = img.ExportWebp(params)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return data, nil
}
