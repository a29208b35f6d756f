package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"strings"

	"github.com/dunamismax/unwatermark/internal/domain"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

type stdlibTransformer struct{}

func (t stdlibTransformer) Transform(ctx context.Context, input []byte, opts domain.ExportOptions) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	cfg, srcFormat, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("decode result header: %w", err)
	}
	if passthrough(opts, srcFormat) {
		return input, normalizeOutputFormat(srcFormat), cfg.Width, cfg.Height, nil
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("decode result image: %w", err)
	}

	out := src
	if opts.Width > 0 {
		out, err = resizeToWidth(src, opts.Width)
		if err != nil {
			return nil, "", 0, 0, err
		}
	}

	format := normalizeOutputFormat(opts.Format)
	if strings.TrimSpace(opts.Format) == "" {
		format = normalizeOutputFormat(srcFormat)
		if format == "webp" {
			format = "png"
		}
	}

	data, err := encodeImage(out, format, opts.Quality)
	if err != nil {
		return nil, "", 0, 0, err
	}
	bounds := out.Bounds()
	return data, format, bounds.Dx(), bounds.Dy(), nil
}

func resizeToWidth(src image.Image, width int) (image.Image, error) {
	srcBounds := src.Bounds()
	srcW, srcH := srcBounds.Dx(), srcBounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, errors.New("result image has invalid dimensions")
	}
	if width == srcW {
		return src, nil
	}

	height := max(1, int(math.Round(float64(srcH)*float64(width)/float64(srcW))))
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, srcBounds, xdraw.Src, nil)
	return dst, nil
}

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case "jpeg":
		if quality <= 0 || quality > 100 {
			quality = 85
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case "png":
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case "webp":
		return nil, fmt.Errorf("%w: webp export requires govips build tag", ErrUnsupportedFormat)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return buf.Bytes(), nil
}
