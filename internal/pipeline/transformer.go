package pipeline

import (
	"context"
	"path"
	"strings"

	"github.com/dunamismax/unwatermark/internal/domain"
)

// Transformer converts a downloaded result according to the export options.
// With zero options the input is returned unchanged.
type Transformer interface {
	Transform(ctx context.Context, input []byte, opts domain.ExportOptions) (data []byte, format string, width, height int, err error)
}

func normalizeOutputFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpg", "jpeg":
		return "jpeg"
	case "png":
		return "png"
	case "webp":
		return "webp"
	default:
		return "png"
	}
}

func extensionForFormat(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

// FormatOfKey recovers the output format from an exported result key or path.
func FormatOfKey(key string) string {
	ext := strings.TrimPrefix(path.Ext(key), ".")
	if ext == "" {
		return ""
	}
	return normalizeOutputFormat(ext)
}

// passthrough reports whether opts request no change to the source.
func passthrough(opts domain.ExportOptions, sourceFormat string) bool {
	if opts.Width > 0 || opts.Quality > 0 {
		return false
	}
	return strings.TrimSpace(opts.Format) == "" || normalizeOutputFormat(opts.Format) == normalizeOutputFormat(sourceFormat)
}
