package pipeline

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
)

type objectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// ObjectStoreEmitter writes results to <prefix>/<removal id>/result.<ext>.
type ObjectStoreEmitter struct {
	Storage      objectWriter
	OutputPrefix string
}

// NewObjectStoreExporter downloads results over HTTP and stores them in the
// bucket behind storage.
func NewObjectStoreExporter(storage objectWriter, outputPrefix string, client *http.Client) (*Exporter, error) {
	return NewExporter(HTTPFetcher{Client: client}, ObjectStoreEmitter{Storage: storage, OutputPrefix: outputPrefix})
}

// ResultKey returns the object key a removal's result is written to.
func ResultKey(prefix, removalID, format string) string {
	return path.Join(
		defaultOutputPrefix(prefix),
		sanitizePathToken(removalID),
		"result."+extensionForFormat(normalizeOutputFormat(format)),
	)
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	format = normalizeOutputFormat(format)
	objectKey := ResultKey(e.OutputPrefix, req.RemovalID, format)
	if err := e.Storage.WriteObject(ctx, objectKey, data, contentTypeForFormat(format)); err != nil {
		return Output{}, err
	}

	return Output{
		Format: format,
		Path:   objectKey,
		Bytes:  len(data),
		Width:  width,
		Height: height,
	}, nil
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}

func contentTypeForFormat(format string) string {
	switch normalizeOutputFormat(strings.ToLower(strings.TrimSpace(format))) {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
