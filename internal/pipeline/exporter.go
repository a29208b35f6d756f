package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/unwatermark/internal/domain"
)

var ErrUnsupportedFormat = errors.New("unsupported output format")

// Request describes one cleaned image to export.
type Request struct {
	RemovalID string
	OutputURL string
	Options   domain.ExportOptions
}

type Output struct {
	Format      string
	Path        string
	Bytes       int
	SourceBytes int
	Width       int
	Height      int
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error)
}

// Exporter downloads a finished result, applies the requested conversion and
// writes it to its destination.
type Exporter struct {
	fetcher     Fetcher
	transformer Transformer
	emitter     Emitter
}

func NewExporter(fetcher Fetcher, emitter Emitter) (*Exporter, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}
	transformer, err := newTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}
	return &Exporter{fetcher: fetcher, transformer: transformer, emitter: emitter}, nil
}

// NewLocalExporter writes results as <outputDir>/<removal id>.<ext>.
func NewLocalExporter(outputDir string, client *http.Client) (*Exporter, error) {
	return NewExporter(HTTPFetcher{Client: client}, LocalFileEmitter{OutputDir: outputDir})
}

func (e *Exporter) Export(ctx context.Context, req Request) (Output, error) {
	if strings.TrimSpace(req.RemovalID) == "" {
		return Output{}, errors.New("removal_id is required")
	}
	if strings.TrimSpace(req.OutputURL) == "" {
		return Output{}, errors.New("output_url is required")
	}

	source, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return Output{}, fmt.Errorf("fetch stage: %w", err)
	}

	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	default:
	}

	data, format, width, height, err := e.transformer.Transform(ctx, source, req.Options)
	if err != nil {
		return Output{}, fmt.Errorf("transform stage: %w", err)
	}

	out, err := e.emitter.Emit(ctx, req, data, format, width, height)
	if err != nil {
		return Output{}, fmt.Errorf("emit stage: %w", err)
	}
	out.SourceBytes = len(source)
	return out, nil
}

// HTTPFetcher downloads the service's output image.
type HTTPFetcher struct {
	Client   *http.Client
	MaxBytes int64
}

func (f HTTPFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	maxBytes := f.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.OutputURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build output request: %w", err)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("download output: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download output: %s returned status=%d", req.OutputURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("output exceeds %d bytes", maxBytes)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if err := os.MkdirAll(e.OutputDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	format = normalizeOutputFormat(format)
	fullPath := filepath.Join(e.OutputDir, sanitizePathToken(req.RemovalID)+"."+extensionForFormat(format))
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return Output{
		Format: format,
		Path:   fullPath,
		Bytes:  len(data),
		Width:  width,
		Height: height,
	}, nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
