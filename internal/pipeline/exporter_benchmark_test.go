package pipeline

import (
	"context"
	"testing"

	"github.com/dunamismax/unwatermark/internal/domain"
)

type staticFetcher struct {
	data []byte
}

func (f staticFetcher) Fetch(context.Context, Request) ([]byte, error) {
	return f.data, nil
}

type discardEmitter struct{}

func (discardEmitter) Emit(_ context.Context, _ Request, data []byte, format string, width, height int) (Output, error) {
	return Output{Format: format, Bytes: len(data), Width: width, Height: height}, nil
}

func BenchmarkExporterResize(b *testing.B) {
	exporter, err := NewExporter(staticFetcher{data: buildTestPNG(b, 1920, 1080)}, discardEmitter{})
	if err != nil {
		b.Fatalf("new exporter: %v", err)
	}
	req := Request{
		RemovalID: "bench",
		OutputURL: "https://cdn.example.com/out.png",
		Options:   domain.ExportOptions{Format: "jpeg", Width: 640, Quality: 82},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := exporter.Export(context.Background(), req); err != nil {
			b.Fatalf("export: %v", err)
		}
	}
}

func BenchmarkExporterPassthrough(b *testing.B) {
	exporter, err := NewExporter(staticFetcher{data: buildTestPNG(b, 1920, 1080)}, discardEmitter{})
	if err != nil {
		b.Fatalf("new exporter: %v", err)
	}
	req := Request{RemovalID: "bench", OutputURL: "https://cdn.example.com/out.png"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := exporter.Export(context.Background(), req); err != nil {
			b.Fatalf("export: %v", err)
		}
	}
}
