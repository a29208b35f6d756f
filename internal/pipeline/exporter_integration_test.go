package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/unwatermark/internal/domain"
)

func TestLocalExporter_DownloadConvertWrite(t *testing.T) {
	srcBytes := buildTestPNG(t, 240, 120)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/out.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(srcBytes)
	}))
	defer srv.Close()

	outputDir := filepath.Join(t.TempDir(), "out")
	exporter, err := NewLocalExporter(outputDir, srv.Client())
	if err != nil {
		t.Fatalf("new local exporter: %v", err)
	}

	out, err := exporter.Export(context.Background(), Request{
		RemovalID: "photo",
		OutputURL: srv.URL + "/out.png",
		Options:   domain.ExportOptions{Format: "jpeg", Width: 80, Quality: 75},
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	if out.Format != "jpeg" {
		t.Fatalf("expected jpeg output format, got %s", out.Format)
	}
	if out.Path != filepath.Join(outputDir, "photo.jpg") {
		t.Fatalf("unexpected output path %s", out.Path)
	}
	if out.SourceBytes != len(srcBytes) {
		t.Fatalf("expected source bytes %d, got %d", len(srcBytes), out.SourceBytes)
	}
	if out.Width != 80 || out.Height != 40 {
		t.Fatalf("expected 80x40, got %dx%d", out.Width, out.Height)
	}
	verifyImageWidth(t, out.Path, 80)
}

func TestLocalExporter_PassthroughKeepsBytes(t *testing.T) {
	srcBytes := buildTestPNG(t, 64, 32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(srcBytes)
	}))
	defer srv.Close()

	exporter, err := NewLocalExporter(t.TempDir(), srv.Client())
	if err != nil {
		t.Fatalf("new local exporter: %v", err)
	}

	out, err := exporter.Export(context.Background(), Request{RemovalID: "rm/1", OutputURL: srv.URL})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if filepath.Base(out.Path) != "rm_1.png" {
		t.Fatalf("expected sanitized file name, got %s", out.Path)
	}

	written, err := os.ReadFile(out.Path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(written, srcBytes) {
		t.Fatal("expected passthrough export to keep the downloaded bytes")
	}
}

func TestExporter_FetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	exporter, err := NewLocalExporter(t.TempDir(), srv.Client())
	if err != nil {
		t.Fatalf("new local exporter: %v", err)
	}
	if _, err := exporter.Export(context.Background(), Request{RemovalID: "rm", OutputURL: srv.URL}); err == nil {
		t.Fatal("expected fetch error")
	}
	if _, err := exporter.Export(context.Background(), Request{RemovalID: "rm"}); err == nil {
		t.Fatal("expected error for missing output url")
	}
}

type captureWriter struct {
	key         string
	data        []byte
	contentType string
}

func (w *captureWriter) WriteObject(_ context.Context, key string, data []byte, contentType string) error {
	w.key, w.data, w.contentType = key, data, contentType
	return nil
}

func TestObjectStoreEmitter_WritesResultKey(t *testing.T) {
	w := &captureWriter{}
	emitter := ObjectStoreEmitter{Storage: w}

	out, err := emitter.Emit(context.Background(), Request{RemovalID: "rm-9"}, []byte("jpeg-bytes"), "jpg", 10, 5)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if w.key != "outputs/rm-9/result.jpg" || out.Path != w.key {
		t.Fatalf("unexpected object key %s", w.key)
	}
	if w.contentType != "image/jpeg" {
		t.Fatalf("unexpected content type %s", w.contentType)
	}
	if ResultKey("exports", "rm-9", "webp") != "exports/rm-9/result.webp" {
		t.Fatalf("unexpected result key %s", ResultKey("exports", "rm-9", "webp"))
	}
}

func buildTestPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

func verifyImageWidth(t *testing.T, path string, want int) {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open image %s: %v", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		t.Fatalf("decode image %s: %v", path, err)
	}
	if got := img.Bounds().Dx(); got != want {
		t.Fatalf("expected width %d, got %d", want, got)
	}
}
