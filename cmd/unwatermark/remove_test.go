package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	img.Set(0, 0, color.RGBA{B: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// startService serves the create/poll endpoints and the cleaned image, and
// points the CLI at it through the environment.
func startService(t *testing.T) *atomic.Int32 {
	t.Helper()
	cleaned := pngBytes(t)
	var submissions atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /create-job", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		n := submissions.Add(1)
		fmt.Fprintf(w, `{"code":0,"result":{"job_id":"job-%d"}}`, n)
	})
	mux.HandleFunc("GET /get-job/{job_id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"code":0,"result":{"job_id":%q,"output_image_url":"http://%s/out/%s.png"}}`,
			r.PathValue("job_id"), r.Host, r.PathValue("job_id"))
	})
	mux.HandleFunc("GET /out/{name}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(cleaned)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	t.Setenv("UNWATERMARK_CREATE_JOB_URL", srv.URL+"/create-job")
	t.Setenv("UNWATERMARK_JOB_STATUS_URL", srv.URL+"/get-job/{job_id}")
	t.Setenv("UNWATERMARK_POLL_INTERVAL", "10ms")
	return &submissions
}

func writeImage(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, pngBytes(t), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return p
}

func execute(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRemoveSingleInputPrintsOutputURL(t *testing.T) {
	submissions := startService(t)
	input := writeImage(t, t.TempDir(), "photo.png")

	stdout, stderr, err := execute("remove", input)
	if err != nil {
		t.Fatalf("remove: %v (stderr %q)", err, stderr)
	}
	if !strings.HasPrefix(stdout, input+" -> http://") || !strings.HasSuffix(strings.TrimSpace(stdout), "/out/job-1.png") {
		t.Fatalf("unexpected output %q", stdout)
	}
	if submissions.Load() != 1 {
		t.Fatalf("expected one submission, got %d", submissions.Load())
	}
}

func TestRemoveBatchReportsFailuresAsJSON(t *testing.T) {
	startService(t)
	dir := t.TempDir()
	good := writeImage(t, dir, "a.png")
	missing := filepath.Join(dir, "missing.png")

	stdout, _, err := execute("remove", good, missing, "--json", "--concurrency", "2")
	if !errors.Is(err, errRemovalsFailed) {
		t.Fatalf("expected errRemovalsFailed, got %v", err)
	}

	var records []removeRecord
	if err := json.Unmarshal([]byte(stdout), &records); err != nil {
		t.Fatalf("decode output %q: %v", stdout, err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two records, got %d", len(records))
	}
	if records[0].Input != good || records[0].OutputURL == "" || records[0].Error != "" {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[1].Input != missing || records[1].ErrorKind != "invalid_input" {
		t.Fatalf("unexpected second record: %+v", records[1])
	}
}

func TestRemoveSavesResultsToOutputDir(t *testing.T) {
	startService(t)
	input := writeImage(t, t.TempDir(), "holiday.png")
	outDir := t.TempDir()

	stdout, stderr, err := execute("remove", input, "--output-dir", outDir, "--format", "jpeg")
	if err != nil {
		t.Fatalf("remove: %v (stderr %q)", err, stderr)
	}

	want := filepath.Join(outDir, "holiday.jpg")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected %s to exist: %v", want, err)
	}
	if !strings.Contains(stdout, "(saved "+want+")") {
		t.Fatalf("expected saved path in output, got %q", stdout)
	}
}

func TestRemoveRejectsUnsupportedFormat(t *testing.T) {
	startService(t)
	_, _, err := execute("remove", "photo.png", "--format", "gif")
	if err == nil || errors.Is(err, errRemovalsFailed) {
		t.Fatalf("expected a usage error, got %v", err)
	}
}

func TestOutputNames(t *testing.T) {
	got := outputNames([]string{
		"/tmp/a.png",
		"https://example.com/images/b.jpeg?x=1",
		"other/a.jpg",
		"https://example.com/",
	})
	want := []string{"a", "b", "a-3", "image"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outputNames[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
