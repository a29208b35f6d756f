package unwatermark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
)

const invalidInputMessage = "input must be a file path, a URL, or raw bytes"

type inputKind int

const (
	inputNone inputKind = iota
	inputPath
	inputURL
	inputBytes
)

// ImageInput references the image to clean: a local path, a remote URL, or
// raw bytes. The zero value is invalid.
type ImageInput struct {
	kind inputKind
	ref  string
	data []byte
}

// FromPath references a local file.
func FromPath(path string) ImageInput {
	return ImageInput{kind: inputPath, ref: path}
}

// FromURL references a remote http(s) image.
func FromURL(rawURL string) ImageInput {
	return ImageInput{kind: inputURL, ref: rawURL}
}

// FromBytes wraps an in-memory image. The buffer is uploaded as is.
func FromBytes(data []byte) ImageInput {
	return ImageInput{kind: inputBytes, data: data}
}

// ParseInput classifies s: strings starting with http:// or https:// are URLs,
// everything else is treated as a local path.
func ParseInput(s string) ImageInput {
	if hasHTTPScheme(s) {
		return FromURL(s)
	}
	return FromPath(s)
}

func (in ImageInput) String() string {
	switch in.kind {
	case inputBytes:
		return "bytes(" + strconv.Itoa(len(in.data)) + ")"
	case inputPath, inputURL:
		return in.ref
	default:
		return "<none>"
	}
}

func hasHTTPScheme(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// normalize resolves in into the payload bytes. It performs at most one
// network fetch (URL inputs) or one file read (path inputs).
func (s *session) normalize(ctx context.Context, in ImageInput) ([]byte, error) {
	switch in.kind {
	case inputBytes:
		return in.data, nil
	case inputURL:
		if !hasHTTPScheme(in.ref) {
			return nil, invalidInput(invalidInputMessage, nil)
		}
		if _, err := url.ParseRequestURI(in.ref); err != nil {
			return nil, invalidInput(invalidInputMessage, err)
		}
		return s.fetchInput(ctx, in.ref)
	case inputPath:
		return s.readInput(in.ref)
	default:
		return nil, invalidInput(invalidInputMessage, nil)
	}
}

func (s *session) readInput(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, invalidInput(invalidInputMessage, nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, invalidInput(invalidInputMessage, err)
		}
		return nil, wrapKind(KindInputFetch, "", fmt.Errorf("stat input file %s: %w", path, err))
	}
	if !info.Mode().IsRegular() {
		return nil, invalidInput(invalidInputMessage, fmt.Errorf("%s is not a regular file", path))
	}
	if s.maxInputBytes > 0 && info.Size() > s.maxInputBytes {
		return nil, wrapKind(KindInputFetch, "", fmt.Errorf("input file %s is %d bytes, limit is %d", path, info.Size(), s.maxInputBytes))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapKind(KindInputFetch, "", fmt.Errorf("read input file %s: %w", path, err))
	}
	return data, nil
}

func (s *session) fetchInput(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, invalidInput(invalidInputMessage, err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, wrapKind(KindInputFetch, "", fmt.Errorf("fetch input: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, wrapKind(KindInputFetch, "", &statusError{URL: rawURL, StatusCode: resp.StatusCode})
	}

	var body io.Reader = resp.Body
	if s.maxInputBytes > 0 {
		body = io.LimitReader(resp.Body, s.maxInputBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, wrapKind(KindInputFetch, "", fmt.Errorf("read input body: %w", err))
	}
	if s.maxInputBytes > 0 && int64(len(data)) > s.maxInputBytes {
		return nil, wrapKind(KindInputFetch, "", fmt.Errorf("input at %s exceeds %d bytes", rawURL, s.maxInputBytes))
	}
	return data, nil
}
