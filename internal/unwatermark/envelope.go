package unwatermark

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Message is the localized message text of an envelope, keyed by language.
// The service sends either a plain string or an object such as
// {"en": "...", "zh": "..."}.
type Message map[string]string

// English returns the English variant, falling back to the variant with the
// smallest language key.
func (m Message) English() string {
	if v, ok := m["en"]; ok {
		return v
	}
	langs := make([]string, 0, len(m))
	for lang := range m {
		langs = append(langs, lang)
	}
	if len(langs) == 0 {
		return ""
	}
	sort.Strings(langs)
	return m[langs[0]]
}

func (m *Message) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = Message{"en": s}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	// Non-text entries (flags, nested details) are not translations.
	variants := make(Message, len(raw))
	for lang, value := range raw {
		var text string
		if err := json.Unmarshal(value, &text); err == nil {
			variants[lang] = text
		}
	}
	*m = variants
	return nil
}

// JobResult is the nested result object of an envelope.
type JobResult struct {
	JobID          string `json:"job_id"`
	OutputImageURL string `json:"output_image_url,omitempty"`
}

// Envelope is the response wrapper returned by both service endpoints.
type Envelope struct {
	Code    int        `json:"code"`
	Message Message    `json:"message,omitempty"`
	Result  *JobResult `json:"result,omitempty"`
}

func (e *Envelope) ok() bool {
	return e != nil && e.Code == 0
}

func (e *Envelope) jobID() string {
	if e == nil || e.Result == nil {
		return ""
	}
	return e.Result.JobID
}

// outputURL is the completion signal: non-empty only once the job is done.
func (e *Envelope) outputURL() string {
	if e == nil || e.Result == nil {
		return ""
	}
	return e.Result.OutputImageURL
}

// WatermarkResult is the terminal success value of a removal.
type WatermarkResult struct {
	Envelope Envelope `json:"envelope"`
	// InputDigest is the hex SHA-256 of the uploaded payload.
	InputDigest string        `json:"input_digest"`
	InputBytes  int           `json:"input_bytes"`
	Polls       int           `json:"polls"`
	Elapsed     time.Duration `json:"elapsed"`
	Cached      bool          `json:"cached,omitempty"`
}

// JobID returns the remote job identifier.
func (r *WatermarkResult) JobID() string {
	if r == nil {
		return ""
	}
	return r.Envelope.jobID()
}

// OutputImageURL returns the location of the cleaned image.
func (r *WatermarkResult) OutputImageURL() string {
	if r == nil {
		return ""
	}
	return r.Envelope.outputURL()
}

func decodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w (body: %s)", err, truncate(string(body), 200))
	}
	return &env, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
