package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	RemovalStatusCreated    = "created"
	RemovalStatusQueued     = "queued"
	RemovalStatusSubmitting = "submitting"
	RemovalStatusPolling    = "polling"
	RemovalStatusSucceeded  = "succeeded"
	RemovalStatusFailed     = "failed"
	RemovalStatusTimedOut   = "timed_out"

	SourceTypeURL    = "url"
	SourceTypeObject = "object"
)

type CreateRemovalRequest struct {
	ImageURL   string         `json:"image_url,omitempty"`
	WebhookURL string         `json:"webhook_url,omitempty"`
	Export     *ExportOptions `json:"export,omitempty"`

	// ObjectKey is set by the API for multipart uploads.
	ObjectKey string `json:"-"`
}

// ExportOptions control how the cleaned image is stored once the remote job
// finishes. The zero value keeps the service's format and size.
type ExportOptions struct {
	Format  string `json:"format,omitempty"`
	Width   int    `json:"width,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

type Removal struct {
	ID          string
	UserID      string
	Status      string
	SourceType  string
	SourceURL   string
	ObjectKey   string
	RemoteJobID string
	OutputURL   string
	ResultKey   string
	Error       string
	WebhookURL  string
	Export      ExportOptions
	Polls       int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether the removal will not change status again.
func (r Removal) Terminal() bool {
	switch r.Status {
	case RemovalStatusSucceeded, RemovalStatusFailed, RemovalStatusTimedOut:
		return true
	default:
		return false
	}
}

func (r CreateRemovalRequest) SourceType() string {
	if strings.TrimSpace(r.ObjectKey) != "" {
		return SourceTypeObject
	}
	return SourceTypeURL
}

func (r CreateRemovalRequest) Validate() error {
	imageURL := strings.TrimSpace(r.ImageURL)
	objectKey := strings.TrimSpace(r.ObjectKey)

	switch {
	case imageURL == "" && objectKey == "":
		return errors.New("image_url or an uploaded image is required")
	case imageURL != "" && objectKey != "":
		return errors.New("image_url and an uploaded image are mutually exclusive")
	case imageURL != "":
		if err := validateHTTPURL(imageURL); err != nil {
			return fmt.Errorf("image_url: %w", err)
		}
	}

	if webhookURL := strings.TrimSpace(r.WebhookURL); webhookURL != "" {
		if err := validateHTTPURL(webhookURL); err != nil {
			return fmt.Errorf("webhook_url: %w", err)
		}
	}

	if r.Export != nil {
		if err := r.Export.Validate(); err != nil {
			return fmt.Errorf("export: %w", err)
		}
	}
	return nil
}

func (o ExportOptions) Validate() error {
	switch strings.ToLower(strings.TrimSpace(o.Format)) {
	case "", "png", "jpeg", "jpg", "webp":
	default:
		return fmt.Errorf("unsupported format: %s", o.Format)
	}
	if o.Width < 0 {
		return errors.New("width must not be negative")
	}
	if o.Quality < 0 || o.Quality > 100 {
		return errors.New("quality must be between 0 and 100")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
