package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/unwatermark/internal/domain"
	"github.com/dunamismax/unwatermark/internal/id"
	"github.com/dunamismax/unwatermark/internal/queue"
	"github.com/dunamismax/unwatermark/internal/store"
	"github.com/dunamismax/unwatermark/internal/unwatermark"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	uploadField       = "image"
	resultPrefix      = "outputs/"
	defaultPresignTTL = 15 * time.Minute
)

type Server struct {
	logger         *zap.Logger
	queueClient    Enqueuer
	removals       store.RemovalStore
	storage        ObjectStorage
	rateLimiter    RateLimiter
	userIDHeader   string
	maxUploadBytes int64
	presignTTL     time.Duration
	metrics        *metrics
	tracer         trace.Tracer
	mux            *http.ServeMux
}

type Enqueuer interface {
	EnqueueRemoveWatermark(ctx context.Context, payload queue.RemoveWatermarkPayload) (*asynq.TaskInfo, error)
}

type ObjectStorage interface {
	PutObject(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) error
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// Options holds the optional collaborators of a Server. A nil Storage
// disables multipart uploads; a nil RateLimiter disables rate limiting.
type Options struct {
	Storage        ObjectStorage
	RateLimiter    RateLimiter
	UserIDHeader   string
	MaxUploadBytes int64
	PresignTTL     time.Duration
	Tracer         trace.Tracer
}

func NewServer(logger *zap.Logger, queueClient Enqueuer, removals store.RemovalStore, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = defaultPresignTTL
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = unwatermark.DefaultMaxInputBytes
	}
	if strings.TrimSpace(opts.UserIDHeader) == "" {
		opts.UserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:         logger,
		queueClient:    queueClient,
		removals:       removals,
		storage:        opts.Storage,
		rateLimiter:    opts.RateLimiter,
		userIDHeader:   opts.UserIDHeader,
		maxUploadBytes: opts.MaxUploadBytes,
		presignTTL:     opts.PresignTTL,
		metrics:        newMetrics(),
		tracer:         opts.Tracer,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/removals", s.handleCreateRemoval)
	s.mux.HandleFunc("GET /v1/removals/{id}", s.handleGetRemoval)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRemoval(w http.ResponseWriter, r *http.Request) {
	removalID := id.New()
	userID := s.userID(r)

	var (
		req domain.CreateRemovalRequest
		err error
	)
	if isMultipart(r) {
		req, err = s.acceptUpload(w, r, removalID)
	} else {
		err = decodeJSON(r, &req)
		if err == nil {
			err = req.Validate()
		}
	}
	if err != nil {
		var httpErr *requestError
		if errors.As(err, &httpErr) {
			writeJSON(w, httpErr.status, map[string]string{"error": httpErr.msg})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	removal := domain.Removal{
		ID:         removalID,
		UserID:     userID,
		Status:     domain.RemovalStatusCreated,
		SourceType: req.SourceType(),
		SourceURL:  strings.TrimSpace(req.ImageURL),
		ObjectKey:  req.ObjectKey,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Export != nil {
		removal.Export = *req.Export
	}

	logger := s.logger.With(zap.String("removal_id", removal.ID), zap.String("source_type", removal.SourceType))

	if err := s.removals.Create(r.Context(), removal); err != nil {
		logger.Error("create removal failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create removal"})
		return
	}

	taskInfo, err := s.queueClient.EnqueueRemoveWatermark(r.Context(), queue.RemoveWatermarkPayload{
		RemovalID:   removal.ID,
		UserID:      removal.UserID,
		SourceType:  removal.SourceType,
		SourceURL:   removal.SourceURL,
		ObjectKey:   removal.ObjectKey,
		WebhookURL:  removal.WebhookURL,
		Export:      removal.Export,
		RequestedAt: now,
	})
	if err != nil {
		logger.Error("enqueue failed", zap.Error(err))
		if _, updateErr := s.removals.Update(r.Context(), removal.ID, func(rm *domain.Removal) {
			rm.Status = domain.RemovalStatusFailed
			rm.Error = "enqueue failed"
		}); updateErr != nil {
			logger.Warn("mark removal failed", zap.Error(updateErr))
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue removal"})
		return
	}
	s.metrics.removalsQueued.WithLabelValues(taskInfo.Queue, removal.SourceType).Inc()

	if _, err := s.removals.Update(r.Context(), removal.ID, func(rm *domain.Removal) {
		// The worker may already have moved past queued.
		if rm.Status == domain.RemovalStatusCreated {
			rm.Status = domain.RemovalStatusQueued
		}
	}); err != nil {
		logger.Warn("update status failed", zap.Error(err))
	}

	logger.Info("removal queued", zap.String("queue", taskInfo.Queue), zap.String("task_id", taskInfo.ID))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"removal_id":  removal.ID,
		"status":      domain.RemovalStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
		"status_url":  "/v1/removals/" + removal.ID,
	})
}

type removalResponse struct {
	ID          string                `json:"removal_id"`
	Status      string                `json:"status"`
	SourceType  string                `json:"source_type"`
	SourceURL   string                `json:"source_url,omitempty"`
	RemoteJobID string                `json:"job_id,omitempty"`
	OutputURL   string                `json:"output_image_url,omitempty"`
	ResultKey   string                `json:"result_key,omitempty"`
	ResultURL   string                `json:"result_url,omitempty"`
	Error       string                `json:"error,omitempty"`
	Polls       int                   `json:"polls"`
	Export      *domain.ExportOptions `json:"export,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func (s *Server) handleGetRemoval(w http.ResponseWriter, r *http.Request) {
	removalID := strings.TrimSpace(r.PathValue("id"))
	if removalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "removal id is required"})
		return
	}

	removal, ok, err := s.removals.Get(r.Context(), removalID)
	if err != nil {
		s.logger.Error("load removal failed", zap.String("removal_id", removalID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load removal"})
		return
	}
	// Removals owned by another user are reported as missing.
	userID := s.userID(r)
	if !ok || (removal.UserID != "" && userID != "" && removal.UserID != userID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "removal not found"})
		return
	}

	resp := removalResponse{
		ID:          removal.ID,
		Status:      removal.Status,
		SourceType:  removal.SourceType,
		SourceURL:   removal.SourceURL,
		RemoteJobID: removal.RemoteJobID,
		OutputURL:   removal.OutputURL,
		ResultKey:   removal.ResultKey,
		Error:       removal.Error,
		Polls:       removal.Polls,
		CreatedAt:   removal.CreatedAt,
		UpdatedAt:   removal.UpdatedAt,
	}
	if removal.Export != (domain.ExportOptions{}) {
		export := removal.Export
		resp.Export = &export
	}
	if s.storage != nil && strings.HasPrefix(removal.ResultKey, resultPrefix) {
		url, err := s.storage.PresignedGetURL(r.Context(), removal.ResultKey, s.presignTTL)
		if err != nil {
			s.logger.Warn("presign result failed", zap.String("removal_id", removal.ID), zap.Error(err))
		} else {
			resp.ResultURL = url
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// acceptUpload reads a multipart request, stores the image under
// uploads/<id>/source and returns the request it describes.
func (s *Server) acceptUpload(w http.ResponseWriter, r *http.Request, removalID string) (domain.CreateRemovalRequest, error) {
	var req domain.CreateRemovalRequest
	if s.storage == nil {
		return req, &requestError{status: http.StatusServiceUnavailable, msg: "image uploads are unavailable"}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, &requestError{status: http.StatusRequestEntityTooLarge, msg: "upload is too large"}
		}
		return req, fmt.Errorf("invalid multipart body: %w", err)
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		return req, fmt.Errorf("multipart field %q is required", uploadField)
	}
	defer file.Close()
	if header.Size <= 0 {
		return req, errors.New("uploaded image is empty")
	}
	if header.Size > s.maxUploadBytes {
		return req, &requestError{status: http.StatusRequestEntityTooLarge, msg: "upload is too large"}
	}

	req.ObjectKey = fmt.Sprintf("uploads/%s/source", removalID)
	req.ImageURL = r.FormValue("image_url")
	req.WebhookURL = r.FormValue("webhook_url")
	export, err := exportFromForm(r)
	if err != nil {
		return req, err
	}
	req.Export = export
	if err := req.Validate(); err != nil {
		return req, err
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.storage.PutObject(r.Context(), req.ObjectKey, file, header.Size, contentType); err != nil {
		s.logger.Error("store upload failed", zap.String("removal_id", removalID), zap.Error(err))
		return req, &requestError{status: http.StatusInternalServerError, msg: "failed to store upload"}
	}
	s.metrics.uploadedBytes.Add(float64(header.Size))
	return req, nil
}

func exportFromForm(r *http.Request) (*domain.ExportOptions, error) {
	format := strings.TrimSpace(r.FormValue("format"))
	width := strings.TrimSpace(r.FormValue("width"))
	quality := strings.TrimSpace(r.FormValue("quality"))
	if format == "" && width == "" && quality == "" {
		return nil, nil
	}

	opts := &domain.ExportOptions{Format: format}
	var err error
	if width != "" {
		if opts.Width, err = strconv.Atoi(width); err != nil {
			return nil, fmt.Errorf("width must be an integer")
		}
	}
	if quality != "" {
		if opts.Quality, err = strconv.Atoi(quality); err != nil {
			return nil, fmt.Errorf("quality must be an integer")
		}
	}
	return opts, nil
}

type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string {
	return e.msg
}

// userID identifies the caller. Authentication happens upstream of this
// service; the header is trusted as is.
func (s *Server) userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(s.userIDHeader))
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
