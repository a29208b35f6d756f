package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/unwatermark/internal/config"
	"github.com/dunamismax/unwatermark/internal/domain"
	"github.com/dunamismax/unwatermark/internal/logging"
	"github.com/dunamismax/unwatermark/internal/pipeline"
	"github.com/dunamismax/unwatermark/internal/queue"
	"github.com/dunamismax/unwatermark/internal/storage"
	"github.com/dunamismax/unwatermark/internal/store"
	"github.com/dunamismax/unwatermark/internal/unwatermark"
	"github.com/dunamismax/unwatermark/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Server struct {
	logger        *zap.Logger
	server        *asynq.Server
	sem           chan struct{}
	remover       remover
	sources       objectReader
	exporter      resultExporter
	webhookClient webhookSender
	removalStore  store.RemovalStore
	usageStore    store.UsageStore
	metrics       *metrics
	tracer        trace.Tracer
	maxInputBytes int64
}

type remover interface {
	RemoveWatermarkAsync(ctx context.Context, in unwatermark.ImageInput, opts ...unwatermark.Option) <-chan unwatermark.Outcome
}

type objectReader interface {
	ReadObject(ctx context.Context, objectKey string, limit int64) ([]byte, error)
}

type resultExporter interface {
	Export(ctx context.Context, req pipeline.Request) (pipeline.Output, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Deps are the collaborators of a worker. Storage, Webhooks, Usage and Cache
// are optional.
type Deps struct {
	Storage  *storage.Client
	Webhooks *webhook.Client
	Removals store.RemovalStore
	Usage    store.UsageStore
	Cache    unwatermark.ResultCache
}

func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	remoteCfg config.RemoteConfig,
	deps Deps,
) (*Server, error) {
	if deps.Removals == nil {
		return nil, fmt.Errorf("removal store is required")
	}

	m := newMetrics()

	clientCfg := remoteCfg.ClientConfig()
	clientCfg.Logger = logger
	clientCfg.Metrics = unwatermark.NewMetrics(m.registry)
	clientCfg.Cache = deps.Cache
	client, err := unwatermark.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize unwatermark client: %w", err)
	}

	s := &Server{
		logger:        logger,
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		remover:       client,
		removalStore:  deps.Removals,
		usageStore:    deps.Usage,
		metrics:       m,
		tracer:        otel.Tracer("unwatermark/worker"),
		maxInputBytes: remoteCfg.MaxInputBytes,
	}

	if deps.Storage != nil {
		s.sources = deps.Storage
		s.exporter, err = pipeline.NewObjectStoreExporter(deps.Storage, "outputs", nil)
	} else {
		s.exporter, err = pipeline.NewLocalExporter(workerCfg.LocalOutputDir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize result exporter: %w", err)
	}

	if deps.Webhooks != nil {
		s.webhookClient = deps.Webhooks
	}
	if s.usageStore == nil {
		if usage, ok := deps.Removals.(store.UsageStore); ok {
			s.usageStore = usage
		}
	}

	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:   logger.Named("asynq").Sugar(),
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("task failed",
					zap.String("type", task.Type()),
					zap.Int("retry", retried),
					zap.Int("max_retry", maxRetry),
					zap.Error(err),
				)
			}),
		},
	)
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRemoveWatermark, s.handleRemoveWatermark)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRemoveWatermark(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.RemovalStatusFailed

	payload, err := queue.ParseRemoveWatermarkPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	logger := logging.WithOperation(s.logger, "worker.remove_watermark", payload.RemovalID)

	// A retry may arrive after the removal already finished, e.g. when only
	// the completion webhook failed. Terminal records are never run again.
	if current, ok, err := s.removalStore.Get(ctx, payload.RemovalID); err != nil {
		logger.Warn("removal lookup failed", zap.Error(err))
	} else if ok && current.Terminal() {
		return s.redeliver(ctx, logger, payload, current)
	}

	ctx, span := s.tracer.Start(ctx, "worker.remove_watermark", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("removal.id", payload.RemovalID),
		attribute.String("removal.source_type", payload.SourceType),
	)
	defer span.End()
	defer func() {
		s.metrics.removalDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.removalsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeRemovals.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeRemovals.Dec()
	}()

	logger.Info("removing watermark",
		zap.String("source_type", payload.SourceType),
		zap.String("source_url", payload.SourceURL),
		zap.String("object_key", payload.ObjectKey),
	)

	input, err := s.loadInput(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load input failed")
		return s.fail(ctx, logger, payload, "", logging.OperationError("load input", payload.RemovalID, err), !errors.Is(err, errMissingSource))
	}

	hook := func(ctx context.Context, state unwatermark.State, jobID string) {
		status := statusForState(state)
		if status == "" {
			return
		}
		s.updateRemoval(ctx, logger, payload.RemovalID, func(r *domain.Removal) {
			r.Status = status
			if jobID != "" {
				r.RemoteJobID = jobID
			}
		})
	}

	res := <-s.remover.RemoveWatermarkAsync(ctx, input, unwatermark.WithStateHook(hook))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, unwatermark.KindOf(res.Err).String())
		if unwatermark.KindOf(res.Err) == unwatermark.KindTimeout {
			outcome = domain.RemovalStatusTimedOut
		}
		return s.fail(ctx, logger, payload, outcome, res.Err, retryable(res.Err))
	}

	out, err := s.exporter.Export(ctx, pipeline.Request{
		RemovalID: payload.RemovalID,
		OutputURL: res.Result.OutputImageURL(),
		Options:   payload.Export,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "export failed")
		s.updateRemoval(ctx, logger, payload.RemovalID, func(r *domain.Removal) {
			r.OutputURL = res.Result.OutputImageURL()
		})
		return s.fail(ctx, logger, payload, "", logging.OperationError("export result", payload.RemovalID, err), true)
	}

	s.updateRemoval(ctx, logger, payload.RemovalID, func(r *domain.Removal) {
		r.Status = domain.RemovalStatusSucceeded
		r.RemoteJobID = res.Result.JobID()
		r.OutputURL = res.Result.OutputImageURL()
		r.ResultKey = out.Path
		r.Polls = res.Result.Polls
		r.Error = ""
	})
	s.recordUsage(ctx, logger, payload, res.Result, out, time.Since(startedAt))

	logger.Info("watermark removed",
		zap.String("job_id", res.Result.JobID()),
		zap.String("result_key", out.Path),
		zap.Int("polls", res.Result.Polls),
		zap.Bool("cached", res.Result.Cached),
	)

	if err := s.dispatchWebhook(ctx, logger, payload, webhook.EventRemovalCompleted,
		completedEvent(payload, res.Result.JobID(), res.Result.OutputImageURL(), out.Path, out.Format, time.Now().UTC()),
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.RemovalStatusSucceeded
	span.SetStatus(codes.Ok, "removed")
	return nil
}

// redeliver handles a task for a removal that is already terminal. Only the
// completion webhook is sent again; failures were reported when they
// became final.
func (s *Server) redeliver(ctx context.Context, logger *zap.Logger, payload queue.RemoveWatermarkPayload, removal domain.Removal) error {
	logger.Info("removal already terminal, skipping", zap.String("status", removal.Status))
	if removal.Status != domain.RemovalStatusSucceeded {
		return nil
	}
	return s.dispatchWebhook(ctx, logger, payload, webhook.EventRemovalCompleted,
		completedEvent(payload, removal.RemoteJobID, removal.OutputURL, removal.ResultKey, pipeline.FormatOfKey(removal.ResultKey), removal.UpdatedAt),
	)
}

func completedEvent(payload queue.RemoveWatermarkPayload, jobID, outputURL, resultKey, format string, completedAt time.Time) map[string]any {
	return map[string]any{
		"removal_id":       payload.RemovalID,
		"status":           domain.RemovalStatusSucceeded,
		"job_id":           jobID,
		"output_image_url": outputURL,
		"result_key":       resultKey,
		"format":           format,
		"requested_at":     payload.RequestedAt,
		"completed_at":     completedAt,
	}
}

var errMissingSource = errors.New("source is unavailable")

func (s *Server) loadInput(ctx context.Context, payload queue.RemoveWatermarkPayload) (unwatermark.ImageInput, error) {
	switch payload.SourceType {
	case domain.SourceTypeURL:
		if strings.TrimSpace(payload.SourceURL) == "" {
			return unwatermark.ImageInput{}, fmt.Errorf("%w: source_url is empty", errMissingSource)
		}
		return unwatermark.FromURL(payload.SourceURL), nil
	case domain.SourceTypeObject:
		if s.sources == nil {
			return unwatermark.ImageInput{}, fmt.Errorf("%w: object storage is not configured", errMissingSource)
		}
		data, err := s.sources.ReadObject(ctx, payload.ObjectKey, s.maxInputBytes)
		if errors.Is(err, storage.ErrObjectNotFound) {
			return unwatermark.ImageInput{}, fmt.Errorf("%w: %w", errMissingSource, err)
		}
		if err != nil {
			return unwatermark.ImageInput{}, err
		}
		return unwatermark.FromBytes(data), nil
	default:
		return unwatermark.ImageInput{}, fmt.Errorf("%w: unsupported source_type %q", errMissingSource, payload.SourceType)
	}
}

// fail records a failed attempt. Only the final attempt marks the removal
// terminal and notifies the webhook; earlier ones put it back to queued.
func (s *Server) fail(ctx context.Context, logger *zap.Logger, payload queue.RemoveWatermarkPayload, status string, cause error, retry bool) error {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	final := !retry || retried >= maxRetry

	if status == "" {
		status = domain.RemovalStatusFailed
	}
	if !final {
		status = domain.RemovalStatusQueued
	}

	var e *unwatermark.Error
	jobID := ""
	if errors.As(cause, &e) {
		jobID = e.JobID
	}

	s.updateRemoval(ctx, logger, payload.RemovalID, func(r *domain.Removal) {
		r.Status = status
		r.Error = cause.Error()
		if jobID != "" {
			r.RemoteJobID = jobID
		}
	})
	logger.Warn("watermark removal failed",
		zap.String("kind", unwatermark.KindOf(cause).String()),
		zap.Bool("final", final),
		zap.Int("retry", retried),
		zap.Error(cause),
	)

	if final {
		_ = s.dispatchWebhook(ctx, logger, payload, webhook.EventRemovalFailed, map[string]any{
			"removal_id":   payload.RemovalID,
			"status":       status,
			"job_id":       jobID,
			"error":        cause.Error(),
			"error_kind":   unwatermark.KindOf(cause).String(),
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
		})
	}

	if !retry {
		return fmt.Errorf("%w: %w", cause, asynq.SkipRetry)
	}
	return cause
}

// retryable reports whether the queue should run the removal again. Bad
// input and errors reported by the service itself will not change on retry.
func retryable(err error) bool {
	switch unwatermark.KindOf(err) {
	case unwatermark.KindInvalidInput, unwatermark.KindAPI:
		return false
	default:
		return true
	}
}

func statusForState(state unwatermark.State) string {
	switch state {
	case unwatermark.StateSubmitting:
		return domain.RemovalStatusSubmitting
	case unwatermark.StatePolling:
		return domain.RemovalStatusPolling
	default:
		return ""
	}
}

func (s *Server) updateRemoval(ctx context.Context, logger *zap.Logger, id string, fn func(*domain.Removal)) {
	if _, err := s.removalStore.Update(ctx, id, fn); err != nil {
		logger.Warn("removal update failed", zap.Error(err))
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, logger *zap.Logger, payload queue.RemoveWatermarkPayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		logger.Warn("webhook delivery failed", zap.String("event", event), zap.Error(err))
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}

func (s *Server) recordUsage(ctx context.Context, logger *zap.Logger, payload queue.RemoveWatermarkPayload, res *unwatermark.WatermarkResult, out pipeline.Output, computeDuration time.Duration) {
	s.metrics.polls.Observe(float64(res.Polls))
	if s.usageStore == nil {
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		userID = "anonymous"
	}

	computeTimeMS := max(1, computeDuration.Milliseconds())

	usage := domain.UsageLog{
		UserID:        userID,
		RemovalID:     payload.RemovalID,
		InputBytes:    int64(res.InputBytes),
		OutputBytes:   int64(out.Bytes),
		Polls:         res.Polls,
		Cached:        res.Cached,
		ComputeTimeMS: computeTimeMS,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		logger.Warn("usage log write failed", zap.Error(err))
		return
	}

	s.metrics.inputBytesTotal.Add(float64(usage.InputBytes))
	s.metrics.outputBytesTotal.Add(float64(usage.OutputBytes))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
