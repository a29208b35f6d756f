// Package unwatermark is a client for a remote watermark-removal service.
//
// A removal normalizes the caller's image (path, URL or bytes) into a
// payload, uploads it to the job-creation endpoint, then polls the job-status
// endpoint until the job reports an output image URL, a terminal error, or the
// time budget runs out. RemoveWatermark blocks the calling goroutine for the
// whole sequence; RemoveWatermarkAsync and RemoveWatermarkBatch run the same
// protocol on their own goroutines with cancellable waits.
package unwatermark

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultCreateJobURL = "https://api.unwatermark.ai/api/unwatermark/v4/ai-remove-auto/create-job"
	DefaultJobStatusURL = "https://api.unwatermark.ai/api/unwatermark/v4/ai-remove-auto/get-job/" + JobIDPlaceholder

	DefaultTimeout        = 60 * time.Second
	DefaultPollInterval   = 2 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxInputBytes  = 32 << 20
)

// DefaultHeaders is the static identifying header set sent to the service.
func DefaultHeaders() http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Origin", "https://unwatermark.ai")
	h.Set("Referer", "https://unwatermark.ai/")
	h.Set("Product-Serial", "unwatermark-go")
	h.Set("User-Agent", "unwatermark-go/1.0")
	return h
}

// State is a step of the per-removal state machine.
type State string

const (
	StateSubmitting State = "submitting"
	StatePolling    State = "polling"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
)

// StateHook observes state transitions. jobID is empty until submission
// succeeds.
type StateHook func(ctx context.Context, state State, jobID string)

// ResultCache stores finished results keyed by the payload digest.
type ResultCache interface {
	Lookup(ctx context.Context, digest string) (*WatermarkResult, bool, error)
	Store(ctx context.Context, digest string, result *WatermarkResult) error
}

type Config struct {
	CreateJobURL string
	// JobStatusURL must contain JobIDPlaceholder.
	JobStatusURL   string
	Headers        http.Header
	RequestTimeout time.Duration
	Timeout        time.Duration
	PollInterval   time.Duration
	MaxInputBytes  int64
	Logger         *zap.Logger
	Metrics        *Metrics
	Cache          ResultCache
	// NewTransport builds the transport of each per-call session.
	NewTransport func() http.RoundTripper
}

// Client runs removals. It holds configuration only and is safe for
// concurrent use; every call gets its own HTTP session.
type Client struct {
	createJobURL      string
	statusURLTemplate string
	headers           http.Header
	requestTimeout    time.Duration
	timeout           time.Duration
	pollInterval      time.Duration
	maxInputBytes     int64
	logger            *zap.Logger
	metrics           *Metrics
	cache             ResultCache
	newTransport      func() http.RoundTripper
	tracer            trace.Tracer

	now   func() time.Time
	sleep func(time.Duration)
	after func(time.Duration) <-chan time.Time
}

func NewClient(cfg Config) (*Client, error) {
	createJobURL := strings.TrimSpace(cfg.CreateJobURL)
	if createJobURL == "" {
		createJobURL = DefaultCreateJobURL
	}
	statusURL := strings.TrimSpace(cfg.JobStatusURL)
	if statusURL == "" {
		statusURL = DefaultJobStatusURL
	}
	if !strings.Contains(statusURL, JobIDPlaceholder) {
		return nil, fmt.Errorf("job status url %q must contain %s", statusURL, JobIDPlaceholder)
	}

	headers := cfg.Headers
	if headers == nil {
		headers = DefaultHeaders()
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	maxInputBytes := cfg.MaxInputBytes
	if maxInputBytes <= 0 {
		maxInputBytes = DefaultMaxInputBytes
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	newTransport := cfg.NewTransport
	if newTransport == nil {
		newTransport = defaultTransport
	}

	return &Client{
		createJobURL:      createJobURL,
		statusURLTemplate: statusURL,
		headers:           headers.Clone(),
		requestTimeout:    requestTimeout,
		timeout:           timeout,
		pollInterval:      pollInterval,
		maxInputBytes:     maxInputBytes,
		logger:            logger.Named("unwatermark"),
		metrics:           cfg.Metrics,
		cache:             cfg.Cache,
		newTransport:      newTransport,
		tracer:            otel.Tracer("unwatermark/client"),
		now:               time.Now,
		sleep:             time.Sleep,
		after:             time.After,
	}, nil
}

func defaultTransport() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ForceAttemptHTTP2 = true
	return t
}

// Option adjusts a single removal.
type Option func(*removalOptions)

type removalOptions struct {
	timeout      time.Duration
	pollInterval time.Duration
	hook         StateHook
}

// WithTimeout sets the total budget for the job to complete.
func WithTimeout(d time.Duration) Option {
	return func(o *removalOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPollInterval sets the delay between status requests.
func WithPollInterval(d time.Duration) Option {
	return func(o *removalOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithStateHook registers a callback for state transitions.
func WithStateHook(hook StateHook) Option {
	return func(o *removalOptions) {
		o.hook = hook
	}
}

// Outcome is the single value delivered by the asynchronous front-ends.
type Outcome struct {
	Input  ImageInput
	Result *WatermarkResult
	Err    error
}

// RemoveWatermark runs a removal on the calling goroutine, sleeping it
// between polls.
func (c *Client) RemoveWatermark(ctx context.Context, in ImageInput, opts ...Option) (*WatermarkResult, error) {
	return c.run(ctx, in, blockingWaiter{sleep: c.sleep}, opts)
}

// RemoveWatermarkAsync runs a removal on its own goroutine. The waits between
// polls end early when ctx is done. The channel yields exactly one Outcome.
func (c *Client) RemoveWatermarkAsync(ctx context.Context, in ImageInput, opts ...Option) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		res, err := c.run(ctx, in, contextWaiter{after: c.after}, opts)
		out <- Outcome{Input: in, Result: res, Err: err}
	}()
	return out
}

// RemoveWatermarkBatch runs removals with at most concurrency in flight and
// returns outcomes in input order.
func (c *Client) RemoveWatermarkBatch(ctx context.Context, inputs []ImageInput, concurrency int, opts ...Option) []Outcome {
	if concurrency < 1 {
		concurrency = 1
	}

	outcomes := make([]Outcome, len(inputs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = <-c.RemoveWatermarkAsync(ctx, in, opts...)
		}()
	}
	wg.Wait()
	return outcomes
}

// session is the per-call HTTP state. It is never shared between calls.
type session struct {
	http              *http.Client
	createJobURL      string
	statusURLTemplate string
	headers           http.Header
	maxInputBytes     int64
	logger            *zap.Logger
	tracer            trace.Tracer
}

func (c *Client) newSession(logger *zap.Logger) *session {
	return &session{
		http: &http.Client{
			Timeout:   c.requestTimeout,
			Transport: c.newTransport(),
		},
		createJobURL:      c.createJobURL,
		statusURLTemplate: c.statusURLTemplate,
		headers:           c.headers,
		maxInputBytes:     c.maxInputBytes,
		logger:            logger,
		tracer:            c.tracer,
	}
}

func (s *session) close() {
	s.http.CloseIdleConnections()
}

// removal is one run of the submit-and-poll state machine.
type removal struct {
	sess         *session
	wait         waiter
	now          func() time.Time
	logger       *zap.Logger
	hook         StateHook
	timeout      time.Duration
	pollInterval time.Duration
	start        time.Time
	polls        int
}

func (r *removal) transition(ctx context.Context, state State, jobID string) {
	if r.hook != nil {
		r.hook(ctx, state, jobID)
	}
}

func (c *Client) run(ctx context.Context, in ImageInput, w waiter, opts []Option) (*WatermarkResult, error) {
	o := removalOptions{timeout: c.timeout, pollInterval: c.pollInterval}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := c.tracer.Start(ctx, "unwatermark.remove_watermark")
	span.SetAttributes(
		attribute.String("input", in.String()),
		attribute.Int64("timeout_ms", o.timeout.Milliseconds()),
		attribute.Int64("poll_interval_ms", o.pollInterval.Milliseconds()),
	)
	defer span.End()

	logger := c.logger.With(zap.String("input", in.String()))
	sess := c.newSession(logger)
	defer sess.close()

	r := &removal{
		sess:         sess,
		wait:         w,
		now:          c.now,
		logger:       logger,
		hook:         o.hook,
		timeout:      o.timeout,
		pollInterval: o.pollInterval,
		start:        c.now(),
	}

	res, err := c.execute(ctx, r, in)
	elapsed := c.now().Sub(r.start)
	c.metrics.observe(err, r.polls, res != nil && res.Cached, elapsed)

	if err != nil {
		state := StateFailed
		if KindOf(err) == KindTimeout {
			state = StateTimedOut
		}
		r.transition(ctx, state, jobIDOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
		logger.Warn("watermark removal failed",
			zap.String("kind", KindOf(err).String()),
			zap.Int("polls", r.polls),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, err
	}

	r.transition(ctx, StateSucceeded, res.JobID())
	span.SetStatus(codes.Ok, "removed")
	logger.Info("watermark removed",
		zap.String("job_id", res.JobID()),
		zap.String("output_image_url", res.OutputImageURL()),
		zap.Int("polls", res.Polls),
		zap.Bool("cached", res.Cached),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

func (c *Client) execute(ctx context.Context, r *removal, in ImageInput) (*WatermarkResult, error) {
	payload, err := r.sess.normalize(ctx, in)
	if err != nil {
		return nil, r.deadline(ctx, err, "")
	}

	digest := digestOf(payload)
	if cached := c.lookupCache(ctx, r.logger, digest); cached != nil {
		return cached, nil
	}

	r.transition(ctx, StateSubmitting, "")
	jobID, err := r.sess.submit(ctx, payload)
	if err != nil {
		return nil, r.deadline(ctx, err, "")
	}

	r.transition(ctx, StatePolling, jobID)
	env, err := r.poll(ctx, jobID)
	if err != nil {
		return nil, err
	}

	res := &WatermarkResult{
		Envelope:    *env,
		InputDigest: digest,
		InputBytes:  len(payload),
		Polls:       r.polls,
		Elapsed:     c.now().Sub(r.start),
	}
	c.storeCache(ctx, r.logger, digest, res)
	return res, nil
}

func (c *Client) lookupCache(ctx context.Context, logger *zap.Logger, digest string) *WatermarkResult {
	if c.cache == nil {
		return nil
	}
	cached, ok, err := c.cache.Lookup(ctx, digest)
	if err != nil {
		logger.Warn("result cache lookup failed", zap.String("digest", digest), zap.Error(err))
		return nil
	}
	if !ok || cached == nil || cached.OutputImageURL() == "" {
		return nil
	}

	res := *cached
	res.Cached = true
	res.Polls = 0
	return &res
}

func (c *Client) storeCache(ctx context.Context, logger *zap.Logger, digest string, res *WatermarkResult) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Store(ctx, digest, res); err != nil {
		logger.Warn("result cache store failed", zap.String("digest", digest), zap.Error(err))
	}
}

func digestOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func jobIDOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.JobID
	}
	return ""
}
