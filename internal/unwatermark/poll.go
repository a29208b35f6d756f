package unwatermark

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// JobIDPlaceholder is substituted with the escaped job id in the status URL.
const JobIDPlaceholder = "{job_id}"

func (s *session) statusURL(jobID string) string {
	return strings.ReplaceAll(s.statusURLTemplate, JobIDPlaceholder, url.PathEscape(jobID))
}

// pollOnce issues a single status request.
func (s *session) pollOnce(ctx context.Context, jobID string, attempt int) (*Envelope, error) {
	ctx, span := s.tracer.Start(ctx, "unwatermark.poll", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("poll.attempt", attempt),
	)
	defer span.End()

	env, err := s.doPoll(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll failed")
		return nil, err
	}
	return env, nil
}

func (s *session) doPoll(ctx context.Context, jobID string) (*Envelope, error) {
	target := s.statusURL(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, wrapKind(KindPoll, jobID, fmt.Errorf("build status request: %w", err))
	}
	s.applyHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, wrapKind(ctxKind(ctx, KindPoll), jobID, fmt.Errorf("status request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeBytes))
	if err != nil {
		return nil, wrapKind(KindPoll, jobID, fmt.Errorf("read status response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, wrapKind(KindPoll, jobID, &statusError{URL: target, StatusCode: resp.StatusCode, Body: truncate(string(data), 200)})
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, wrapKind(KindPoll, jobID, err)
	}
	return env, nil
}

// poll queries the job until it reports an output, a terminal error, or the
// budget measured from start runs out. The budget is checked before every
// request, so no poll is issued once it is exceeded.
func (r *removal) poll(ctx context.Context, jobID string) (*Envelope, error) {
	for {
		elapsed := r.now().Sub(r.start)
		if elapsed > r.timeout {
			return nil, &Error{Kind: KindTimeout, JobID: jobID, Budget: r.timeout, Elapsed: elapsed}
		}

		r.polls++
		env, err := r.sess.pollOnce(ctx, jobID, r.polls)
		if err != nil {
			return nil, r.deadline(ctx, err, jobID)
		}
		if !env.ok() {
			return nil, apiError(jobID, env)
		}
		if env.outputURL() != "" {
			return env, nil
		}

		r.logger.Debug("job still processing",
			zap.String("job_id", jobID),
			zap.Int("poll", r.polls),
			zap.Duration("next_poll", r.pollInterval),
		)
		if err := r.wait.wait(ctx, r.pollInterval); err != nil {
			return nil, r.deadline(ctx, wrapKind(KindPoll, jobID, err), jobID)
		}
	}
}

// deadline fills the timing fields when err stems from the caller's deadline.
func (r *removal) deadline(ctx context.Context, err error, jobID string) error {
	e, ok := err.(*Error)
	if !ok || ctxKind(ctx, e.Kind) != KindTimeout {
		return err
	}
	return &Error{
		Kind:    KindTimeout,
		JobID:   jobID,
		Budget:  r.timeout,
		Elapsed: r.now().Sub(r.start),
		Err:     e.Err,
	}
}

// ctxKind reports KindTimeout when the caller's context deadline has passed.
func ctxKind(ctx context.Context, fallback Kind) Kind {
	if ctx.Err() == context.DeadlineExceeded {
		return KindTimeout
	}
	return fallback
}

type waiter interface {
	wait(ctx context.Context, d time.Duration) error
}

// blockingWaiter sleeps the calling goroutine for the whole interval.
type blockingWaiter struct {
	sleep func(time.Duration)
}

func (w blockingWaiter) wait(_ context.Context, d time.Duration) error {
	w.sleep(d)
	return nil
}

// contextWaiter parks on a timer and wakes early when ctx is done.
type contextWaiter struct {
	after func(time.Duration) <-chan time.Time
}

func (w contextWaiter) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.after(d):
		return nil
	}
}
