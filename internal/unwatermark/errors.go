package unwatermark

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a removal failure.
type Kind int

const (
	KindInvalidInput Kind = iota + 1
	KindInputFetch
	KindSubmission
	KindAPI
	KindPoll
	KindTimeout
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrInputFetch   = errors.New("input fetch failed")
	ErrSubmission   = errors.New("job submission failed")
	ErrAPI          = errors.New("api error")
	ErrPoll         = errors.New("job poll failed")
	ErrTimeout      = errors.New("job timed out")
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindInputFetch:
		return "input_fetch"
	case KindSubmission:
		return "submission"
	case KindAPI:
		return "api"
	case KindPoll:
		return "poll"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidInput:
		return ErrInvalidInput
	case KindInputFetch:
		return ErrInputFetch
	case KindSubmission:
		return ErrSubmission
	case KindAPI:
		return ErrAPI
	case KindPoll:
		return ErrPoll
	case KindTimeout:
		return ErrTimeout
	default:
		return nil
	}
}

// Error is the single failure type returned by the client.
type Error struct {
	Kind  Kind
	JobID string
	// Code and Message are set for KindAPI from the server envelope.
	Code    int
	Message string
	// Budget and Elapsed are set for KindTimeout.
	Budget  time.Duration
	Elapsed time.Duration
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var msg string
	switch e.Kind {
	case KindAPI:
		msg = fmt.Sprintf("%s: code=%d message=%q", e.Kind.sentinel(), e.Code, e.Message)
	case KindTimeout:
		subject := "job " + e.JobID
		if e.JobID == "" {
			subject = "removal"
		}
		msg = fmt.Sprintf("%s: %s not finished after %s (budget %s)", e.Kind.sentinel(), subject, e.Elapsed.Round(time.Millisecond), e.Budget)
	case KindInvalidInput:
		msg = fmt.Sprintf("%s: %s", e.Kind.sentinel(), e.Message)
	default:
		msg = fmt.Sprint(e.Kind.sentinel())
	}

	if e.JobID != "" && e.Kind != KindTimeout {
		msg += " job_id=" + e.JobID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func invalidInput(msg string, cause error) *Error {
	return &Error{Kind: KindInvalidInput, Message: msg, Err: cause}
}

func wrapKind(kind Kind, jobID string, cause error) *Error {
	return &Error{Kind: kind, JobID: jobID, Err: cause}
}

func apiError(jobID string, env *Envelope) *Error {
	e := &Error{Kind: KindAPI, JobID: jobID}
	if env != nil {
		e.Code = env.Code
		e.Message = env.Message.English()
	}
	return e
}

// statusError is the cause attached when a request returns a non-2xx status.
type statusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status=%d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status=%d body=%q", e.URL, e.StatusCode, e.Body)
}
