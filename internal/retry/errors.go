package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/clipforge/api/internal/model"
)

// Kind classifies a stage failure for the retry policy
type Kind string

const (
	KindValidation          Kind = "validation"
	KindPreconditionMissing Kind = "precondition-missing"
	KindContextNotVisible   Kind = "context-not-visible"
	KindRateLimited         Kind = "rate-limited"
	KindTimeout             Kind = "timeout"
	KindUpstream            Kind = "upstream-dependency-error"
	KindInternal            Kind = "internal"
)

// ParseKind maps a serialized kind back to a Kind. Unknown values become internal.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindValidation, KindPreconditionMissing, KindContextNotVisible,
		KindRateLimited, KindTimeout, KindUpstream, KindInternal:
		return k
	}
	return KindInternal
}

// Error is a classified failure. Stage and Attempts are filled in once the
// orchestrator gives up on the stage.
type Error struct {
	Kind     Kind
	Stage    model.StageName
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Stage != "" {
		return fmt.Sprintf("stage %s failed after %d attempt(s): %s", e.Stage, e.Attempts, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// StatusCoder is implemented by HTTP client errors that carry a response status.
type StatusCoder interface {
	StatusCode() int
}

// Classify determines the Kind of an arbitrary error.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	var status StatusCoder
	if errors.As(err, &status) {
		return kindForStatus(status.StatusCode())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	return KindInternal
}

func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= http.StatusInternalServerError:
		return KindUpstream
	case code >= http.StatusBadRequest:
		return KindValidation
	}
	return KindInternal
}
