package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrProviderNotFound = errors.New("gateway_not_found")
	ErrInvalidConfig    = errors.New("gateway_invalid_config")
	ErrInvalidPayload   = errors.New("gateway_invalid_payload")
)

type Kind string

const (
	KindBadRequest    Kind = "bad_request"
	KindUnauthorized  Kind = "unauthorized"
	KindNotFound      Kind = "not_found"
	KindUnprocessable Kind = "unprocessable"
	KindServerError   Kind = "server_error"
	KindTimeout       Kind = "timeout"
)

// Retryable reports whether a failure of this kind may be retried with the same idempotency key.
func (k Kind) Retryable() bool {
	return k == KindServerError || k == KindTimeout
}

// Error is a classified gateway failure.
type Error struct {
	Kind       Kind
	StatusCode int
	RawBody    string
	Op         string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s: %s (status %d)", e.Op, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// NeedsOperator reports credential or configuration failures.
func (e *Error) NeedsOperator() bool { return e.Kind == KindUnauthorized }

// FromStatus classifies a non-2xx provider response. 2xx returns nil.
func FromStatus(op string, status int, body []byte) *Error {
	if status >= 200 && status < 300 {
		return nil
	}
	e := &Error{Op: op, StatusCode: status, RawBody: truncate(string(body), 2048)}
	switch {
	case status == http.StatusBadRequest:
		e.Kind = KindBadRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindUnauthorized
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status == http.StatusUnprocessableEntity:
		e.Kind = KindUnprocessable
	case status == http.StatusRequestTimeout:
		e.Kind = KindTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		e.Kind = KindServerError
	default:
		e.Kind = KindBadRequest
	}
	return e
}

// FromTransport classifies an error raised before a response was read.
// The outcome at the provider is unknown, so it is treated as a timeout.
func FromTransport(op string, err error) *Error {
	return &Error{Op: op, Kind: KindTimeout, Err: err}
}

// KindOf returns the classified kind, or "" for unclassified errors.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retryable gateway failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
