package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrorKind categorizes a failed send.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx
	ErrorRateLimit                   // 429
	ErrorTimeout                     // deadline exceeded, request timeout
	ErrorConnection                  // reset, aborted, broken pipe
	ErrorAuth                        // 401, 403
	ErrorBadRequest                  // 400, 404, 422: malformed payload or recipient
	ErrorFatal                       // everything else
)

// String returns a human-readable label for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorTimeout:
		return "timeout"
	case ErrorConnection:
		return "connection"
	case ErrorAuth:
		return "auth"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// IsTransient reports whether the same send may succeed if retried.
func (k ErrorKind) IsTransient() bool {
	return k == ErrorRetryable || k == ErrorRateLimit || k == ErrorTimeout || k == ErrorConnection
}

// SendError is returned by transports when the provider rejects or fails a send.
type SendError struct {
	Kind     ErrorKind
	Status   int    // HTTP status when known
	Code     string // provider error code when known
	Provider string
	Err      error
}

func (e *SendError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString("send failed (")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, ", status %d", e.Status)
	}
	if e.Code != "" {
		b.WriteString(", code ")
		b.WriteString(e.Code)
	}
	b.WriteString(")")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SendError) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP status returned by a provider to an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 408 || status == 425:
		return ErrorTimeout
	case status == 429:
		return ErrorRateLimit
	case status == 401 || status == 403:
		return ErrorAuth
	case status == 400 || status == 404 || status == 422:
		return ErrorBadRequest
	case status >= 500:
		return ErrorRetryable
	default:
		return ErrorFatal
	}
}

// Classify derives the ErrorKind of any send error.
func Classify(err error) ErrorKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrorTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrorConnection
	}
	return ErrorFatal
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).IsTransient()
}
