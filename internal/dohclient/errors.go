package dohclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ErrMalformed marks a DNS response that could not be decoded.
var ErrMalformed = errors.New("malformed dns message")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// StatusError is a non-200 reply from a DoH server.
type StatusError struct {
	Server string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("doh server %s returned status %d", e.Server, e.Code)
}

// AttemptsError aggregates every failed attempt against one server.
type AttemptsError struct {
	Server   string
	Hostname string
	Errors   []error
	// Exhausted is true when every attempt failed transiently.
	Exhausted bool
}

func (e *AttemptsError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	reason := "aborted"
	if e.Exhausted {
		reason = "retries exhausted"
	}
	return fmt.Sprintf("query %s via %s %s after %d attempt(s): %s",
		e.Hostname, e.Server, reason, len(e.Errors), strings.Join(msgs, "; "))
}

func (e *AttemptsError) Unwrap() []error {
	return e.Errors
}

// IsTransient reports whether err is worth retrying: timeouts and
// transport-level connection failures. Protocol errors, HTTP status errors
// and cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformed) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// url.Error satisfies net.Error itself, so classify what it wraps.
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
		if ue.Timeout() {
			return true
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
