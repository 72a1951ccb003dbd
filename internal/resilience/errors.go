package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a failure at an upstream or storage boundary.
type Kind string

const (
	KindTransport      Kind = "TRANSPORT"
	KindUpstreamStatus Kind = "UPSTREAM_STATUS"
	KindParse          Kind = "PARSE_FAILURE"
	KindValidation     Kind = "VALIDATION_FAILURE"
	KindPersistence    Kind = "PERSISTENCE_FAILURE"
	KindUnknown        Kind = "UNKNOWN"
)

// Error tags an underlying error with its Kind and, for upstream status
// failures, the HTTP status code.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transport tags err as a network or timeout failure.
func Transport(err error) error { return &Error{Kind: KindTransport, Err: err} }

// Upstream tags err as a non-2xx response from an upstream API.
func Upstream(status int, err error) error {
	return &Error{Kind: KindUpstreamStatus, StatusCode: status, Err: err}
}

// Parse tags err as a failure to extract structured data from a response.
func Parse(err error) error { return &Error{Kind: KindParse, Err: err} }

// Validation tags err as extracted data falling outside its expected range.
func Validation(err error) error { return &Error{Kind: KindValidation, Err: err} }

// Persistence tags err as a rejected store write.
func Persistence(err error) error { return &Error{Kind: KindPersistence, Err: err} }

// Classify returns the Kind of the first tagged error in err's chain. Untagged
// timeouts and connection failures are reported as TRANSPORT.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isNetworkFailure(err) {
		return KindTransport
	}
	return KindUnknown
}

// StatusCode returns the upstream HTTP status recorded in err's chain, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsTransient reports whether err is safe to retry against the same upstream:
// transport failures and 408/429/5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindTransport:
			return !errors.Is(err, context.Canceled)
		case KindUpstreamStatus:
			return IsTransientHTTPStatus(e.StatusCode)
		default:
			return false
		}
	}
	return isNetworkFailure(err)
}

// ShouldFallThrough reports whether a failed call should be retried against a
// different provider. Transport and upstream status failures fall through, as
// does a rejection from an open circuit breaker. Parse and validation failures
// do not: a different provider would be answering the same question.
func ShouldFallThrough(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	switch Classify(err) {
	case KindTransport, KindUpstreamStatus:
		return true
	default:
		return false
	}
}

func isNetworkFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
