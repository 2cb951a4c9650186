// Package chaterr defines the error taxonomy shared by the chat proxy and
// the conversation client. Every failure visible to a user is reduced to
// one of a small set of kinds, each with a fixed HTTP status, a wire code
// and a retry policy.
package chaterr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	// Fatal covers anything not classified below.
	Fatal Kind = iota
	// Validation is a malformed or missing input. Never sent, never retried.
	Validation
	// RateLimited is a local spacing violation or a remote 429.
	RateLimited
	// Timeout is a request that exceeded its deadline.
	Timeout
	// Unavailable is a missing credential or a transient upstream failure.
	Unavailable
	// Rejected is a vendor refusal (content policy, malformed request).
	Rejected
)

var kindInfo = map[Kind]struct {
	name   string
	code   string
	status int
}{
	Fatal:       {"fatal", "internal_error", http.StatusInternalServerError},
	Validation:  {"validation", "invalid_request", http.StatusBadRequest},
	RateLimited: {"rate_limited", "rate_limited", http.StatusTooManyRequests},
	Timeout:     {"timeout", "timeout", http.StatusGatewayTimeout},
	Unavailable: {"unavailable", "service_unavailable", http.StatusServiceUnavailable},
	Rejected:    {"rejected", "upstream_rejected", http.StatusInternalServerError},
}

func (k Kind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Code is the stable identifier sent in error envelopes.
func (k Kind) Code() string {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}
	return kindInfo[Fatal].code
}

// Status is the HTTP status the proxy responds with for this kind.
func (k Kind) Status() int {
	if info, ok := kindInfo[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Retryable reports whether an automatic retry may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case RateLimited, Timeout, Unavailable:
		return true
	default:
		return false
	}
}

// KindFromCode maps an envelope code back to its kind. ok is false for
// unknown codes.
func KindFromCode(code string) (Kind, bool) {
	for k, info := range kindInfo {
		if info.code == code {
			return k, true
		}
	}
	return Fatal, false
}

// KindFromStatus classifies a bare HTTP status returned by the proxy.
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest:
		return Validation
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status == http.StatusGatewayTimeout, status == http.StatusRequestTimeout:
		return Timeout
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable:
		return Unavailable
	default:
		return Fatal
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Message is safe to show to a user.
	Message string
	// Status is the HTTP status observed or to be sent, 0 if none.
	Status int
	// RetryAfter is a server hint for RateLimited failures.
	RetryAfter time.Duration
	// Err is the underlying cause; it is never shown to users.
	Err error
}

// New returns an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or Fatal when err is not classified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Fatal
}

// IsRetryable reports whether err is a classified, retryable failure.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
