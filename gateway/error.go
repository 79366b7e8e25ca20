package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/scholium/scholium/scherr"
)

// ErrorKind classifies transport-level failures.
type ErrorKind string

const (
	// KindNetwork is a connection-level failure (refused, reset, DNS).
	KindNetwork ErrorKind = "network"
	// KindTimeout is a network timeout that is not the caller's deadline.
	KindTimeout ErrorKind = "timeout"
	// KindRateLimitTimeout means the deadline expired waiting for a
	// rate-limit token.
	KindRateLimitTimeout ErrorKind = "rate-limit-timeout"
	// KindServer is a 5xx that survived all retries.
	KindServer ErrorKind = "server"
	// KindClient is a 4xx. 429 is retried first and lands here only after
	// exhausting attempts.
	KindClient ErrorKind = "client"
	// KindOversize means the response body exceeded the size cap.
	KindOversize ErrorKind = "oversize"
	// KindParseUpstream means the body could not be decoded.
	KindParseUpstream ErrorKind = "parse-upstream"
)

// Error is the transport-level failure surface. It carries the host, the
// elapsed wall time, and the last HTTP status when one was received.
type Error struct {
	Kind    ErrorKind
	Host    string
	Status  int
	Elapsed time.Duration
	Err     error

	// retryAfter is the server-requested delay for the next attempt, when a
	// Retry-After header was present.
	retryAfter time.Duration
}

// Error implements error.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s after %s", e.Host, e.Kind, e.Elapsed.Round(time.Millisecond))
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Taxonomy maps the transport kind onto the shared error taxonomy.
func (e *Error) Taxonomy() scherr.Kind {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimitTimeout:
		return scherr.Transient
	case KindClient:
		if e.Status == http.StatusTooManyRequests {
			return scherr.Transient
		}
		return scherr.Upstream
	case KindServer, KindOversize, KindParseUpstream:
		return scherr.Upstream
	default:
		return scherr.Internal
	}
}

// retryable reports whether another attempt may succeed.
func (e *Error) retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer:
		return true
	case KindClient:
		return e.Status == http.StatusTooManyRequests
	default:
		return false
	}
}

// wrap attaches the taxonomy kind so both errors.As(*gateway.Error) and
// scherr.KindOf see through the returned error.
func (e *Error) wrap(method, url string) error {
	return scherr.Wrapf(e.Taxonomy(), e, "%s %s", method, url)
}
