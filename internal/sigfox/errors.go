package sigfox

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies API failures so callers can decide between
// "fix credentials", "retry on the next tick", and "don't bother retrying".
type ErrorKind int

const (
	// KindTransient covers network failures, timeouts, and 5xx responses.
	// Safe to retry on the next scheduled poll.
	KindTransient ErrorKind = iota
	// KindAuth covers 401/403 responses. Retrying without new credentials
	// is pointless.
	KindAuth
	// KindRateLimit covers 429 responses and guard cooldowns. Transient
	// from the caller's point of view, but reported separately.
	KindRateLimit
	// KindProtocol covers responses that violate the API contract:
	// unexpected status codes and bodies that fail to decode.
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "ratelimit"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// APIError is the error type returned by all Client calls.
type APIError struct {
	Kind   ErrorKind
	Status int    // HTTP status code, 0 when the request never completed
	URL    string // request URL without credentials
	Body   string // trimmed response body, may be empty
	Err    error  // underlying cause, may be nil
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sigfox api %s error", e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " for %s", e.URL)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsAuth reports whether err means the credentials were rejected.
func IsAuth(err error) bool {
	return hasKind(err, KindAuth)
}

// IsTransient reports whether err is worth retrying on a later poll.
// Rate-limit errors count as transient: the fixed tick interval is the
// only retry schedule.
func IsTransient(err error) bool {
	return hasKind(err, KindTransient) || hasKind(err, KindRateLimit)
}

// IsRateLimited reports whether err was caused by remote rate limiting.
func IsRateLimited(err error) bool {
	return hasKind(err, KindRateLimit)
}

// IsProtocol reports whether err means the remote broke its contract.
// Retrying will not help; the affected data falls back to unknown values.
func IsProtocol(err error) bool {
	return hasKind(err, KindProtocol)
}

func hasKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}
