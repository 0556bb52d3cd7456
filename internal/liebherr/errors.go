package liebherr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AuthError reports an authentication failure. Permanent means the stored
// credentials are rejected and user action is required; otherwise the failure
// is a transient auth-infrastructure problem and may be retried.
type AuthError struct {
	Permanent bool
	Err       error
}

func (e *AuthError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("liebherr: %s auth failure: %v", kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError is returned on HTTP 429. RetryAfter is zero when the
// response carried no Retry-After header.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return "liebherr: rate limited (retry after " + e.RetryAfter.String() + ")"
	}
	return "liebherr: rate limited"
}

// UnreachableError means the vendor API explicitly reports the device
// offline, as opposed to a communication failure on our side.
type UnreachableError struct {
	DeviceID string
}

func (e *UnreachableError) Error() string {
	return "liebherr: device " + e.DeviceID + " unreachable"
}

// ServerError is a retryable 5xx from the vendor API.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("liebherr: server error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// MalformedError means the response did not match the expected schema.
// Not retryable; surfaced immediately.
type MalformedError struct {
	Path string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("liebherr: malformed response from %s: %v", e.Path, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// StatusError covers remaining non-2xx responses with no specific mapping.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("liebherr: api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// IsRetryable reports whether the coordinator may absorb the error into its
// backoff cycle rather than surfacing it.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	var srv *ServerError
	if errors.As(err, &rl) || errors.As(err, &srv) {
		return true
	}
	var auth *AuthError
	if errors.As(err, &auth) {
		return !auth.Permanent
	}
	return false
}

// IsPermanentAuth reports whether err is an auth failure requiring new
// credentials.
func IsPermanentAuth(err error) bool {
	var auth *AuthError
	return errors.As(err, &auth) && auth.Permanent
}

// IsUnreachable reports whether err marks a device as vendor-side offline.
func IsUnreachable(err error) bool {
	var u *UnreachableError
	return errors.As(err, &u)
}
