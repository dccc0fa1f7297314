package upstreamclient

import (
	"errors"
	"fmt"
	"net/http"
)

// FailureKind names the failure classification spec.md §4.6 assigns to an
// upstream attempt. The orchestrator maps these directly onto
// credentialpool.Retryable/Fatal outcomes.
type FailureKind string

const (
	FailureTransport          FailureKind = "transport"
	FailureRateLimited        FailureKind = "rate_limited"
	FailureServerError        FailureKind = "server_error"
	FailureUnauthorized       FailureKind = "unauthorized"
	FailureForbidden          FailureKind = "forbidden"
	FailurePermanentlyInvalid FailureKind = "permanently_invalid"
)

// Failure is a classified upstream failure.
type Failure struct {
	Kind       FailureKind
	StatusCode int // 0 for transport-level failures
	Retryable  bool
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("upstreamclient: %s (status %d): %v", f.Kind, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("upstreamclient: %s (status %d)", f.Kind, f.StatusCode)
}

func (f *Failure) Unwrap() error { return f.Err }

func transportFailure(err error) *Failure {
	return &Failure{Kind: FailureTransport, Retryable: true, Err: err}
}

// classifyStatus maps an HTTP response status to a Failure, or nil for 2xx.
// permanentInvalid reports whether the upstream body declared a permanent
// 400 (as opposed to a transient/malformed one).
func classifyStatus(statusCode int, permanentInvalid bool) *Failure {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests:
		return &Failure{Kind: FailureRateLimited, StatusCode: statusCode, Retryable: true}
	case statusCode == http.StatusUnauthorized:
		return &Failure{Kind: FailureUnauthorized, StatusCode: statusCode, Retryable: false}
	case statusCode == http.StatusForbidden:
		return &Failure{Kind: FailureForbidden, StatusCode: statusCode, Retryable: false}
	case statusCode == http.StatusBadRequest && permanentInvalid:
		return &Failure{Kind: FailurePermanentlyInvalid, StatusCode: statusCode, Retryable: false}
	case statusCode >= 500:
		return &Failure{Kind: FailureServerError, StatusCode: statusCode, Retryable: true}
	default:
		return &Failure{Kind: FailureServerError, StatusCode: statusCode, Retryable: true}
	}
}

// AsFailure extracts a *Failure from err, if any.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
