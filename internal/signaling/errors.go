package signaling

import (
	"errors"
	"fmt"

	"bitriver-relay/internal/media"
	"bitriver-relay/internal/stream"
)

// Error codes carried by error messages.
const (
	CodeNotFound      = "not_found"
	CodeIncompatible  = "incompatible"
	CodeEngineFailure = "engine_failure"
	CodeBadRequest    = "bad_request"
	CodeRateLimited   = "rate_limited"
)

var (
	// ErrAuthenticationFailed wraps every reason a first message is rejected.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrBadRequest marks malformed or out of sequence messages.
	ErrBadRequest = errors.New("bad request")
	// ErrRateLimited is returned when a message waited too long for the limiter.
	ErrRateLimited = errors.New("rate limited")
)

// authError records why authentication failed; reason doubles as the metric
// label.
type authError struct {
	reason string
	err    error
}

func (e *authError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrAuthenticationFailed, e.reason, e.err)
	}
	return fmt.Sprintf("%s: %s", ErrAuthenticationFailed, e.reason)
}

func (e *authError) Unwrap() []error {
	if e.err != nil {
		return []error{ErrAuthenticationFailed, e.err}
	}
	return []error{ErrAuthenticationFailed}
}

func rejectAuth(reason string, err error) error {
	return &authError{reason: reason, err: err}
}

// AuthFailureReason extracts the short reason from an authentication error.
func AuthFailureReason(err error) string {
	var ae *authError
	if errors.As(err, &ae) {
		return ae.reason
	}
	return "unknown"
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// ErrorCode maps a handler error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, media.ErrIncompatibleCapabilities):
		return CodeIncompatible
	case errors.Is(err, stream.ErrStreamNotFound),
		errors.Is(err, stream.ErrTransportNotFound),
		errors.Is(err, stream.ErrConsumerNotFound),
		errors.Is(err, media.ErrProducerNotFound):
		return CodeNotFound
	default:
		return CodeEngineFailure
	}
}
