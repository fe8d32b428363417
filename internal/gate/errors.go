package gate

import (
	"errors"
	"time"
)

// Kind is the caller-visible classification of a refusal.
type Kind string

const (
	KindUnauthenticatedApp  Kind = "unauthenticated_app"
	KindUnauthenticatedUser Kind = "unauthenticated_user"
	KindForbidden           Kind = "forbidden"
	KindLocked              Kind = "locked"
	KindRateLimited         Kind = "rate_limited"
	KindChallengeExpired    Kind = "challenge_expired"
	KindChallengeInvalid    Kind = "challenge_invalid"
	KindVerifierUnavailable Kind = "verifier_unavailable"
	KindServerError         Kind = "server_error"
)

// Error is what the gate returns on denial. Its message is the bare kind so
// that nothing internal reaches a client; the cause is kept for logs.
type Error struct {
	Kind          Kind
	CorrelationID string
	Route         string
	// RetryAfter is set for rate_limited denials.
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string { return string(e.Kind) }

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an Error outside the gate, e.g. for operation failures that
// must be reported with the same taxonomy.
func NewError(kind Kind, correlationID string, cause error) *Error {
	return &Error{Kind: kind, CorrelationID: correlationID, cause: cause}
}

// KindOf returns the kind carried by err, or server_error for anything the
// gate did not classify.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindServerError
}
