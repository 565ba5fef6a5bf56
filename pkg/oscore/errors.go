package oscore

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is the class of every receive-side failure. Callers
// answer all of them with the same outward code (see OutwardCode) so a
// peer cannot tell a bad tag from an unknown key or a malformed option.
var ErrUnauthorized = errors.New("oscore: unauthorized")

// Receive-side failures. All of them wrap ErrUnauthorized.
var (
	ErrMalformedEnvelope     = fmt.Errorf("%w: malformed envelope", ErrUnauthorized)
	ErrUnknownContext        = fmt.Errorf("%w: unknown context", ErrUnauthorized)
	ErrAuthenticationFailure = fmt.Errorf("%w: authentication failure", ErrUnauthorized)
	ErrReplayDetected        = fmt.Errorf("%w: replay detected", ErrUnauthorized)
)

// ErrMissingKID is returned for a request whose option carries no kid.
var ErrMissingKID = fmt.Errorf("%w: request without kid", ErrMalformedEnvelope)

// Send-side and configuration errors.
var (
	// ErrSequenceExhausted is returned once a context has used every
	// sequence number representable in a partial IV.
	ErrSequenceExhausted = errors.New("oscore: sequence number space exhausted")

	// ErrNotProtected is returned by Decrypt for a message without an
	// OSCORE option.
	ErrNotProtected = errors.New("oscore: message carries no oscore option")

	// ErrNoDestination is returned by Encrypt when the destination names
	// no context.
	ErrNoDestination = errors.New("oscore: destination names no security context")

	// ErrInvalidMessage is returned for messages the engine cannot protect
	// (unknown code class, missing token on a request).
	ErrInvalidMessage = errors.New("oscore: invalid message")

	// ErrNotOSCORE is returned when a table record has no OSCORE material.
	ErrNotOSCORE = errors.New("oscore: record is not an oscore record")
)

// malformed wraps a parse failure detail in ErrMalformedEnvelope.
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedEnvelope}, args...)...)
}
