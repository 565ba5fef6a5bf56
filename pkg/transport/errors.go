package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed link.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidAddress is returned when a frame is sent to a nil address.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrNoHandler is returned when no frame handler is configured.
	ErrNoHandler = errors.New("transport: no frame handler configured")

	// ErrAlreadyStarted is returned when Start is called on a running link.
	ErrAlreadyStarted = errors.New("transport: already started")

	// ErrFrameTooLarge is returned when an encoded frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("transport: frame too large")

	// ErrInvalidFrame is returned when a datagram does not decode to a frame.
	ErrInvalidFrame = errors.New("transport: invalid frame")
)
