package transport

import (
	"fmt"
	"time"

	"github.com/backkem/knxiot/pkg/codec"
	"github.com/backkem/knxiot/pkg/oscore"
)

// MaxFrameSize bounds an encoded frame. It matches the IPv6 minimum MTU
// that CoAP over 6LoWPAN and Thread assumes.
const MaxFrameSize = 1280

// maxRetryAfterMillis bounds a decoded retry-after hint to one day.
const maxRetryAfterMillis = 24 * 60 * 60 * 1000

// FrameKind identifies what a frame carries.
type FrameKind uint8

const (
	FrameInvalid FrameKind = iota
	// FrameHandshake carries a handshake message from initiator to responder.
	FrameHandshake
	// FrameHandshakeReply carries the responder's answer. An empty payload
	// acknowledges the initiator's confirmation.
	FrameHandshakeReply
	// FrameHandshakeAbort tells the initiator the responder gave up. It
	// carries a retry-after hint when the responder is throttling.
	FrameHandshakeAbort
	// FrameCoAP carries a CoAP message, protected or not.
	FrameCoAP
	// FrameHandshakeCancel tells the responder the initiator gave up.
	FrameHandshakeCancel
)

func (k FrameKind) String() string {
	switch k {
	case FrameHandshake:
		return "handshake"
	case FrameHandshakeReply:
		return "handshake-reply"
	case FrameHandshakeAbort:
		return "handshake-abort"
	case FrameCoAP:
		return "coap"
	case FrameHandshakeCancel:
		return "handshake-cancel"
	default:
		return fmt.Sprintf("FrameKind(%d)", uint8(k))
	}
}

// Frame is one datagram on a Link.
type Frame struct {
	Kind FrameKind

	// Handshake is the handshake payload for the handshake kinds.
	Handshake []byte

	// Message is the CoAP message for FrameCoAP.
	Message *oscore.Message

	// RetryAfter is how long a throttling responder refuses handshakes,
	// for FrameHandshakeAbort. Carried with millisecond precision.
	RetryAfter time.Duration
}

// wireFrame is the CBOR layout of a Frame. The OSCORE option can be
// present and empty, so its presence travels in its own flag.
type wireFrame struct {
	Kind       FrameKind `cbor:"0,keyasint"`
	Handshake  []byte    `cbor:"1,keyasint,omitempty"`
	Type       uint8     `cbor:"2,keyasint,omitempty"`
	Code       uint8     `cbor:"3,keyasint,omitempty"`
	MessageID  uint16    `cbor:"4,keyasint,omitempty"`
	Token      []byte    `cbor:"5,keyasint,omitempty"`
	Observe    *uint32   `cbor:"6,keyasint,omitempty"`
	Protected  bool      `cbor:"7,keyasint,omitempty"`
	OSCORE     []byte    `cbor:"8,keyasint,omitempty"`
	Payload    []byte    `cbor:"9,keyasint,omitempty"`
	RetryAfter uint64    `cbor:"10,keyasint,omitempty"` // milliseconds
}

// Encode serializes f.
func (f *Frame) Encode() ([]byte, error) {
	w := wireFrame{Kind: f.Kind, Handshake: f.Handshake}
	switch f.Kind {
	case FrameHandshake, FrameHandshakeReply, FrameHandshakeCancel:
	case FrameHandshakeAbort:
		if f.RetryAfter < 0 {
			return nil, fmt.Errorf("%w: negative retry-after", ErrInvalidFrame)
		}
		w.RetryAfter = uint64((f.RetryAfter + time.Millisecond - 1) / time.Millisecond)
	case FrameCoAP:
		if f.Message == nil {
			return nil, fmt.Errorf("%w: coap frame without message", ErrInvalidFrame)
		}
		m := f.Message
		w.Type = uint8(m.Type)
		w.Code = uint8(m.Code)
		w.MessageID = m.MessageID
		w.Token = m.Token
		w.Observe = m.Observe
		w.Protected = m.OSCORE != nil
		w.OSCORE = m.OSCORE
		w.Payload = m.Payload
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, f.Kind)
	}
	data, err := codec.Marshal(w)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// DecodeFrame parses a datagram.
func DecodeFrame(data []byte) (*Frame, error) {
	var w wireFrame
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	f := &Frame{Kind: w.Kind}
	switch w.Kind {
	case FrameHandshake, FrameHandshakeReply, FrameHandshakeCancel:
		f.Handshake = w.Handshake
	case FrameHandshakeAbort:
		if w.RetryAfter > maxRetryAfterMillis {
			return nil, fmt.Errorf("%w: retry-after %dms", ErrInvalidFrame, w.RetryAfter)
		}
		f.Handshake = w.Handshake
		f.RetryAfter = time.Duration(w.RetryAfter) * time.Millisecond
	case FrameCoAP:
		if w.Type > uint8(oscore.TypeRST) {
			return nil, fmt.Errorf("%w: message type %d", ErrInvalidFrame, w.Type)
		}
		f.Message = &oscore.Message{
			Type:      oscore.Type(w.Type),
			Code:      oscore.Code(w.Code),
			MessageID: w.MessageID,
			Token:     w.Token,
			Observe:   w.Observe,
			Payload:   w.Payload,
		}
		if w.Protected {
			f.Message.OSCORE = append([]byte{}, w.OSCORE...)
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, w.Kind)
	}
	return f, nil
}
