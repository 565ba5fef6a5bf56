package oscore

import (
	"bytes"
	"fmt"
)

// Type is the CoAP message type.
type Type uint8

const (
	TypeCON Type = 0
	TypeNON Type = 1
	TypeACK Type = 2
	TypeRST Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeCON:
		return "CON"
	case TypeNON:
		return "NON"
	case TypeACK:
		return "ACK"
	case TypeRST:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Code is a CoAP code, class in the top three bits.
type Code uint8

// MakeCode builds a class.detail code.
func MakeCode(class, detail uint8) Code { return Code(class<<5 | detail&0x1f) }

const (
	CodeEmpty              Code = 0x00
	CodeGET                Code = 0x01
	CodePOST               Code = 0x02
	CodePUT                Code = 0x03
	CodeDELETE             Code = 0x04
	CodeFETCH              Code = 0x05
	CodeCreated            Code = 0x41
	CodeDeleted            Code = 0x42
	CodeValid              Code = 0x43
	CodeChanged            Code = 0x44
	CodeContent            Code = 0x45
	CodeBadRequest         Code = 0x80
	CodeUnauthorized       Code = 0x81
	CodeBadOption          Code = 0x82
	CodeForbidden          Code = 0x83
	CodeNotFound           Code = 0x84
	CodeServiceUnavailable Code = 0xa3
)

func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

// IsRequest reports whether c is a method code.
func (c Code) IsRequest() bool { return c.Class() == 0 && c != CodeEmpty }

// IsResponse reports whether c is a response code.
func (c Code) IsResponse() bool { return c.Class() >= 2 }

func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Message is the subset of a CoAP message the security layer reads and
// rewrites. Framing, retransmission and other options belong to the
// CoAP layer.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte

	// Observe is the observe option value, nil when absent. It stays in
	// the outer message.
	Observe *uint32

	// OSCORE is the raw OSCORE option value. nil means the option is
	// absent; an empty non-nil slice is a present, empty option.
	OSCORE []byte

	Payload []byte
}

// IsRequest reports whether m carries a method code.
func (m *Message) IsRequest() bool { return m.Code.IsRequest() }

// IsEmpty reports whether m is an empty message (ping, empty ACK, RST).
func (m *Message) IsEmpty() bool { return m.Code == CodeEmpty }

// IsProtected reports whether m carries an OSCORE option.
func (m *Message) IsProtected() bool { return m.OSCORE != nil }

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	c.Token = bytes.Clone(m.Token)
	c.OSCORE = bytes.Clone(m.OSCORE)
	c.Payload = bytes.Clone(m.Payload)
	if m.Observe != nil {
		v := *m.Observe
		c.Observe = &v
	}
	return &c
}

// payloadMarker separates the inner code from the inner payload.
const payloadMarker = 0xff

// innerPlaintext serializes the protected part of m.
func innerPlaintext(m *Message) []byte {
	pt := make([]byte, 0, 2+len(m.Payload))
	pt = append(pt, byte(m.Code))
	if len(m.Payload) > 0 {
		pt = append(pt, payloadMarker)
		pt = append(pt, m.Payload...)
	}
	return pt
}

// parseInner splits a decrypted plaintext into code and payload.
func parseInner(pt []byte) (Code, []byte, error) {
	if len(pt) == 0 {
		return 0, nil, malformed("empty plaintext")
	}
	code := Code(pt[0])
	rest := pt[1:]
	if len(rest) == 0 {
		return code, nil, nil
	}
	if rest[0] != payloadMarker || len(rest) == 1 {
		return 0, nil, malformed("bad payload marker")
	}
	return code, rest[1:], nil
}

// outerCode is the code placed in the unprotected header.
func outerCode(m *Message) Code {
	if m.IsRequest() {
		if m.Observe != nil {
			return CodeFETCH
		}
		return CodePOST
	}
	if m.Observe != nil {
		return CodeContent
	}
	return CodeChanged
}
