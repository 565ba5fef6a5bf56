package spake

import (
	"fmt"

	"github.com/backkem/knxiot/pkg/codec"
)

// Kind identifies a handshake message by the fields it carries.
type Kind int

const (
	KindInvalid Kind = iota
	KindParamRequest
	KindParamResponse
	KindShare
	KindShareResponse
	KindConfirm
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindParamRequest:
		return "ParamRequest"
	case KindParamResponse:
		return "ParamResponse"
	case KindShare:
		return "Share"
	case KindShareResponse:
		return "ShareResponse"
	case KindConfirm:
		return "Confirm"
	default:
		return "Invalid"
	}
}

// PBKDF2Params carries the password hashing parameters.
type PBKDF2Params struct {
	Salt       []byte `cbor:"5,keyasint"`
	Iterations int    `cbor:"16,keyasint"`
}

// Message is a handshake payload: a CBOR map with integer keys. Which
// fields are present determines its Kind.
//
//	{0: id}                           parameter request
//	{0: id, 15: rnd, 12: {5, 16}}     parameter response
//	{10: pa}                          initiator share
//	{11: pb, 14: cb}                  responder share and confirmation
//	{13: ca}                          initiator confirmation
type Message struct {
	ID     []byte        `cbor:"0,keyasint,omitempty"`
	PA     []byte        `cbor:"10,keyasint,omitempty"`
	PB     []byte        `cbor:"11,keyasint,omitempty"`
	PBKDF2 *PBKDF2Params `cbor:"12,keyasint,omitempty"`
	CA     []byte        `cbor:"13,keyasint,omitempty"`
	CB     []byte        `cbor:"14,keyasint,omitempty"`
	Random []byte        `cbor:"15,keyasint,omitempty"`
}

// Kind classifies m. Messages mixing fields of different kinds are
// KindInvalid.
func (m *Message) Kind() Kind {
	params := m.Random != nil || m.PBKDF2 != nil
	share := m.PA != nil
	shareResp := m.PB != nil || m.CB != nil
	confirm := m.CA != nil

	switch {
	case params && !share && !shareResp && !confirm:
		if m.Random == nil || m.PBKDF2 == nil {
			return KindInvalid
		}
		return KindParamResponse
	case share && !params && !shareResp && !confirm:
		return KindShare
	case shareResp && !params && !share && !confirm:
		if m.PB == nil || m.CB == nil {
			return KindInvalid
		}
		return KindShareResponse
	case confirm && !params && !share && !shareResp:
		return KindConfirm
	case !params && !share && !shareResp && !confirm && len(m.ID) > 0:
		return KindParamRequest
	}
	return KindInvalid
}

// Encode returns the CBOR encoding of m.
func (m *Message) Encode() ([]byte, error) {
	return codec.Marshal(m)
}

// DecodeMessage parses a handshake payload and checks that it is a
// well-formed message of some kind.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Kind() == KindInvalid {
		return nil, fmt.Errorf("%w: unrecognised field combination", ErrInvalidMessage)
	}
	return &m, nil
}

// decodeKind decodes data and requires it to be of kind want.
func decodeKind(data []byte, want Kind) (*Message, error) {
	m, err := DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	if k := m.Kind(); k != want {
		return nil, fmt.Errorf("%w: got %v, want %v", ErrUnexpectedMessage, k, want)
	}
	return m, nil
}
