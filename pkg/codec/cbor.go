// Package codec is the single CBOR configuration of the stack. Key
// derivation info, OSCORE associated data, handshake messages and persisted
// records are all encoded here, so every producer agrees on the bytes.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 Section 4.2): the same
// value always produces the same bytes, which key derivation relies on.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown map keys so newer
// records still load.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxNestedLevels:  8,
		MaxArrayElements: 256,
		MaxMapPairs:      64,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Valid reports whether data holds exactly one well-formed CBOR item.
func Valid(data []byte) error {
	return decMode.Wellformed(data)
}

// RawMessage is a pre-encoded CBOR value.
type RawMessage = cbor.RawMessage

// Diagnose returns the RFC 8949 diagnostic notation of data, for logs and
// the CLI.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
