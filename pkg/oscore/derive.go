// Package oscore implements the OSCORE (RFC 8613) security layer of a
// KNX-IoT device: key derivation from access-token records, a bounded
// store of derived contexts, persistent sequence numbers, replay windows
// and the encrypt/decrypt engine that protects CoAP messages.
package oscore

import (
	"fmt"

	"github.com/backkem/knxiot/pkg/codec"
	"github.com/backkem/knxiot/pkg/crypto"
)

// AES-CCM-16-64-128 sizes.
const (
	KeySize   = crypto.AEADKeySize
	NonceSize = crypto.AEADNonceSize
	TagSize   = crypto.AEADTagSize
)

// Params is the input material of a security context.
type Params struct {
	MasterSecret []byte
	// MasterSalt is empty for KNX-IoT; it is accepted for completeness.
	MasterSalt  []byte
	SenderID    []byte
	RecipientID []byte
	ContextID   []byte
}

// Keys is the derived key material of a security context.
type Keys struct {
	SenderKey    [KeySize]byte
	RecipientKey [KeySize]byte
	CommonIV     [NonceSize]byte
}

// Wipe zeroes the keys.
func (k *Keys) Wipe() {
	crypto.Wipe(k.SenderKey[:])
	crypto.Wipe(k.RecipientKey[:])
	crypto.Wipe(k.CommonIV[:])
}

// DeriveKeys derives the sender key, recipient key and common IV
// (RFC 8613 Section 3.2.1).
func DeriveKeys(p Params) (*Keys, error) {
	if len(p.SenderID) > MaxKIDLength || len(p.RecipientID) > MaxKIDLength {
		return nil, fmt.Errorf("oscore: identifier longer than %d bytes", MaxKIDLength)
	}
	var k Keys
	if err := derive(k.SenderKey[:], p.MasterSecret, p.MasterSalt, p.SenderID, p.ContextID, "Key"); err != nil {
		return nil, err
	}
	if err := derive(k.RecipientKey[:], p.MasterSecret, p.MasterSalt, p.RecipientID, p.ContextID, "Key"); err != nil {
		k.Wipe()
		return nil, err
	}
	if err := derive(k.CommonIV[:], p.MasterSecret, p.MasterSalt, nil, p.ContextID, "IV"); err != nil {
		k.Wipe()
		return nil, err
	}
	return &k, nil
}

// derive fills out with HKDF-SHA256(salt, secret, info) where info is the
// CBOR array [id, id_context / nil, alg_aead, type, L].
func derive(out, secret, salt, id, contextID []byte, typ string) error {
	var idContext any
	if contextID != nil {
		idContext = contextID
	}
	info, err := codec.Marshal([]any{nonNil(id), idContext, crypto.AEADAlgorithm, typ, len(out)})
	if err != nil {
		return fmt.Errorf("oscore: encode kdf info: %w", err)
	}
	okm, err := crypto.HKDFSHA256(secret, salt, info, len(out))
	if err != nil {
		return fmt.Errorf("oscore: hkdf: %w", err)
	}
	copy(out, okm)
	crypto.Wipe(okm)
	return nil
}

// Nonce builds the AEAD nonce from the partial IV's author id, the
// partial IV and the common IV (RFC 8613 Section 5.2).
func Nonce(id, piv []byte, commonIV *[NonceSize]byte) [NonceSize]byte {
	var n [NonceSize]byte
	n[0] = byte(len(id))
	copy(n[1+MaxKIDLength-len(id):1+MaxKIDLength], id)
	copy(n[NonceSize-len(piv):], piv)
	for i := range n {
		n[i] ^= commonIV[i]
	}
	return n
}

// AAD builds the external additional authenticated data for a message
// whose request carried requestKID and requestPIV (RFC 8613 Section 5.4).
func AAD(requestKID, requestPIV []byte) ([]byte, error) {
	external, err := codec.Marshal([]any{
		1,
		[]int{crypto.AEADAlgorithm},
		nonNil(requestKID),
		nonNil(requestPIV),
		[]byte{},
	})
	if err != nil {
		return nil, fmt.Errorf("oscore: encode aad: %w", err)
	}
	return codec.Marshal([]any{"Encrypt0", []byte{}, external})
}

// nonNil keeps an empty identifier an empty byte string instead of null.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
