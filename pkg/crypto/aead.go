package crypto

import (
	"crypto/aes"
	"errors"

	"github.com/pion/dtls/v3/pkg/crypto/ccm"
)

// AES-CCM-16-64-128 parameters (COSE algorithm 10, RFC 8152 Section 10.2).
// This is the only AEAD algorithm used by KNX-IoT OSCORE.
const (
	// AEADKeySize is the AES-128 key size in bytes.
	AEADKeySize = 16

	// AEADTagSize is the authentication tag size in bytes (64-bit tag).
	AEADTagSize = 8

	// AEADNonceSize is the CCM nonce size in bytes (L = 2).
	AEADNonceSize = 13

	// AEADAlgorithm is the COSE algorithm identifier for AES-CCM-16-64-128.
	AEADAlgorithm = 10
)

var (
	ErrAEADInvalidKeySize   = errors.New("crypto: invalid AEAD key size, must be 16 bytes")
	ErrAEADInvalidNonceSize = errors.New("crypto: invalid AEAD nonce size, must be 13 bytes")
	ErrAEADTooShort         = errors.New("crypto: ciphertext shorter than tag")
	ErrAEADAuthFailed       = errors.New("crypto: message authentication failed")
)

// AEAD seals and opens OSCORE payloads with AES-CCM-16-64-128.
type AEAD struct {
	ccm ccm.CCM
}

// NewAEAD creates an AES-CCM-16-64-128 instance for the given 16-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != AEADKeySize {
		return nil, ErrAEADInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	c, err := ccm.NewCCM(block, AEADTagSize, AEADNonceSize)
	if err != nil {
		return nil, err
	}
	return &AEAD{ccm: c}, nil
}

// Seal encrypts plaintext and returns ciphertext || tag.
func (a *AEAD) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != AEADNonceSize {
		return nil, ErrAEADInvalidNonceSize
	}
	return a.ccm.Seal(nil, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext || tag. No plaintext is
// returned unless the tag verifies.
func (a *AEAD) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != AEADNonceSize {
		return nil, ErrAEADInvalidNonceSize
	}
	if len(ciphertext) < AEADTagSize {
		return nil, ErrAEADTooShort
	}
	plaintext, err := a.ccm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAEADAuthFailed
	}
	return plaintext, nil
}

// Overhead returns the number of bytes the tag adds to a plaintext.
func (a *AEAD) Overhead() int {
	return AEADTagSize
}

// AEADSeal is a convenience wrapper for a single Seal with a fresh key schedule.
func AEADSeal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	a, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return a.Seal(nonce, plaintext, aad)
}

// AEADOpen is a convenience wrapper for a single Open with a fresh key schedule.
func AEADOpen(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	a, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return a.Open(nonce, ciphertext, aad)
}
