// Package crypto provides the symmetric primitives of the KNX-IoT security
// layer: AES-CCM-16-64-128, SHA-256, HMAC-SHA256, HKDF, PBKDF2 and secret
// wiping. Elliptic-curve work lives in the spake2p subpackage.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// SHA256Size is the SHA-256 digest length in bytes.
const SHA256Size = sha256.Size

// SHA256 returns the SHA-256 digest of message.
func SHA256(message []byte) [SHA256Size]byte {
	return sha256.Sum256(message)
}

// HMACSHA256 returns HMAC-SHA256(key, message).
func HMACSHA256(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// HMACEqual compares two MACs in constant time.
func HMACEqual(mac1, mac2 []byte) bool {
	return hmac.Equal(mac1, mac2)
}
