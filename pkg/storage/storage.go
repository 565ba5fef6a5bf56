// Package storage provides the durable key/value store behind the access
// token table, the OSCORE sequence checkpoints and the SPAKE2+ parameters.
//
// Keys are slash-separated paths such as "auth/at/3" or "oscore/ssn/00-01-".
// Values are opaque bytes, usually CBOR produced by pkg/codec.
package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Load when no value is stored under the key.
	ErrNotFound = errors.New("storage: key not found")

	// ErrStorageFailure wraps every backend error.
	ErrStorageFailure = errors.New("storage: backend failure")

	// ErrInvalidKey is returned for empty keys and keys that would escape
	// the store (absolute paths, "..").
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrLocked is returned when another process holds the store.
	ErrLocked = errors.New("storage: store is locked by another process")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: store is closed")
)

// Storage is a durable key/value store.
//
// All methods must be safe for concurrent use. Delete of a missing key
// is not an error.
type Storage interface {
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
	Delete(key string) error

	// Keys returns the stored keys that start with prefix, sorted.
	Keys(prefix string) ([]string, error)
}

// ValidateKey checks that key is usable by every backend.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." || strings.ContainsRune(part, '\\') {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func failure(op, key string, err error) error {
	return fmt.Errorf("%w: %s %q: %v", ErrStorageFailure, op, key, err)
}
