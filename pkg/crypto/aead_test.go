package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// RFC 3610 Section 8 packet vectors with a 13-byte nonce and 8-byte tag,
// which is exactly the AES-CCM-16-64-128 parameter set.
var ccmVectors = []struct {
	name       string
	key        string
	nonce      string
	aad        string
	plaintext  string
	ciphertext string
	tag        string
}{
	{
		name:       "RFC3610_Vector1",
		key:        "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf",
		nonce:      "00000003020100a0a1a2a3a4a5",
		aad:        "0001020304050607",
		plaintext:  "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e",
		ciphertext: "588c979a61c663d2f066d0c2c0f989806d5f6b61dac384",
		tag:        "17e8d12cfdf926e0",
	},
	{
		name:       "RFC3610_Vector2",
		key:        "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf",
		nonce:      "00000004030201a0a1a2a3a4a5",
		aad:        "0001020304050607",
		plaintext:  "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		ciphertext: "72c91a36e135f8cf291ca894085c87e3cc15c439c9e43a3b",
		tag:        "a091d56e10400916",
	},
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestAEADVectors(t *testing.T) {
	for _, tc := range ccmVectors {
		t.Run(tc.name, func(t *testing.T) {
			key := mustHex(t, tc.key)
			nonce := mustHex(t, tc.nonce)
			aad := mustHex(t, tc.aad)
			plaintext := mustHex(t, tc.plaintext)
			want := append(mustHex(t, tc.ciphertext), mustHex(t, tc.tag)...)

			a, err := NewAEAD(key)
			if err != nil {
				t.Fatalf("NewAEAD() error = %v", err)
			}
			got, err := a.Seal(nonce, plaintext, aad)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("Seal() = %x, want %x", got, want)
			}

			opened, err := a.Open(nonce, want, aad)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(opened, plaintext) {
				t.Errorf("Open() = %x, want %x", opened, plaintext)
			}
		})
	}
}

func TestAEADBitFlip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, AEADKeySize)
	nonce := make([]byte, AEADNonceSize)
	aad := []byte("aad")

	sealed, err := AEADSeal(key, nonce, []byte("switch on"), aad)
	if err != nil {
		t.Fatalf("AEADSeal() error = %v", err)
	}
	if len(sealed) != len("switch on")+AEADTagSize {
		t.Fatalf("len(sealed) = %d, want %d", len(sealed), len("switch on")+AEADTagSize)
	}

	for i := 0; i < len(sealed)*8; i++ {
		tampered := append([]byte(nil), sealed...)
		tampered[i/8] ^= 1 << (i % 8)
		if _, err := AEADOpen(key, nonce, tampered, aad); err != ErrAEADAuthFailed {
			t.Fatalf("bit %d: AEADOpen() error = %v, want ErrAEADAuthFailed", i, err)
		}
	}

	if _, err := AEADOpen(key, nonce, sealed, []byte("other")); err != ErrAEADAuthFailed {
		t.Errorf("AEADOpen() with wrong aad error = %v, want ErrAEADAuthFailed", err)
	}
}

func TestAEADInvalidInput(t *testing.T) {
	for _, size := range []int{0, 15, 17, 32} {
		if _, err := NewAEAD(make([]byte, size)); err != ErrAEADInvalidKeySize {
			t.Errorf("NewAEAD(%d bytes) error = %v, want ErrAEADInvalidKeySize", size, err)
		}
	}

	a, err := NewAEAD(make([]byte, AEADKeySize))
	if err != nil {
		t.Fatalf("NewAEAD() error = %v", err)
	}
	if _, err := a.Seal(make([]byte, 12), nil, nil); err != ErrAEADInvalidNonceSize {
		t.Errorf("Seal() short nonce error = %v, want ErrAEADInvalidNonceSize", err)
	}
	if _, err := a.Open(make([]byte, AEADNonceSize), make([]byte, AEADTagSize-1), nil); err != ErrAEADTooShort {
		t.Errorf("Open() short input error = %v, want ErrAEADTooShort", err)
	}
}
