package oscore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-test/deep"
)

func TestOptionEncodeParse(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
		wire []byte
	}{
		{"empty", Option{}, []byte{}},
		{"RFC 8613 C.4 request", Option{PIV: []byte{0x14}, KID: []byte{}, HasKID: true}, []byte{0x09, 0x14}},
		{"RFC 8613 C.5 request", Option{PIV: []byte{0x14}, KID: []byte{0x00}, HasKID: true}, []byte{0x09, 0x14, 0x00}},
		{"response piv only", Option{PIV: []byte{0x01, 0x00}}, []byte{0x02, 0x01, 0x00}},
		{
			"kid context",
			Option{PIV: []byte{0x05}, KID: []byte{0xaa, 0xbb}, HasKID: true, KIDContext: []byte{0x37, 0xcb, 0xf3}},
			[]byte{0x19, 0x05, 0x03, 0x37, 0xcb, 0xf3, 0xaa, 0xbb},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opt.Encode(); !bytes.Equal(got, tt.wire) {
				t.Errorf("Encode() = %x, want %x", got, tt.wire)
			}
			got, err := ParseOption(tt.wire)
			if err != nil {
				t.Fatalf("ParseOption() error = %v", err)
			}
			if diff := deep.Equal(got, tt.opt); diff != nil {
				t.Errorf("ParseOption() diff: %v", diff)
			}
		})
	}
}

func TestParseOptionMalformed(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
	}{
		{"reserved bits", []byte{0x20}},
		{"piv length 6", []byte{0x06, 1, 2, 3, 4, 5, 6}},
		{"truncated piv", []byte{0x03, 0x01}},
		{"missing context length", []byte{0x11, 0x01}},
		{"context longer than data", []byte{0x11, 0x01, 0x04, 0xaa}},
		{"context too long", append([]byte{0x10, 17}, make([]byte, 17)...)},
		{"kid too long", append([]byte{0x08}, make([]byte, 8)...)},
		{"trailing bytes", []byte{0x01, 0x01, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOption(tt.wire)
			if !errors.Is(err, ErrMalformedEnvelope) || !errors.Is(err, ErrUnauthorized) {
				t.Errorf("ParseOption(%x) error = %v, want ErrMalformedEnvelope", tt.wire, err)
			}
		})
	}
}
