package spake

import (
	"bytes"
	"errors"
	"testing"
)

func TestMessageKind(t *testing.T) {
	pbkdf := &PBKDF2Params{Salt: make([]byte, SaltSize), Iterations: 1000}
	tests := []struct {
		name string
		msg  Message
		want Kind
	}{
		{"param request", Message{ID: []byte{0x01}}, KindParamRequest},
		{"param response", Message{ID: []byte{0x01}, Random: make([]byte, RandomSize), PBKDF2: pbkdf}, KindParamResponse},
		{"share", Message{PA: []byte{0x04}}, KindShare},
		{"share response", Message{PB: []byte{0x04}, CB: []byte{0x01}}, KindShareResponse},
		{"confirm", Message{CA: []byte{0x01}}, KindConfirm},
		{"empty", Message{}, KindInvalid},
		{"response without salt", Message{Random: make([]byte, RandomSize)}, KindInvalid},
		{"pb without cb", Message{PB: []byte{0x04}}, KindInvalid},
		{"share and confirm", Message{PA: []byte{0x04}, CA: []byte{0x01}}, KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageEncoding(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want []byte
	}{
		{"param request", Message{ID: []byte{0x01}}, []byte{0xa1, 0x00, 0x41, 0x01}},
		{"share", Message{PA: []byte{0xaa}}, []byte{0xa1, 0x0a, 0x41, 0xaa}},
		{"share response", Message{PB: []byte{0xbb}, CB: []byte{0xcc}}, []byte{0xa2, 0x0b, 0x41, 0xbb, 0x0e, 0x41, 0xcc}},
		{
			"param response",
			Message{ID: []byte{0x01}, Random: []byte{0x02}, PBKDF2: &PBKDF2Params{Salt: []byte{0x03}, Iterations: 1000}},
			[]byte{0xa3, 0x00, 0x41, 0x01, 0x0c, 0xa2, 0x05, 0x41, 0x03, 0x10, 0x19, 0x03, 0xe8, 0x0f, 0x41, 0x02},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.msg.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode() = %x, want %x", got, tt.want)
			}
		})
	}
}

func TestDecodeMessageRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not a map", []byte{0x01}},
		{"empty map", []byte{0xa0}},
		{"mixed kinds", []byte{0xa2, 0x0a, 0x41, 0xaa, 0x0d, 0x41, 0x01}},
		{"truncated", []byte{0xa1, 0x00, 0x42, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMessage(tt.data); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("DecodeMessage() error = %v, want ErrInvalidMessage", err)
			}
		})
	}
}
