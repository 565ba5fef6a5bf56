package auth

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-test/deep"
)

func TestRecordValidate(t *testing.T) {
	secret := bytes.Repeat([]byte{1}, MasterSecretSize)
	tests := []struct {
		name string
		rec  Record
		want error
	}{
		{"valid oscore", Record{ID: "x", Profile: ProfileCoAPOSCORE, MasterSecret: secret}, nil},
		{"valid dtls", Record{ID: "x", Profile: ProfileCoAPDTLS}, nil},
		{"empty id", Record{Profile: ProfileCoAPDTLS}, ErrEmptyID},
		{"long id", Record{ID: string(make([]byte, MaxIDLength+1)), Profile: ProfileCoAPDTLS}, ErrIDTooLong},
		{"short secret", Record{ID: "x", Profile: ProfileCoAPOSCORE, MasterSecret: secret[:8]}, ErrInvalidSecret},
		{"long sender id", Record{ID: "x", Profile: ProfileCoAPOSCORE, MasterSecret: secret, SenderID: make([]byte, 8)}, ErrIdentifierTooLong},
		{"long context id", Record{ID: "x", Profile: ProfileCoAPOSCORE, MasterSecret: secret, ContextID: make([]byte, 17)}, ErrIdentifierTooLong},
		{"bad profile", Record{ID: "x", Profile: 9}, ErrUnknownProfile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rec.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestScopeStringParse(t *testing.T) {
	s := ScopeHandshake
	if got := s.String(); got != "if.c|if.p|if.d|if.sec" {
		t.Errorf("String() = %q, want if.c|if.p|if.d|if.sec", got)
	}
	parsed, err := ParseScope("if.sec, if.d|if.p|if.c")
	if err != nil || parsed != s {
		t.Errorf("ParseScope() = %v, %v; want %v", parsed, err, s)
	}
	if _, err := ParseScope("if.nope"); err == nil {
		t.Error("ParseScope(unknown) error = nil")
	}
}

func TestRecordEncodingLayout(t *testing.T) {
	rec := &Record{
		ID:           "a",
		Profile:      ProfileCoAPOSCORE,
		Scope:        ScopeIfSec,
		MasterSecret: bytes.Repeat([]byte{0x11}, 16),
		SenderID:     []byte{0x01},
		RecipientID:  []byte{0x02},
	}
	data, err := MarshalRecord(rec)
	if err != nil {
		t.Fatal(err)
	}

	// {0: "a", 8: {4: {0: h'01', 2: h'11..', 7: h'02'}}, 9: 2048, 38: 1}
	want := []byte{0xa4, 0x00, 0x61, 'a', 0x08, 0xa1, 0x04, 0xa3, 0x00, 0x41, 0x01, 0x02, 0x50}
	want = append(want, bytes.Repeat([]byte{0x11}, 16)...)
	want = append(want, 0x07, 0x41, 0x02, 0x09, 0x19, 0x08, 0x00, 0x18, 0x26, 0x01)
	if !bytes.Equal(data, want) {
		t.Errorf("MarshalRecord() = %x, want %x", data, want)
	}

	got, err := UnmarshalRecord(data)
	if err != nil {
		t.Fatalf("UnmarshalRecord() error = %v", err)
	}
	if diff := deep.Equal(got, rec); diff != nil {
		t.Errorf("UnmarshalRecord() diff: %v", diff)
	}
}

func TestRecordEncodingKeepsEmptyContextID(t *testing.T) {
	for _, tt := range []struct {
		name      string
		contextID []byte
	}{
		{"absent", nil},
		{"empty", []byte{}},
		{"set", []byte{0x37, 0xcb}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rec := &Record{
				ID:           "a",
				Profile:      ProfileCoAPOSCORE,
				Scope:        ScopeIfSec,
				MasterSecret: bytes.Repeat([]byte{0x11}, 16),
				SenderID:     []byte{0x01},
				ContextID:    tt.contextID,
			}
			data, err := MarshalRecord(rec)
			if err != nil {
				t.Fatal(err)
			}
			got, err := UnmarshalRecord(data)
			if err != nil {
				t.Fatalf("UnmarshalRecord() error = %v", err)
			}
			if (got.ContextID == nil) != (tt.contextID == nil) || !bytes.Equal(got.ContextID, tt.contextID) {
				t.Errorf("ContextID = %#v, want %#v", got.ContextID, tt.contextID)
			}
		})
	}
}

func TestUnmarshalRecordRejectsInvalid(t *testing.T) {
	// {0: "", 38: 1}
	if _, err := UnmarshalRecord([]byte{0xa2, 0x00, 0x60, 0x18, 0x26, 0x01}); !errors.Is(err, ErrEmptyID) {
		t.Errorf("UnmarshalRecord(empty id) error = %v, want ErrEmptyID", err)
	}
}
