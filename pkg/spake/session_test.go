package spake

import (
	"bytes"
	"errors"
	"testing"

	"github.com/backkem/knxiot/pkg/crypto"
)

var (
	clientID = []byte{0x00}
	deviceID = []byte{0x01}
)

// handshake runs the exchange between two sessions and returns the first
// error.
func handshake(t *testing.T, init, resp *Session) error {
	t.Helper()
	req, err := init.Start()
	if err != nil {
		return err
	}
	params, err := resp.HandleParamRequest(req)
	if err != nil {
		return err
	}
	share, err := init.HandleParamResponse(params)
	if err != nil {
		return err
	}
	shareResp, err := resp.HandleShare(share)
	if err != nil {
		return err
	}
	confirm, err := init.HandleShareResponse(shareResp)
	if err != nil {
		return err
	}
	if err := resp.HandleConfirm(confirm); err != nil {
		return err
	}
	return init.Finish()
}

func TestHandshakeLettuce(t *testing.T) {
	init := NewInitiator(DefaultContext, clientID, []byte(testPassword))
	resp := NewResponder(DefaultContext, deviceID, testParams(t, testPassword))

	if err := handshake(t, init, resp); err != nil {
		t.Fatalf("handshake error = %v", err)
	}
	if init.State() != StateComplete || resp.State() != StateComplete {
		t.Fatalf("states = %v/%v, want Complete", init.State(), resp.State())
	}

	a, err := init.Secret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := resp.Secret()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != SecretSize || !bytes.Equal(a, b) {
		t.Errorf("Secret() = %x / %x, want equal %d-byte secrets", a, b, SecretSize)
	}
	if !bytes.Equal(init.PeerID(), deviceID) || !bytes.Equal(resp.PeerID(), clientID) {
		t.Errorf("PeerID() = %x / %x, want %x / %x", init.PeerID(), resp.PeerID(), deviceID, clientID)
	}
	if !bytes.Equal(init.Random(), resp.Random()) {
		t.Error("Random() differs between the two sides")
	}

	init.Zeroize()
	if _, err := init.Secret(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Secret() after Zeroize error = %v, want ErrInvalidState", err)
	}
}

func TestHandshakeFreshSecrets(t *testing.T) {
	var secrets [][]byte
	for i := 0; i < 2; i++ {
		init := NewInitiator(DefaultContext, clientID, []byte(testPassword))
		resp := NewResponder(DefaultContext, deviceID, testParams(t, testPassword))
		if err := handshake(t, init, resp); err != nil {
			t.Fatal(err)
		}
		s, _ := init.Secret()
		secrets = append(secrets, s)
	}
	if bytes.Equal(secrets[0], secrets[1]) {
		t.Error("two handshakes with the same parameters produced the same secret")
	}
}

func TestHandshakePasswordMismatch(t *testing.T) {
	init := NewInitiator(DefaultContext, clientID, []byte("CABBAGE"))
	resp := NewResponder(DefaultContext, deviceID, testParams(t, testPassword))

	err := handshake(t, init, resp)
	if !errors.Is(err, ErrConfirmationFailed) {
		t.Fatalf("handshake error = %v, want ErrConfirmationFailed", err)
	}
	if init.State() != StateFailed {
		t.Errorf("initiator state = %v, want Failed", init.State())
	}
	if _, err := init.Secret(); err == nil {
		t.Error("Secret() succeeded after a failed handshake")
	}
}

func TestResponderRejectsForgedConfirmation(t *testing.T) {
	init := NewInitiator(DefaultContext, clientID, []byte("CABBAGE"))
	resp := NewResponder(DefaultContext, deviceID, testParams(t, testPassword))

	req, _ := init.Start()
	params, _ := resp.HandleParamRequest(req)
	share, _ := init.HandleParamResponse(params)
	if _, err := resp.HandleShare(share); err != nil {
		t.Fatal(err)
	}

	forged, _ := (&Message{CA: make([]byte, 32)}).Encode()
	if err := resp.HandleConfirm(forged); !errors.Is(err, ErrConfirmationFailed) {
		t.Errorf("HandleConfirm() error = %v, want ErrConfirmationFailed", err)
	}
	if resp.State() != StateFailed {
		t.Errorf("responder state = %v, want Failed", resp.State())
	}
}

func TestSessionOutOfOrder(t *testing.T) {
	init := NewInitiator(DefaultContext, clientID, []byte(testPassword))
	resp := NewResponder(DefaultContext, deviceID, testParams(t, testPassword))

	if _, err := init.HandleShareResponse(nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("HandleShareResponse() before Start error = %v, want ErrInvalidState", err)
	}
	if _, err := resp.Start(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("responder Start() error = %v, want ErrInvalidState", err)
	}

	req, _ := init.Start()
	share, _ := (&Message{PA: []byte{0x04}}).Encode()
	if _, err := resp.HandleParamRequest(share); !errors.Is(err, ErrUnexpectedMessage) {
		t.Errorf("HandleParamRequest(share) error = %v, want ErrUnexpectedMessage", err)
	}
	if resp.State() != StateFailed {
		t.Errorf("state after bad message = %v, want Failed", resp.State())
	}
	if _, err := resp.HandleParamRequest(req); !errors.Is(err, ErrInvalidState) {
		t.Errorf("HandleParamRequest() on failed session error = %v, want ErrInvalidState", err)
	}
}

func TestInitiatorValidatesParameters(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want error
	}{
		{"few iterations", Message{ID: deviceID, Random: make([]byte, RandomSize), PBKDF2: &PBKDF2Params{Salt: make([]byte, SaltSize), Iterations: 999}}, ErrInvalidParams},
		{"short salt", Message{ID: deviceID, Random: make([]byte, RandomSize), PBKDF2: &PBKDF2Params{Salt: make([]byte, 8), Iterations: 1000}}, ErrInvalidParams},
		{"long id", Message{ID: make([]byte, 8), Random: make([]byte, RandomSize), PBKDF2: &PBKDF2Params{Salt: make([]byte, SaltSize), Iterations: 1000}}, ErrInvalidIdentifier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			init := NewInitiator(DefaultContext, clientID, []byte(testPassword))
			init.Start()
			data, _ := tt.msg.Encode()
			if _, err := init.HandleParamResponse(data); !errors.Is(err, tt.want) {
				t.Errorf("HandleParamResponse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestZeroizeWipesParams(t *testing.T) {
	p := testParams(t, testPassword)
	resp := NewResponder(DefaultContext, deviceID, p)
	resp.Zeroize()
	if !crypto.IsZero(p.W0) {
		t.Error("W0 not wiped")
	}
	if resp.State() != StateFailed {
		t.Errorf("State() = %v, want Failed", resp.State())
	}
}
