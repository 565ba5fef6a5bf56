package spake

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/backkem/knxiot/pkg/crypto"
	"github.com/backkem/knxiot/pkg/crypto/spake2p"
)

// SecretSize is the size of the shared secret Ke, used as the OSCORE
// master secret.
const SecretSize = spake2p.KeySize

// Session implements one side of the handshake.
//
// Usage (Initiator):
//
//	s := spake.NewInitiator(context, localID, password)
//	req, _ := s.Start()
//	// send req, receive params
//	share, _ := s.HandleParamResponse(params)
//	// send share, receive shareResp
//	confirm, _ := s.HandleShareResponse(shareResp)
//	// send confirm, receive the empty acknowledgement
//	s.Finish()
//	secret, _ := s.Secret()
//
// Usage (Responder):
//
//	s := spake.NewResponder(context, localID, params)
//	resp, _ := s.HandleParamRequest(req)
//	shareResp, _ := s.HandleShare(share)
//	err := s.HandleConfirm(confirm)
//	secret, _ := s.Secret()
//
// Any failure moves the session to StateFailed. Call Zeroize when done.
type Session struct {
	role  Role
	state State

	context []byte
	localID []byte
	peerID  []byte

	password []byte  // Initiator only
	params   *Params // Responder only
	random   []byte  // rnd from the parameter exchange

	spake  *spake2p.SPAKE2P
	secret [SecretSize]byte
	wiped  bool

	rand io.Reader

	mu sync.Mutex
}

// NewInitiator creates a session for the party that knows password.
func NewInitiator(context string, localID, password []byte) *Session {
	return &Session{
		role:     RoleInitiator,
		context:  []byte(context),
		localID:  bytes.Clone(localID),
		password: bytes.Clone(password),
		rand:     rand.Reader,
	}
}

// NewResponder creates a session answering with params. The session
// takes ownership of params and wipes them on Zeroize.
func NewResponder(context string, localID []byte, params *Params) *Session {
	return &Session{
		role:    RoleResponder,
		context: []byte(context),
		localID: bytes.Clone(localID),
		params:  params,
		rand:    rand.Reader,
	}
}

// Start returns the parameter request (Initiator only).
func (s *Session) Start() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != RoleInitiator || s.state != StateIdle {
		return nil, ErrInvalidState
	}
	if err := validateID(s.localID); err != nil {
		return nil, err
	}
	data, err := (&Message{ID: s.localID}).Encode()
	if err != nil {
		return nil, s.failLocked(err)
	}
	s.state = StateParametersSent
	return data, nil
}

// HandleParamRequest answers a parameter request (Responder only).
func (s *Session) HandleParamRequest(data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != RoleResponder || s.state != StateIdle {
		return nil, ErrInvalidState
	}
	req, err := decodeKind(data, KindParamRequest)
	if err != nil {
		return nil, s.failLocked(err)
	}
	if err := validateID(req.ID); err != nil {
		return nil, s.failLocked(err)
	}
	if s.params == nil {
		return nil, s.failLocked(ErrNoPassword)
	}
	s.peerID = bytes.Clone(req.ID)
	s.random = bytes.Clone(s.params.Random)

	s.spake, err = spake2p.NewVerifier(s.context, nil, nil, s.params.W0, s.params.L)
	if err != nil {
		return nil, s.failLocked(err)
	}
	s.spake.SetRandom(s.rand)

	resp := &Message{
		ID:     s.localID,
		Random: s.params.Random,
		PBKDF2: &PBKDF2Params{Salt: s.params.Salt, Iterations: s.params.Iterations},
	}
	out, err := resp.Encode()
	if err != nil {
		return nil, s.failLocked(err)
	}
	s.state = StateParametersSent
	return out, nil
}

// HandleParamResponse derives w0 and w1 from the received parameters and
// returns the initiator share (Initiator only).
func (s *Session) HandleParamResponse(data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != RoleInitiator || s.state != StateParametersSent {
		return nil, ErrInvalidState
	}
	resp, err := decodeKind(data, KindParamResponse)
	if err != nil {
		return nil, s.failLocked(err)
	}
	if err := validateID(resp.ID); err != nil {
		return nil, s.failLocked(err)
	}
	if len(resp.Random) != RandomSize || len(resp.PBKDF2.Salt) != SaltSize {
		return nil, s.failLocked(fmt.Errorf("%w: nonce or salt size", ErrInvalidParams))
	}
	if err := validateIterations(resp.PBKDF2.Iterations); err != nil {
		return nil, s.failLocked(err)
	}
	s.peerID = bytes.Clone(resp.ID)
	s.random = bytes.Clone(resp.Random)

	w0, w1, err := spake2p.ComputeW0W1(s.password, resp.PBKDF2.Salt, resp.PBKDF2.Iterations)
	if err != nil {
		return nil, s.failLocked(err)
	}
	defer crypto.WipeAll(w0, w1)
	crypto.Wipe(s.password)

	s.spake, err = spake2p.NewProver(s.context, nil, nil, w0, w1)
	if err != nil {
		return nil, s.failLocked(err)
	}
	s.spake.SetRandom(s.rand)

	pa, err := s.spake.GenerateShare()
	if err != nil {
		return nil, s.failLocked(err)
	}
	out, err := (&Message{PA: pa}).Encode()
	if err != nil {
		return nil, s.failLocked(err)
	}
	s.state = StateParametersReceived
	return out, nil
}

// HandleShare processes the initiator share and returns the responder
// share with its confirmation (Responder only).
func (s *Session) HandleShare(data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != RoleResponder || s.state != StateParametersSent {
		return nil, ErrInvalidState
	}
	msg, err := decodeKind(data, KindShare)
	if err != nil {
		return nil, s.failLocked(err)
	}

	pb, err := s.spake.GenerateShare()
	if err != nil {
		return nil, s.failLocked(err)
	}
	if err := s.spake.ProcessPeerShare(msg.PA); err != nil {
		return nil, s.failLocked(err)
	}
	cb, err := s.spake.Confirmation()
	if err != nil {
		return nil, s.failLocked(err)
	}

	out, err := (&Message{PB: pb, CB: cb}).Encode()
	if err != nil {
		return nil, s.failLocked(err)
	}
	s.state = StateSharesExchanged
	return out, nil
}

// HandleShareResponse verifies the responder confirmation and returns
// the initiator confirmation (Initiator only).
func (s *Session) HandleShareResponse(data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != RoleInitiator || s.state != StateParametersReceived {
		return nil, ErrInvalidState
	}
	msg, err := decodeKind(data, KindShareResponse)
	if err != nil {
		return nil, s.failLocked(err)
	}
	if err := s.spake.ProcessPeerShare(msg.PB); err != nil {
		return nil, s.failLocked(err)
	}
	if err := s.spake.VerifyPeerConfirmation(msg.CB); err != nil {
		return nil, s.failLocked(ErrConfirmationFailed)
	}
	ca, err := s.spake.Confirmation()
	if err != nil {
		return nil, s.failLocked(err)
	}
	if err := s.takeSecret(); err != nil {
		return nil, s.failLocked(err)
	}

	out, err := (&Message{CA: ca}).Encode()
	if err != nil {
		return nil, s.failLocked(err)
	}
	s.state = StateConfirmationSent
	return out, nil
}

// HandleConfirm verifies the initiator confirmation and completes the
// session (Responder only).
func (s *Session) HandleConfirm(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != RoleResponder || s.state != StateSharesExchanged {
		return ErrInvalidState
	}
	msg, err := decodeKind(data, KindConfirm)
	if err != nil {
		return s.failLocked(err)
	}
	if err := s.spake.VerifyPeerConfirmation(msg.CA); err != nil {
		return s.failLocked(ErrConfirmationFailed)
	}
	if err := s.takeSecret(); err != nil {
		return s.failLocked(err)
	}
	s.state = StateComplete
	return nil
}

// Finish completes the session once the responder acknowledged the
// confirmation (Initiator only).
func (s *Session) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != RoleInitiator || s.state != StateConfirmationSent {
		return ErrInvalidState
	}
	s.state = StateComplete
	return nil
}

// Secret returns a copy of Ke. The caller wipes it.
func (s *Session) Secret() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateComplete || s.wiped {
		return nil, ErrInvalidState
	}
	return append([]byte(nil), s.secret[:]...), nil
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns the session role.
func (s *Session) Role() Role {
	return s.role
}

// LocalID returns the local identifier.
func (s *Session) LocalID() []byte {
	return bytes.Clone(s.localID)
}

// PeerID returns the identifier the peer announced, or nil before the
// parameter exchange.
func (s *Session) PeerID() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.peerID)
}

// Random returns the nonce of the parameter exchange.
func (s *Session) Random() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.random)
}

// SetRandom sets the random source for testing purposes.
func (s *Session) SetRandom(r io.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rand = r
}

// Zeroize wipes every secret. A session that has not completed moves to
// StateFailed.
func (s *Session) Zeroize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zeroizeLocked()
	if s.state != StateComplete {
		s.state = StateFailed
	}
}

func (s *Session) zeroizeLocked() {
	s.wiped = true
	crypto.Wipe(s.password)
	crypto.Wipe(s.secret[:])
	if s.params != nil {
		s.params.Wipe()
	}
	if s.spake != nil {
		s.spake.Zeroize()
	}
}

// failLocked moves the session to StateFailed, wipes it and returns err.
func (s *Session) failLocked(err error) error {
	s.state = StateFailed
	s.zeroizeLocked()
	return err
}

func (s *Session) takeSecret() error {
	ke, err := s.spake.SharedSecret()
	if err != nil {
		return err
	}
	copy(s.secret[:], ke)
	crypto.Wipe(ke)
	return nil
}

func validateID(id []byte) error {
	if len(id) == 0 || len(id) > MaxIDLength {
		return fmt.Errorf("%w: length %d", ErrInvalidIdentifier, len(id))
	}
	return nil
}
