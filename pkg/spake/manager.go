package spake

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/backkem/knxiot/pkg/auth"
	"github.com/backkem/knxiot/pkg/clock"
	"github.com/backkem/knxiot/pkg/crypto"
	"github.com/backkem/knxiot/pkg/storage"
)

// DefaultTimeout bounds how long a handshake may stay pending.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout is wrapped in the ErrHandshakeAborted result of an
	// expired session.
	ErrTimeout = errors.New("spake: handshake timed out")

	// ErrCancelled is wrapped in the result of a session the initiator
	// gave up on.
	ErrCancelled = errors.New("spake: handshake cancelled by peer")
)

// Handle names an initiator session.
type Handle struct {
	ID   uuid.UUID
	Peer string
}

// Result reports the outcome of a handshake.
type Result struct {
	Handle uuid.UUID
	Peer   string
	Role   Role

	LocalID []byte
	PeerID  []byte

	// RecordID is the access-token id the credential is stored under.
	RecordID string

	// MasterSecret is Ke. It is wiped once every callback has returned.
	MasterSecret []byte

	// Err is nil on success and wraps ErrHandshakeAborted otherwise.
	Err error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// LocalID is this side's identifier: the responder id announced in
	// parameter responses and the initiator id sent in requests.
	// Required, 1 to 7 bytes.
	LocalID []byte

	// Password derives the responder parameters. Without it the manager
	// only initiates.
	Password []byte

	// Context is the transcript context. Default: DefaultContext.
	Context string

	// Timeout bounds a pending session. Default: 30s.
	Timeout time.Duration

	Guard GuardConfig

	// Storage persists the responder parameters. Optional.
	Storage storage.Storage

	// Table receives the record of every handshake this side answers.
	// Optional.
	Table *auth.Table

	Clock         clock.Clock
	Rand          io.Reader
	LoggerFactory logging.LoggerFactory
}

type sessionKey struct {
	peer string
	role Role
}

type pending struct {
	id      uuid.UUID
	peer    string
	session *Session
	timer   *clock.Timer

	// confirmed is set once a responder has sent its confirmation. From
	// then on any end other than success counts as a failed guess.
	confirmed bool
}

// Manager runs handshakes, at most one per peer and role.
//
// Thread Safety: All methods are safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	config    ManagerConfig
	guard     *Guard
	params    *ParamStore
	sessions  map[sessionKey]*pending
	callbacks []func(Result)
	closed    bool
	log       logging.LeveledLogger
}

// NewManager creates a manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if err := validateID(config.LocalID); err != nil {
		return nil, err
	}
	if config.Context == "" {
		config.Context = DefaultContext
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Rand == nil {
		config.Rand = rand.Reader
	}
	if config.Guard.Clock == nil {
		config.Guard.Clock = config.Clock
	}
	config.LocalID = bytes.Clone(config.LocalID)

	m := &Manager{
		config:   config,
		guard:    NewGuard(config.Guard),
		params:   NewParamStore(config.Storage, config.Password, config.Rand, config.LoggerFactory),
		sessions: make(map[sessionKey]*pending),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("spake")
	}
	return m, nil
}

// Guard returns the brute-force guard.
func (m *Manager) Guard() *Guard { return m.guard }

// Params returns the responder parameter store.
func (m *Manager) Params() *ParamStore { return m.params }

// OnHandshakeComplete registers fn to run after every handshake ends,
// successfully or not.
func (m *Manager) OnHandshakeComplete(fn func(Result)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Pending returns the number of pending sessions.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Begin starts a handshake with peer and returns the parameter request to
// send it.
func (m *Manager) Begin(peer string, password []byte) (*Handle, []byte, error) {
	s := NewInitiator(m.config.Context, m.config.LocalID, password)
	s.SetRandom(m.config.Rand)
	data, err := s.Start()
	if err != nil {
		s.Zeroize()
		return nil, nil, err
	}
	p, err := m.add(sessionKey{peer: peer, role: RoleInitiator}, s)
	if err != nil {
		s.Zeroize()
		return nil, nil, err
	}
	m.debugf("initiated handshake %s with %s", p.id, peer)
	return &Handle{ID: p.id, Peer: peer}, data, nil
}

// Continue feeds the responder's reply to the session named by h and
// returns the next message to send. Once the responder acknowledged the
// confirmation with an empty reply, Continue completes the handshake and
// returns nil.
func (m *Manager) Continue(h *Handle, payload []byte) ([]byte, error) {
	key := sessionKey{peer: h.Peer, role: RoleInitiator}
	p, err := m.get(key, h.ID)
	if err != nil {
		return nil, err
	}

	var out []byte
	switch p.session.State() {
	case StateParametersSent:
		out, err = p.session.HandleParamResponse(payload)
	case StateParametersReceived:
		out, err = p.session.HandleShareResponse(payload)
	case StateConfirmationSent:
		if len(payload) != 0 {
			err = fmt.Errorf("%w: acknowledgement carries a payload", ErrUnexpectedMessage)
			break
		}
		if err = p.session.Finish(); err == nil {
			return nil, m.complete(key, p)
		}
	default:
		err = ErrInvalidState
	}
	if err != nil {
		return nil, m.fail(key, p, err)
	}
	return out, nil
}

// Respond handles a message from the initiator peer and returns the
// reply. A nil reply with a nil error acknowledges the confirmation: the
// handshake is complete and the record is installed.
func (m *Manager) Respond(peer string, payload []byte) ([]byte, error) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		return nil, err
	}
	key := sessionKey{peer: peer, role: RoleResponder}

	switch msg.Kind() {
	case KindParamRequest:
		return m.respondParams(key, payload)
	case KindShare:
		p, err := m.get(key, uuid.Nil)
		if err != nil {
			return nil, err
		}
		out, err := p.session.HandleShare(payload)
		if err != nil {
			return nil, m.fail(key, p, err)
		}
		m.mu.Lock()
		p.confirmed = true
		m.mu.Unlock()
		return out, nil
	case KindConfirm:
		p, err := m.get(key, uuid.Nil)
		if err != nil {
			return nil, err
		}
		if err := p.session.HandleConfirm(payload); err != nil {
			return nil, m.fail(key, p, err)
		}
		m.mu.Lock()
		p.confirmed = false
		m.mu.Unlock()
		if err := m.complete(key, p); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %v from initiator", ErrUnexpectedMessage, msg.Kind())
	}
}

func (m *Manager) respondParams(key sessionKey, payload []byte) ([]byte, error) {
	if err := m.guard.Allow(); err != nil {
		m.debugf("refused handshake from %s: %v", key.peer, err)
		return nil, err
	}
	if m.busy(key) {
		return nil, ErrBusy
	}
	params, err := m.params.Current()
	if err != nil {
		return nil, err
	}
	s := NewResponder(m.config.Context, m.config.LocalID, params)
	s.SetRandom(m.config.Rand)
	out, err := s.HandleParamRequest(payload)
	if err != nil {
		return nil, err
	}
	p, err := m.add(key, s)
	if err != nil {
		s.Zeroize()
		return nil, err
	}
	m.debugf("answering handshake %s from %s", p.id, key.peer)
	return out, nil
}

// Abort ends the session named by h.
func (m *Manager) Abort(h *Handle) {
	key := sessionKey{peer: h.Peer, role: RoleInitiator}
	if p, err := m.get(key, h.ID); err == nil {
		m.fail(key, p, errors.New("spake: aborted by caller"))
	}
}

// Cancel ends the session answering peer, which gave up on the
// handshake. After the confirmation was sent this counts as a failed
// guess. It reports whether a session was pending.
func (m *Manager) Cancel(peer string) bool {
	key := sessionKey{peer: peer, role: RoleResponder}
	p, err := m.get(key, uuid.Nil)
	if err != nil {
		return false
	}
	m.fail(key, p, ErrCancelled)
	return true
}

// Close aborts every pending session. Later handshakes are refused.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := m.sessions
	m.sessions = make(map[sessionKey]*pending)
	m.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.session.Zeroize()
	}
}

func (m *Manager) busy(key sessionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[key]
	return ok
}

// add registers s under key and arms its timeout.
func (m *Manager) add(key sessionKey, s *Session) (*pending, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrHandshakeAborted
	}
	if _, ok := m.sessions[key]; ok {
		return nil, ErrBusy
	}
	p := &pending{id: id, peer: key.peer, session: s}
	p.timer = m.config.Clock.AfterFunc(m.config.Timeout, func() { m.expire(key, id) })
	m.sessions[key] = p
	return p, nil
}

// get returns the session under key. A non-nil id must match.
func (m *Manager) get(key sessionKey, id uuid.UUID) (*pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[key]
	if !ok || (id != uuid.Nil && p.id != id) {
		return nil, ErrUnknownSession
	}
	return p, nil
}

// remove drops p if it is still registered under key. It reports whether
// it did.
func (m *Manager) remove(key sessionKey, p *pending) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[key] != p {
		return false
	}
	delete(m.sessions, key)
	p.timer.Stop()
	return true
}

func (m *Manager) expire(key sessionKey, id uuid.UUID) {
	p, err := m.get(key, id)
	if err != nil {
		return
	}
	m.debugf("handshake %s with %s timed out", p.id, p.peer)
	m.fail(key, p, ErrTimeout)
}

// fail ends p with cause and reports it. The returned error wraps
// ErrHandshakeAborted and cause. A responder that already sent its
// confirmation reports ErrConfirmationFailed and charges the guard.
func (m *Manager) fail(key sessionKey, p *pending, cause error) error {
	removed := m.remove(key, p)
	m.mu.Lock()
	confirmed := p.confirmed
	m.mu.Unlock()
	if confirmed && !errors.Is(cause, ErrConfirmationFailed) {
		cause = fmt.Errorf("%w: %w", ErrConfirmationFailed, cause)
	}
	err := fmt.Errorf("%w: %w", ErrHandshakeAborted, cause)
	if !removed {
		return err
	}
	if confirmed {
		m.guard.Fail()
	}
	p.session.Zeroize()
	if m.log != nil {
		m.log.Infof("handshake %s with %s failed: %v", p.id, p.peer, err)
	}
	m.notify(Result{
		Handle: p.id,
		Peer:   p.peer,
		Role:   p.session.Role(),
		Err:    err,
	})
	return err
}

// complete reports a successful session. On the responder side it first
// installs the access token and rotates the parameters.
func (m *Manager) complete(key sessionKey, p *pending) error {
	secret, err := p.session.Secret()
	if err != nil {
		return m.fail(key, p, err)
	}
	defer crypto.Wipe(secret)

	peerID := p.session.PeerID()
	res := Result{
		Handle:       p.id,
		Peer:         p.peer,
		Role:         p.session.Role(),
		LocalID:      bytes.Clone(m.config.LocalID),
		PeerID:       peerID,
		RecordID:     hex.EncodeToString(peerID),
		MasterSecret: secret,
	}

	if res.Role == RoleResponder {
		if m.config.Table != nil {
			rec := &auth.Record{
				ID:           res.RecordID,
				Profile:      auth.ProfileCoAPOSCORE,
				Scope:        auth.ScopeHandshake,
				MasterSecret: secret,
				SenderID:     m.config.LocalID,
				RecipientID:  peerID,
			}
			if _, err := m.config.Table.Put(rec); err != nil {
				return m.fail(key, p, err)
			}
		}
		m.params.Rotate()
	}

	if !m.remove(key, p) {
		return ErrUnknownSession
	}
	p.session.Zeroize()
	if m.log != nil {
		m.log.Infof("handshake %s with %s complete, record %q", p.id, p.peer, res.RecordID)
	}
	m.notify(res)
	return nil
}

func (m *Manager) notify(res Result) {
	m.mu.Lock()
	callbacks := append([]func(Result){}, m.callbacks...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(res)
	}
}

func (m *Manager) debugf(format string, args ...any) {
	if m.log != nil {
		m.log.Debugf(format, args...)
	}
}
