// Package spake implements the KNX-IoT SPAKE2+ handshake that provisions
// an OSCORE credential from a device password.
//
// # Protocol Flow
//
//	Initiator (client)                    Responder (device)
//	------------------                    ------------------
//	Start()            --- {id} -------->  HandleParamRequest
//	                   <-- {id,rnd,pbkdf2}
//	HandleParamResponse --- {pa} ------->  HandleShare
//	                   <-- {pb,cb} ------
//	HandleShareResponse --- {ca} ------->  HandleConfirm
//	                   <-- (empty ack) --  record installed
//	Finish()
//
// Both sides end with the shared secret Ke, which becomes the OSCORE
// master secret. The responder keeps its password parameters (salt,
// iterations, w0, L) until a handshake confirms, then rotates them.
//
// Session is the per-exchange state machine. Manager runs sessions per
// peer, enforces timeouts and the brute-force Guard, and installs the
// resulting access token.
package spake

import "errors"

// Protocol constants.
const (
	// RandomSize is the size of the responder nonce rnd.
	RandomSize = 32

	// SaltSize is the size of the PBKDF2 salt.
	SaltSize = 32

	// MinIterations and MaxIterations bound the PBKDF2 iteration count.
	// Generated counts are uniform in [MinIterations, MaxIterations).
	MinIterations = 1000
	MaxIterations = 100000

	// MaxIDLength is the longest identifier accepted in a parameter
	// exchange. Identifiers become OSCORE ids.
	MaxIDLength = 7

	// DefaultContext is the transcript context string.
	DefaultContext = "SPAKE2+-P256-SHA256-HKDF draft-01"
)

// Errors.
var (
	ErrInvalidState       = errors.New("spake: invalid protocol state")
	ErrInvalidMessage     = errors.New("spake: invalid message")
	ErrUnexpectedMessage  = errors.New("spake: unexpected message")
	ErrInvalidParams      = errors.New("spake: invalid pbkdf2 parameters")
	ErrInvalidIdentifier  = errors.New("spake: invalid identifier")
	ErrConfirmationFailed = errors.New("spake: key confirmation failed")
	ErrNoPassword         = errors.New("spake: no password configured")

	// ErrHandshakeAborted wraps every failure that ends a session.
	ErrHandshakeAborted = errors.New("spake: handshake aborted")

	// ErrBusy is returned when a peer starts a handshake while another
	// one with the same peer is pending.
	ErrBusy = errors.New("spake: handshake with peer already pending")

	// ErrUnknownSession is returned for messages that match no pending
	// session.
	ErrUnknownSession = errors.New("spake: no pending session")

	// ErrThrottled is matched by every *ThrottledError.
	ErrThrottled = errors.New("spake: throttled")
)

// Role is the handshake participant role.
type Role int

const (
	// RoleInitiator knows the password.
	RoleInitiator Role = iota
	// RoleResponder holds w0 and L.
	RoleResponder
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return "Unknown"
	}
}

// State is the handshake state.
type State int

const (
	StateIdle State = iota
	StateParametersSent      // Initiator: sent {id}. Responder: sent parameters
	StateParametersReceived  // Initiator: got parameters, sent pa
	StateSharesExchanged     // Responder: got pa, sent pb and cb
	StateConfirmationSent    // Initiator: verified cb, sent ca
	StateComplete
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateParametersSent:
		return "ParametersSent"
	case StateParametersReceived:
		return "ParametersReceived"
	case StateSharesExchanged:
		return "SharesExchanged"
	case StateConfirmationSent:
		return "ConfirmationSent"
	case StateComplete:
		return "Complete"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
