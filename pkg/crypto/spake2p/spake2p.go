// Package spake2p implements the SPAKE2+ password-authenticated key exchange
// over P-256 with the draft-01 key schedule used by KNX-IoT.
//
// The Prover (party A, the credential holder) knows w0 and w1. The Verifier
// (party B, the device) holds w0 and L = w1*P.
//
//	Prover                                Verifier
//	------                                --------
//	X = GenerateShare() ------X------>    ProcessPeerShare(X)
//	                    <-----Y------     Y = GenerateShare()
//	ProcessPeerShare(Y)                   cB = Confirmation()
//	                    <-----cB-----
//	VerifyPeerConfirmation(cB)
//	cA = Confirmation() ------cA----->    VerifyPeerConfirmation(cA)
//	Ke = SharedSecret()                   Ke = SharedSecret()
//
// All scalar arithmetic on secrets goes through filippo.io/nistec, which is
// constant time. Zeroize must be called once a session is finished.
package spake2p

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"math/big"

	"filippo.io/nistec"

	"github.com/backkem/knxiot/pkg/crypto"
)

const (
	// ScalarSize is the size of a P-256 scalar.
	ScalarSize = 32

	// PointSize is the size of an uncompressed P-256 point.
	PointSize = 65

	// KeySize is the size of Ka, Ke, KcA and KcB.
	KeySize = 16

	// ConfirmationSize is the size of cA and cB (HMAC-SHA256).
	ConfirmationSize = 32

	// WsSize is the PBKDF2 output length; it is split in two halves for
	// w0s and w1s.
	WsSize = 40
)

// M and N from draft-bar-cfrg-spake2plus-01 for P-256, uncompressed.
var (
	pointMBytes = []byte{
		0x04, 0x88, 0x6e, 0x2f, 0x97, 0xac, 0xe4, 0x6e, 0x55, 0xba, 0x9d, 0xd7, 0x24, 0x25, 0x79, 0xf2, 0x99,
		0x3b, 0x64, 0xe1, 0x6e, 0xf3, 0xdc, 0xab, 0x95, 0xaf, 0xd4, 0x97, 0x33, 0x3d, 0x8f, 0xa1, 0x2f, 0x5f,
		0xf3, 0x55, 0x16, 0x3e, 0x43, 0xce, 0x22, 0x4e, 0x0b, 0x0e, 0x65, 0xff, 0x02, 0xac, 0x8e, 0x5c, 0x7b,
		0xe0, 0x94, 0x19, 0xc7, 0x85, 0xe0, 0xca, 0x54, 0x7d, 0x55, 0xa1, 0x2e, 0x2d, 0x20,
	}
	pointNBytes = []byte{
		0x04, 0xd8, 0xbb, 0xd6, 0xc6, 0x39, 0xc6, 0x29, 0x37, 0xb0, 0x4d, 0x99, 0x7f, 0x38, 0xc3, 0x77, 0x07,
		0x19, 0xc6, 0x29, 0xd7, 0x01, 0x4d, 0x49, 0xa2, 0x4b, 0x4f, 0x98, 0xba, 0xa1, 0x29, 0x2b, 0x49, 0x07,
		0xd6, 0x0a, 0xa6, 0xbf, 0xad, 0xe4, 0x50, 0x08, 0xa6, 0x36, 0x33, 0x7f, 0x51, 0x68, 0xc6, 0x4d, 0x9b,
		0xd3, 0x60, 0x34, 0x80, 0x8c, 0xd5, 0x64, 0x49, 0x0b, 0x1e, 0x65, 0x6e, 0xdb, 0xe7,
	}

	// curveOrder is n for P-256.
	curveOrder, _ = new(big.Int).SetString("ffffffff00000000ffffffffffffffffbce6faada7179e84f3b9cac2fc632551", 16)
)

var confirmationKeysInfo = []byte("ConfirmationKeys")

// Role is the SPAKE2+ party.
type Role int

const (
	// RoleProver is party A, the initiator holding the password.
	RoleProver Role = iota
	// RoleVerifier is party B, the responder holding w0 and L.
	RoleVerifier
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleProver:
		return "Prover"
	case RoleVerifier:
		return "Verifier"
	default:
		return "Unknown"
	}
}

type state int

const (
	stateInit state = iota
	stateShareGenerated
	stateKeysDerived
	stateConfirmed
	stateZeroized
)

var (
	ErrInvalidScalar      = errors.New("spake2p: scalar must be 32 bytes and in [1, n)")
	ErrInvalidPoint       = errors.New("spake2p: invalid or identity point")
	ErrInvalidState       = errors.New("spake2p: invalid protocol state for this operation")
	ErrConfirmationFailed = errors.New("spake2p: key confirmation failed")
)

// SPAKE2P holds one side of a SPAKE2+ exchange.
type SPAKE2P struct {
	role       Role
	context    []byte
	idProver   []byte
	idVerifier []byte

	w0 [ScalarSize]byte
	w1 [ScalarSize]byte // Prover only
	l  []byte           // Verifier only

	random    [ScalarSize]byte
	hasRandom bool
	myShare   []byte
	peerShare []byte
	z         []byte
	v         []byte

	ka  [KeySize]byte
	ke  [KeySize]byte
	kcA [KeySize]byte
	kcB [KeySize]byte

	state state
	rand  io.Reader
}

// NewProver creates party A. w0 and w1 are 32-byte scalars reduced mod n.
func NewProver(context, idProver, idVerifier, w0, w1 []byte) (*SPAKE2P, error) {
	if len(w0) != ScalarSize || len(w1) != ScalarSize {
		return nil, ErrInvalidScalar
	}
	s := newSPAKE2P(RoleProver, context, idProver, idVerifier)
	copy(s.w0[:], w0)
	copy(s.w1[:], w1)
	return s, nil
}

// NewVerifier creates party B from w0 and the 65-byte registration point L.
func NewVerifier(context, idProver, idVerifier, w0, L []byte) (*SPAKE2P, error) {
	if len(w0) != ScalarSize {
		return nil, ErrInvalidScalar
	}
	if _, err := decodePoint(L); err != nil {
		return nil, err
	}
	s := newSPAKE2P(RoleVerifier, context, idProver, idVerifier)
	copy(s.w0[:], w0)
	s.l = append([]byte(nil), L...)
	return s, nil
}

func newSPAKE2P(role Role, context, idProver, idVerifier []byte) *SPAKE2P {
	return &SPAKE2P{
		role:       role,
		context:    append([]byte(nil), context...),
		idProver:   append([]byte(nil), idProver...),
		idVerifier: append([]byte(nil), idVerifier...),
		rand:       rand.Reader,
	}
}

// Role returns the party this instance plays.
func (s *SPAKE2P) Role() Role {
	return s.role
}

// SetRandom replaces the randomness source used for the ephemeral scalar.
func (s *SPAKE2P) SetRandom(r io.Reader) {
	s.rand = r
}

// SetEphemeral fixes the ephemeral scalar (x or y). Used for test vectors.
func (s *SPAKE2P) SetEphemeral(scalar []byte) error {
	if s.state != stateInit {
		return ErrInvalidState
	}
	if !validScalar(scalar) {
		return ErrInvalidScalar
	}
	copy(s.random[:], scalar)
	s.hasRandom = true
	return nil
}

// GenerateShare returns X = x*P + w0*M (Prover) or Y = y*P + w0*N (Verifier).
func (s *SPAKE2P) GenerateShare() ([]byte, error) {
	if s.state != stateInit {
		return nil, ErrInvalidState
	}
	if !s.hasRandom {
		if err := randomScalar(s.rand, s.random[:]); err != nil {
			return nil, err
		}
		s.hasRandom = true
	}

	gen := pointNBytes
	if s.role == RoleProver {
		gen = pointMBytes
	}
	share, err := computeShare(s.random[:], s.w0[:], gen)
	if err != nil {
		return nil, err
	}

	s.myShare = share
	s.state = stateShareGenerated
	return append([]byte(nil), share...), nil
}

// ProcessPeerShare validates the peer share and derives Z, V and the key
// schedule.
func (s *SPAKE2P) ProcessPeerShare(peerShare []byte) error {
	if s.state != stateShareGenerated {
		return ErrInvalidState
	}
	peer, err := decodePoint(peerShare)
	if err != nil {
		return err
	}

	negW0 := negateScalar(s.w0[:])
	defer crypto.Wipe(negW0)

	var blind []byte
	if s.role == RoleProver {
		blind = pointNBytes
	} else {
		blind = pointMBytes
	}
	// unblinded = peer - w0*blind
	unblinded, err := addScaled(peer, blind, negW0)
	if err != nil {
		return err
	}

	z, err := nistec.NewP256Point().ScalarMult(unblinded, s.random[:])
	if err != nil {
		return err
	}
	var v *nistec.P256Point
	if s.role == RoleProver {
		v, err = nistec.NewP256Point().ScalarMult(unblinded, s.w1[:])
	} else {
		var lp *nistec.P256Point
		if lp, err = decodePoint(s.l); err == nil {
			v, err = nistec.NewP256Point().ScalarMult(lp, s.random[:])
		}
	}
	if err != nil {
		return err
	}

	s.z = z.Bytes()
	s.v = v.Bytes()
	if len(s.z) != PointSize || len(s.v) != PointSize {
		return ErrInvalidPoint
	}
	s.peerShare = append([]byte(nil), peerShare...)

	s.deriveKeys()
	s.state = stateKeysDerived
	return nil
}

// Confirmation returns cA = HMAC(KcA, Y) for the Prover or
// cB = HMAC(KcB, X) for the Verifier.
func (s *SPAKE2P) Confirmation() ([]byte, error) {
	if s.state != stateKeysDerived && s.state != stateConfirmed {
		return nil, ErrInvalidState
	}
	if s.role == RoleProver {
		return crypto.HMACSHA256(s.kcA[:], s.peerShare), nil
	}
	return crypto.HMACSHA256(s.kcB[:], s.peerShare), nil
}

// VerifyPeerConfirmation checks the peer's confirmation in constant time.
func (s *SPAKE2P) VerifyPeerConfirmation(peerConfirm []byte) error {
	if s.state != stateKeysDerived && s.state != stateConfirmed {
		return ErrInvalidState
	}
	var expected []byte
	if s.role == RoleProver {
		expected = crypto.HMACSHA256(s.kcB[:], s.myShare)
	} else {
		expected = crypto.HMACSHA256(s.kcA[:], s.myShare)
	}
	if !crypto.HMACEqual(expected, peerConfirm) {
		return ErrConfirmationFailed
	}
	s.state = stateConfirmed
	return nil
}

// SharedSecret returns a copy of Ke once the peer's confirmation verified.
func (s *SPAKE2P) SharedSecret() ([]byte, error) {
	if s.state != stateConfirmed {
		return nil, ErrInvalidState
	}
	return append([]byte(nil), s.ke[:]...), nil
}

// Zeroize overwrites every secret held by s. The instance is unusable
// afterwards.
func (s *SPAKE2P) Zeroize() {
	crypto.WipeAll(s.w0[:], s.w1[:], s.random[:], s.z, s.v,
		s.ka[:], s.ke[:], s.kcA[:], s.kcB[:], s.l)
	s.hasRandom = false
	s.state = stateZeroized
}

func (s *SPAKE2P) deriveKeys() {
	tt := s.transcript()
	kae := sha256.Sum256(tt)
	crypto.Wipe(tt)

	copy(s.ka[:], kae[:KeySize])
	copy(s.ke[:], kae[KeySize:])
	crypto.Wipe(kae[:])

	// HKDF cannot fail for 32 bytes of output.
	kc, _ := crypto.HKDFSHA256(s.ka[:], nil, confirmationKeysInfo, 2*KeySize)
	copy(s.kcA[:], kc[:KeySize])
	copy(s.kcB[:], kc[KeySize:])
	crypto.Wipe(kc)
}

// transcript builds TT with 8-byte little-endian length prefixes:
// Context, A, B, M, N, X, Y, Z, V, w0.
func (s *SPAKE2P) transcript() []byte {
	x, y := s.myShare, s.peerShare
	if s.role == RoleVerifier {
		x, y = s.peerShare, s.myShare
	}

	var tt []byte
	tt = appendWithLen64(tt, s.context)
	tt = appendWithLen64(tt, s.idProver)
	tt = appendWithLen64(tt, s.idVerifier)
	tt = appendWithLen64(tt, pointMBytes)
	tt = appendWithLen64(tt, pointNBytes)
	tt = appendWithLen64(tt, x)
	tt = appendWithLen64(tt, y)
	tt = appendWithLen64(tt, s.z)
	tt = appendWithLen64(tt, s.v)
	tt = appendWithLen64(tt, trimLeadingZeros(s.w0[:]))
	return tt
}

func appendWithLen64(dst, data []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(len(data)))
	return append(dst, data...)
}

// trimLeadingZeros returns the minimal big-endian encoding of a scalar,
// which is how w0 enters the transcript.
func trimLeadingZeros(b []byte) []byte {
	for len(b) > 1 && b[0] == 0 {
		b = b[1:]
	}
	return b
}

func decodePoint(b []byte) (*nistec.P256Point, error) {
	// Only uncompressed non-identity encodings are accepted on the wire.
	if len(b) != PointSize || b[0] != 0x04 {
		return nil, ErrInvalidPoint
	}
	p, err := nistec.NewP256Point().SetBytes(b)
	if err != nil {
		return nil, ErrInvalidPoint
	}
	return p, nil
}

// computeShare returns random*P + w0*gen.
func computeShare(random, w0, gen []byte) ([]byte, error) {
	rp, err := nistec.NewP256Point().ScalarBaseMult(random)
	if err != nil {
		return nil, err
	}
	sum, err := addScaled(rp, gen, w0)
	if err != nil {
		return nil, err
	}
	out := sum.Bytes()
	if len(out) != PointSize {
		return nil, ErrInvalidPoint
	}
	return out, nil
}

// addScaled returns base + k*gen.
func addScaled(base *nistec.P256Point, gen, k []byte) (*nistec.P256Point, error) {
	g, err := nistec.NewP256Point().SetBytes(gen)
	if err != nil {
		return nil, err
	}
	kg, err := nistec.NewP256Point().ScalarMult(g, k)
	if err != nil {
		return nil, err
	}
	return nistec.NewP256Point().Add(base, kg), nil
}

func validScalar(b []byte) bool {
	if len(b) != ScalarSize {
		return false
	}
	k := new(big.Int).SetBytes(b)
	defer wipeInt(k)
	return k.Sign() > 0 && k.Cmp(curveOrder) < 0
}

func randomScalar(r io.Reader, out []byte) error {
	for {
		if _, err := io.ReadFull(r, out); err != nil {
			return err
		}
		if validScalar(out) {
			return nil
		}
	}
}

// negateScalar returns (n - k) mod n as 32 bytes.
func negateScalar(k []byte) []byte {
	v := new(big.Int).SetBytes(k)
	defer wipeInt(v)
	v.Sub(curveOrder, v)
	v.Mod(v, curveOrder)
	out := make([]byte, ScalarSize)
	v.FillBytes(out)
	return out
}

// reduceScalar returns b mod n as 32 bytes.
func reduceScalar(b []byte) []byte {
	v := new(big.Int).SetBytes(b)
	defer wipeInt(v)
	v.Mod(v, curveOrder)
	out := make([]byte, ScalarSize)
	v.FillBytes(out)
	return out
}

func wipeInt(v *big.Int) {
	words := v.Bits()
	for i := range words {
		words[i] = 0
	}
}
