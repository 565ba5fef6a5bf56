package spake2p

import (
	"errors"

	"filippo.io/nistec"

	"github.com/backkem/knxiot/pkg/crypto"
)

var ErrInvalidPBKDFParams = errors.New("spake2p: invalid PBKDF2 parameters")

// ComputeW0W1 derives the two password scalars:
//
//	ws  = PBKDF2-SHA256(password, salt, iterations, 40)
//	w0  = ws[0:20] mod n
//	w1  = ws[20:40] mod n
//
// Both results are 32-byte big-endian scalars. The caller wipes them.
func ComputeW0W1(password, salt []byte, iterations int) (w0, w1 []byte, err error) {
	if len(salt) == 0 || iterations < 1 {
		return nil, nil, ErrInvalidPBKDFParams
	}
	ws := crypto.PBKDF2SHA256(password, salt, iterations, WsSize)
	defer crypto.Wipe(ws)

	w0 = reduceScalar(ws[:WsSize/2])
	w1 = reduceScalar(ws[WsSize/2:])
	return w0, w1, nil
}

// ComputeL returns the registration point L = w1*P, uncompressed.
func ComputeL(w1 []byte) ([]byte, error) {
	if len(w1) != ScalarSize {
		return nil, ErrInvalidScalar
	}
	p, err := nistec.NewP256Point().ScalarBaseMult(w1)
	if err != nil {
		return nil, err
	}
	out := p.Bytes()
	if len(out) != PointSize {
		return nil, ErrInvalidPoint
	}
	return out, nil
}
