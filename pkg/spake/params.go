package spake

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/knxiot/pkg/codec"
	"github.com/backkem/knxiot/pkg/crypto"
	"github.com/backkem/knxiot/pkg/crypto/spake2p"
	"github.com/backkem/knxiot/pkg/storage"
)

// ParamsKey is the storage key of the responder parameters.
const ParamsKey = "spake/params"

// Params are the responder's password parameters. W0 and L are derived
// from the password with Salt and Iterations; the password itself is not
// needed to answer a handshake.
type Params struct {
	Random     []byte `cbor:"0,keyasint"`
	Salt       []byte `cbor:"1,keyasint"`
	Iterations int    `cbor:"2,keyasint"`
	W0         []byte `cbor:"3,keyasint"`
	L          []byte `cbor:"4,keyasint"`
}

// GenerateParams draws a fresh nonce, salt and iteration count from r and
// derives W0 and L from password.
func GenerateParams(r io.Reader, password []byte) (*Params, error) {
	if len(password) == 0 {
		return nil, ErrNoPassword
	}
	if r == nil {
		r = rand.Reader
	}
	p := &Params{
		Random: make([]byte, RandomSize),
		Salt:   make([]byte, SaltSize),
	}
	if _, err := io.ReadFull(r, p.Random); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, p.Salt); err != nil {
		return nil, err
	}
	it, err := rand.Int(r, big.NewInt(MaxIterations-MinIterations))
	if err != nil {
		return nil, err
	}
	p.Iterations = int(it.Int64()) + MinIterations

	w0, w1, err := spake2p.ComputeW0W1(password, p.Salt, p.Iterations)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(w1)
	p.L, err = spake2p.ComputeL(w1)
	if err != nil {
		crypto.Wipe(w0)
		return nil, err
	}
	p.W0 = w0
	return p, nil
}

// Validate checks sizes and ranges.
func (p *Params) Validate() error {
	if len(p.Random) != RandomSize || len(p.Salt) != SaltSize ||
		len(p.W0) != spake2p.ScalarSize || len(p.L) != spake2p.PointSize {
		return fmt.Errorf("%w: field sizes", ErrInvalidParams)
	}
	return validateIterations(p.Iterations)
}

func validateIterations(it int) error {
	if it < MinIterations || it >= MaxIterations {
		return fmt.Errorf("%w: %d iterations", ErrInvalidParams, it)
	}
	return nil
}

// Clone returns a deep copy of p.
func (p *Params) Clone() *Params {
	return &Params{
		Random:     bytes.Clone(p.Random),
		Salt:       bytes.Clone(p.Salt),
		Iterations: p.Iterations,
		W0:         bytes.Clone(p.W0),
		L:          bytes.Clone(p.L),
	}
}

// Wipe zeroes W0.
func (p *Params) Wipe() {
	crypto.Wipe(p.W0)
}

// ParamStore keeps the responder parameters. They are generated on first
// use, persisted, and reused by every handshake until one confirms.
//
// Thread Safety: All methods are safe for concurrent use.
type ParamStore struct {
	mu       sync.Mutex
	storage  storage.Storage
	password []byte
	rand     io.Reader
	current  *Params
	log      logging.LeveledLogger
}

// NewParamStore creates a store deriving parameters from password.
// Storage may be nil, in which case parameters live in memory only.
func NewParamStore(s storage.Storage, password []byte, r io.Reader, loggerFactory logging.LoggerFactory) *ParamStore {
	if s == nil {
		s = storage.NewMemoryStorage()
	}
	if r == nil {
		r = rand.Reader
	}
	ps := &ParamStore{
		storage:  s,
		password: bytes.Clone(password),
		rand:     r,
	}
	if loggerFactory != nil {
		ps.log = loggerFactory.NewLogger("spake")
	}
	return ps
}

// Current returns a copy of the active parameters, loading or generating
// them as needed.
func (ps *ParamStore) Current() (*Params, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.current != nil {
		return ps.current.Clone(), nil
	}

	if p, err := ps.load(); err == nil {
		ps.current = p
		return p.Clone(), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		ps.warnf("discarding stored parameters: %v", err)
	}

	p, err := GenerateParams(ps.rand, ps.password)
	if err != nil {
		return nil, err
	}
	ps.current = p
	ps.save(p)
	return p.Clone(), nil
}

// Set replaces the active parameters, for example with values
// provisioned at the factory.
func (ps *ParamStore) Set(p *Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.current != nil {
		ps.current.Wipe()
	}
	ps.current = p.Clone()
	ps.save(ps.current)
	return nil
}

// Rotate discards the active parameters. The next Current generates new
// ones.
func (ps *ParamStore) Rotate() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.current != nil {
		ps.current.Wipe()
		ps.current = nil
	}
	if err := ps.storage.Delete(ParamsKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		ps.warnf("delete parameters: %v", err)
	}
}

func (ps *ParamStore) load() (*Params, error) {
	data, err := ps.storage.Load(ParamsKey)
	if err != nil {
		return nil, err
	}
	var p Params
	if err := codec.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// save persists p. Failures are logged: the parameters stay usable in
// memory.
func (ps *ParamStore) save(p *Params) {
	data, err := codec.Marshal(p)
	if err != nil {
		ps.warnf("encode parameters: %v", err)
		return
	}
	if err := ps.storage.Save(ParamsKey, data); err != nil {
		ps.warnf("save parameters: %v", err)
	}
}

func (ps *ParamStore) warnf(format string, args ...any) {
	if ps.log != nil {
		ps.log.Warnf(format, args...)
	}
}
