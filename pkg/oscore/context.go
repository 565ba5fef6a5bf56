package oscore

import (
	"bytes"
	"sync"

	"github.com/backkem/knxiot/pkg/auth"
	"github.com/backkem/knxiot/pkg/crypto"
)

// maxGroupSenders bounds the per-sender keys cached by a group context.
const maxGroupSenders = 32

// Context is the security context derived from one OSCORE access-token
// record. Keys live in fixed arrays and are wiped when the context is
// evicted or the store is rebuilt; a wiped context refuses every
// operation with ErrUnknownContext.
type Context struct {
	mu sync.Mutex

	index    int
	recordID string
	scope    auth.Scope
	group    bool
	groups   []uint32

	senderID    []byte
	recipientID []byte
	contextID   []byte

	keys         Keys
	masterSecret [auth.MasterSecretSize]byte
	senderKeys   map[string]*[KeySize]byte // group: per-sender recipient keys

	seq     *Sequence
	windows *windowSet

	lastUsed uint64
	wiped    bool
}

func newContext(index int, rec *auth.Record, config *StoreConfig, windows *windowSet) (*Context, error) {
	if !rec.IsOSCORE() {
		return nil, ErrNotOSCORE
	}
	keys, err := DeriveKeys(Params{
		MasterSecret: rec.MasterSecret,
		SenderID:     rec.SenderID,
		RecipientID:  rec.RecipientID,
		ContextID:    rec.ContextID,
	})
	if err != nil {
		return nil, err
	}
	seq, err := NewSequence(SequenceConfig{
		Storage:       config.Storage,
		Key:           SequenceKey(rec.SenderID, rec.RecipientID, rec.ContextID),
		Interval:      config.CheckpointInterval,
		Margin:        config.SequenceMargin,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		keys.Wipe()
		return nil, err
	}

	c := &Context{
		index:       index,
		recordID:    rec.ID,
		scope:       rec.Scope,
		group:       rec.IsGroup(),
		groups:      append([]uint32(nil), rec.GroupAddresses...),
		senderID:    bytes.Clone(nonNil(rec.SenderID)),
		recipientID: bytes.Clone(nonNil(rec.RecipientID)),
		contextID:   bytes.Clone(rec.ContextID),
		keys:        *keys,
		seq:         seq,
		windows:     windows,
	}
	keys.Wipe()
	if c.group {
		copy(c.masterSecret[:], rec.MasterSecret)
		c.senderKeys = make(map[string]*[KeySize]byte)
	}
	return c, nil
}

// Index returns the table slot the context was derived from.
func (c *Context) Index() int { return c.index }

// RecordID returns the id of the source record.
func (c *Context) RecordID() string { return c.recordID }

// Scope returns the scope of the source record.
func (c *Context) Scope() auth.Scope { return c.scope }

// IsGroup reports whether the context is a group context.
func (c *Context) IsGroup() bool { return c.group }

func (c *Context) SenderID() []byte    { return bytes.Clone(c.senderID) }
func (c *Context) RecipientID() []byte { return bytes.Clone(c.recipientID) }
func (c *Context) ContextID() []byte   { return bytes.Clone(c.contextID) }

// Sequence returns the sender sequence number.
func (c *Context) Sequence() *Sequence { return c.seq }

func (c *Context) hasGroupAddress(ga uint32) bool {
	for _, a := range c.groups {
		if a == ga {
			return true
		}
	}
	return false
}

// seal encrypts under the sender key.
func (c *Context) seal(nonceID, piv, plaintext, aad []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wiped {
		return nil, ErrUnknownContext
	}
	nonce := Nonce(nonceID, piv, &c.keys.CommonIV)
	return crypto.AEADSeal(c.keys.SenderKey[:], nonce[:], plaintext, aad)
}

// open decrypts a message authored by kid. It also returns the replay
// window of that sender.
func (c *Context) open(kid, nonceID, piv, ciphertext, aad []byte) ([]byte, *ReplayWindow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wiped {
		return nil, nil, ErrUnknownContext
	}
	key, err := c.recipientKey(kid)
	if err != nil {
		return nil, nil, err
	}
	nonce := Nonce(nonceID, piv, &c.keys.CommonIV)
	pt, err := crypto.AEADOpen(key[:], nonce[:], ciphertext, aad)
	if err != nil {
		return nil, nil, ErrAuthenticationFailure
	}
	return pt, c.windows.get(key, kid), nil
}

// recipientKey returns the key for messages authored by kid. Caller
// holds c.mu.
func (c *Context) recipientKey(kid []byte) (*[KeySize]byte, error) {
	if !c.group {
		if !bytes.Equal(kid, c.recipientID) {
			return nil, ErrUnknownContext
		}
		return &c.keys.RecipientKey, nil
	}
	if k, ok := c.senderKeys[string(kid)]; ok {
		return k, nil
	}
	if len(c.senderKeys) >= maxGroupSenders {
		for id, k := range c.senderKeys {
			crypto.Wipe(k[:])
			delete(c.senderKeys, id)
		}
	}
	var k [KeySize]byte
	if err := derive(k[:], c.masterSecret[:], nil, kid, c.contextID, "Key"); err != nil {
		return nil, err
	}
	c.senderKeys[string(kid)] = &k
	return &k, nil
}

// wipe zeroes all key material and flushes the sequence checkpoint.
func (c *Context) wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wiped {
		return
	}
	c.wiped = true
	c.keys.Wipe()
	crypto.Wipe(c.masterSecret[:])
	for id, k := range c.senderKeys {
		crypto.Wipe(k[:])
		delete(c.senderKeys, id)
	}
	c.seq.Flush()
}

// windowSet holds the replay windows of every sender, keyed by a digest
// of the sender's key and id. Windows outlive context rebuilds, so a
// table change does not reopen the window for old messages, while a new
// key for the same peer starts a fresh window.
type windowSet struct {
	mu   sync.Mutex
	size int
	max  int
	m    map[[crypto.SHA256Size]byte]*ReplayWindow
}

func newWindowSet(size, max int) *windowSet {
	return &windowSet{size: size, max: max, m: make(map[[crypto.SHA256Size]byte]*ReplayWindow)}
}

func (s *windowSet) get(key *[KeySize]byte, kid []byte) *ReplayWindow {
	buf := append(append([]byte{}, key[:]...), kid...)
	id := crypto.SHA256(buf)
	crypto.Wipe(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.m[id]; ok {
		return w
	}
	if len(s.m) >= s.max {
		for k := range s.m {
			delete(s.m, k)
			break
		}
	}
	w := NewReplayWindow(s.size)
	s.m[id] = w
	return w
}
