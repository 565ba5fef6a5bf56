package oscore

import (
	"bytes"
	"container/list"
	"sync"
)

// DefaultExchangeCapacity is the default number of tracked exchanges.
const DefaultExchangeCapacity = 32

// Exchange correlates a protected request with its response.
type Exchange struct {
	Addr      string
	Token     []byte
	MessageID uint16

	// Outgoing is set for requests this side sent.
	Outgoing bool

	// Index and RecordID identify the context that protected the request.
	Index    int
	RecordID string

	RequestKID []byte
	RequestPIV []byte
}

type exchangeKey struct {
	addr     string
	token    string
	outgoing bool
}

func (e *Exchange) key() exchangeKey {
	return exchangeKey{addr: e.Addr, token: string(e.Token), outgoing: e.Outgoing}
}

// ExchangeTracker remembers recent exchanges by (peer, token), bounded
// with least-recently-used eviction.
//
// Thread Safety: All methods are safe for concurrent use.
type ExchangeTracker struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[exchangeKey]*list.Element
}

// NewExchangeTracker creates a tracker holding at most capacity exchanges.
func NewExchangeTracker(capacity int) *ExchangeTracker {
	if capacity <= 0 {
		capacity = DefaultExchangeCapacity
	}
	return &ExchangeTracker{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[exchangeKey]*list.Element),
	}
}

// Track records ex, replacing an exchange with the same peer and token.
func (t *ExchangeTracker) Track(ex Exchange) {
	ex.Token = bytes.Clone(ex.Token)
	ex.RequestKID = bytes.Clone(ex.RequestKID)
	ex.RequestPIV = bytes.Clone(ex.RequestPIV)

	t.mu.Lock()
	defer t.mu.Unlock()

	k := ex.key()
	if el, ok := t.entries[k]; ok {
		el.Value = &ex
		t.order.MoveToFront(el)
		return
	}
	if t.order.Len() >= t.capacity {
		oldest := t.order.Back()
		t.order.Remove(oldest)
		delete(t.entries, oldest.Value.(*Exchange).key())
	}
	t.entries[k] = t.order.PushFront(&ex)
}

// Lookup returns the exchange for (addr, token).
func (t *ExchangeTracker) Lookup(addr string, token []byte, outgoing bool) (Exchange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[exchangeKey{addr: addr, token: string(token), outgoing: outgoing}]
	if !ok {
		return Exchange{}, false
	}
	t.order.MoveToFront(el)
	return *el.Value.(*Exchange), true
}

// LookupMessageID returns the exchange whose request had message id mid.
// Empty acknowledgements carry no token and are matched this way.
func (t *ExchangeTracker) LookupMessageID(addr string, mid uint16, outgoing bool) (Exchange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for el := t.order.Front(); el != nil; el = el.Next() {
		ex := el.Value.(*Exchange)
		if ex.Addr == addr && ex.MessageID == mid && ex.Outgoing == outgoing {
			return *ex, true
		}
	}
	return Exchange{}, false
}

// Remove forgets the exchange for (addr, token).
func (t *ExchangeTracker) Remove(addr string, token []byte, outgoing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := exchangeKey{addr: addr, token: string(token), outgoing: outgoing}
	if el, ok := t.entries[k]; ok {
		t.order.Remove(el)
		delete(t.entries, k)
	}
}

// Len returns the number of tracked exchanges.
func (t *ExchangeTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
