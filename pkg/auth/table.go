package auth

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/knxiot/pkg/storage"
)

// DefaultCapacity is the number of slots of the auth/at table.
const DefaultCapacity = 20

// Table errors.
var (
	// ErrTableFull is returned when no free slot is left.
	ErrTableFull = errors.New("auth: table full")
	// ErrNotFound is returned when no record has the given id.
	ErrNotFound = errors.New("auth: record not found")
	// ErrInvalidIndex is returned for an out-of-range slot index.
	ErrInvalidIndex = errors.New("auth: invalid slot index")
)

// ResetCode selects which records Reset clears.
type ResetCode uint8

const (
	// ResetAll clears every slot.
	ResetAll ResetCode = iota + 1
	// ResetUnprotected clears every slot whose scope lacks ScopeProtected.
	ResetUnprotected
)

// TableConfig configures the access-token table.
type TableConfig struct {
	// Capacity is the number of slots. Default: 20.
	Capacity int

	// Storage persists each slot. If nil, the table is memory-only.
	Storage storage.Storage

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Entry is an occupied slot.
type Entry struct {
	Index  int
	Record *Record
}

// Table is the fixed-capacity access-token table.
//
// Every successful mutation is persisted slot by slot (best effort) and
// then announced to the registered change listeners.
//
// Thread Safety: All methods are safe for concurrent use. Listeners run
// without the table lock held.
type Table struct {
	mu        sync.RWMutex
	slots     []Record
	storage   storage.Storage
	log       logging.LeveledLogger
	listeners []func()
}

// NewTable creates an empty table.
func NewTable(config TableConfig) *Table {
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	t := &Table{
		slots:   make([]Record, config.Capacity),
		storage: config.Storage,
	}
	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("auth")
	}
	return t
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int { return len(t.slots) }

// Len returns the number of occupied slots.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.slots {
		if t.slots[i].ID != "" {
			n++
		}
	}
	return n
}

// OnChange registers fn to run after every successful mutation.
func (t *Table) OnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Table) notify() {
	t.mu.RLock()
	listeners := append([]func(){}, t.listeners...)
	t.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// Find returns the slot index of the record with the given id.
func (t *Table) Find(id string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.find(id)
}

func (t *Table) find(id string) (int, bool) {
	if id == "" {
		return -1, false
	}
	for i := range t.slots {
		if t.slots[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// FindEmpty returns the index of the first free slot.
func (t *Table) FindEmpty() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.findEmpty()
}

func (t *Table) findEmpty() (int, bool) {
	for i := range t.slots {
		if t.slots[i].ID == "" {
			return i, true
		}
	}
	return -1, false
}

// Get returns a copy of the record in slot index.
//
// Returns (nil, false) if the slot is empty or out of range.
func (t *Table) Get(index int) (*Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= len(t.slots) || t.slots[index].ID == "" {
		return nil, false
	}
	return t.slots[index].Clone(), true
}

// Records returns copies of every occupied slot in index order.
func (t *Table) Records() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for i := range t.slots {
		if t.slots[i].ID != "" {
			out = append(out, Entry{Index: i, Record: t.slots[i].Clone()})
		}
	}
	return out
}

// FindByRecipientID returns the OSCORE record whose recipient id equals
// rid and, if contextID is non-nil, whose context id equals contextID.
func (t *Table) FindByRecipientID(rid, contextID []byte) (int, *Record, bool) {
	return t.match(func(r *Record) bool {
		return bytes.Equal(r.RecipientID, rid) &&
			(contextID == nil || bytes.Equal(r.ContextID, contextID))
	})
}

// FindBySenderID returns the OSCORE record whose sender id equals sid.
func (t *Table) FindBySenderID(sid []byte) (int, *Record, bool) {
	return t.match(func(r *Record) bool { return bytes.Equal(r.SenderID, sid) })
}

// FindByGroupAddress returns the OSCORE group record listing ga.
func (t *Table) FindByGroupAddress(ga uint32) (int, *Record, bool) {
	return t.match(func(r *Record) bool { return r.IsGroup() && r.HasGroupAddress(ga) })
}

func (t *Table) match(pred func(*Record) bool) (int, *Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.slots {
		r := &t.slots[i]
		if r.ID != "" && r.IsOSCORE() && pred(r) {
			return i, r.Clone(), true
		}
	}
	return -1, nil, false
}

// Put inserts rec, or overwrites the record with the same id, and
// returns its slot index.
//
// Returns ErrTableFull if rec is new and no slot is free.
func (t *Table) Put(rec *Record) (int, error) {
	if err := rec.Validate(); err != nil {
		return -1, err
	}

	t.mu.Lock()
	index, ok := t.find(rec.ID)
	if !ok {
		index, ok = t.findEmpty()
		if !ok {
			t.mu.Unlock()
			return -1, ErrTableFull
		}
	}
	t.slots[index].Wipe()
	t.slots[index] = *rec.Clone()
	t.persist(index)
	t.mu.Unlock()

	if t.log != nil {
		t.log.Debugf("stored record %q in slot %d", rec.ID, index)
	}
	t.notify()
	return index, nil
}

// Delete clears the slot holding id and erases its persisted copy.
func (t *Table) Delete(id string) error {
	t.mu.Lock()
	index, ok := t.find(id)
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	t.clear(index)
	t.mu.Unlock()

	t.notify()
	return nil
}

// DeleteIndex clears slot index.
func (t *Table) DeleteIndex(index int) error {
	t.mu.Lock()
	if index < 0 || index >= len(t.slots) {
		t.mu.Unlock()
		return ErrInvalidIndex
	}
	if t.slots[index].ID == "" {
		t.mu.Unlock()
		return ErrNotFound
	}
	t.clear(index)
	t.mu.Unlock()

	t.notify()
	return nil
}

// Reset clears the slots selected by code and returns how many were
// cleared. Listeners are notified even when nothing was cleared.
func (t *Table) Reset(code ResetCode) int {
	t.mu.Lock()
	n := 0
	for i := range t.slots {
		if t.slots[i].ID == "" {
			continue
		}
		if code == ResetUnprotected && t.slots[i].Scope.Has(ScopeProtected) {
			continue
		}
		t.clear(i)
		n++
	}
	t.mu.Unlock()

	if t.log != nil {
		t.log.Infof("reset code %d cleared %d records", code, n)
	}
	t.notify()
	return n
}

// Load replaces the in-memory slots with the persisted ones. Slots that
// are missing or fail to decode stay empty. Backend read errors are
// returned joined, after every slot has been tried.
func (t *Table) Load() (int, error) {
	if t.storage == nil {
		return 0, nil
	}

	t.mu.Lock()
	var errs []error
	n := 0
	for i := range t.slots {
		t.slots[i].Wipe()
	}
	for i := range t.slots {
		data, err := t.storage.Load(SlotKey(i))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rec, err := UnmarshalRecord(data)
		if err != nil {
			if t.log != nil {
				t.log.Warnf("slot %d: %v", i, err)
			}
			continue
		}
		if _, dup := t.find(rec.ID); dup {
			if t.log != nil {
				t.log.Warnf("slot %d: duplicate id %q ignored", i, rec.ID)
			}
			continue
		}
		t.slots[i] = *rec
		n++
	}
	t.mu.Unlock()

	t.notify()
	if len(errs) > 0 {
		return n, fmt.Errorf("auth: load: %w", errors.Join(errs...))
	}
	return n, nil
}

// clear wipes slot index and deletes its persisted copy. Caller holds t.mu.
func (t *Table) clear(index int) {
	t.slots[index].Wipe()
	if t.storage == nil {
		return
	}
	if err := t.storage.Delete(SlotKey(index)); err != nil && t.log != nil {
		t.log.Warnf("delete slot %d: %v", index, err)
	}
}

// persist writes slot index. Caller holds t.mu.
func (t *Table) persist(index int) {
	if t.storage == nil {
		return
	}
	data, err := MarshalRecord(&t.slots[index])
	if err == nil {
		err = t.storage.Save(SlotKey(index), data)
	}
	if err != nil && t.log != nil {
		t.log.Warnf("persist slot %d: %v", index, err)
	}
}
