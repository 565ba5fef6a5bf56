package oscore

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/knxiot/pkg/auth"
	"github.com/backkem/knxiot/pkg/storage"
)

// DefaultStoreCapacity is the default number of cached contexts.
const DefaultStoreCapacity = 20

// StoreConfig configures a Store.
type StoreConfig struct {
	// Table supplies the records contexts are derived from. Required.
	Table *auth.Table

	// Storage holds sequence checkpoints. If nil, an in-memory store is
	// used and sequence numbers only survive context rebuilds.
	Storage storage.Storage

	// Capacity bounds the number of cached contexts. Default: 20.
	Capacity int

	CheckpointInterval uint64
	SequenceMargin     uint64
	ReplayWindow       int

	LoggerFactory logging.LoggerFactory
}

// Store caches the contexts derived from the access-token table. A miss
// builds the context from the table, evicting the least recently used
// one when full. The store subscribes to table changes and rebuilds.
//
// Thread Safety: All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	config   StoreConfig
	contexts []*Context
	tick     uint64
	windows  *windowSet
	log      logging.LeveledLogger
}

// NewStore creates a store over config.Table.
func NewStore(config StoreConfig) (*Store, error) {
	if config.Table == nil {
		return nil, errors.New("oscore: store requires a table")
	}
	if config.Storage == nil {
		config.Storage = storage.NewMemoryStorage()
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultStoreCapacity
	}
	if config.CheckpointInterval == 0 {
		config.CheckpointInterval = DefaultCheckpointInterval
	}
	if config.ReplayWindow <= 0 {
		config.ReplayWindow = DefaultReplayWindow
	}

	s := &Store{
		config:  config,
		windows: newWindowSet(config.ReplayWindow, 8*config.Table.Capacity()),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("oscore")
	}
	config.Table.OnChange(s.Rebuild)
	return s, nil
}

// Len returns the number of cached contexts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

// ByKID resolves the context for an inbound message whose author is kid.
// If kidContext is non-nil the context id must match too.
func (s *Store) ByKID(kid, kidContext []byte) (*Context, error) {
	return s.lookup(
		func(c *Context) bool {
			return !c.group && bytes.Equal(c.recipientID, kid) &&
				(kidContext == nil || bytes.Equal(c.contextID, kidContext))
		},
		func() (int, *auth.Record, bool) { return s.config.Table.FindByRecipientID(kid, kidContext) },
	)
}

// ByIndex resolves the context of table slot index.
func (s *Store) ByIndex(index int) (*Context, error) {
	return s.lookup(
		func(c *Context) bool { return c.index == index },
		func() (int, *auth.Record, bool) {
			rec, ok := s.config.Table.Get(index)
			if !ok || !rec.IsOSCORE() {
				return -1, nil, false
			}
			return index, rec, true
		},
	)
}

// ByOSCOREID resolves the unicast context whose sender id is id, the
// identifier configured for a destination.
func (s *Store) ByOSCOREID(id []byte) (*Context, error) {
	return s.lookup(
		func(c *Context) bool { return !c.group && bytes.Equal(c.senderID, id) },
		func() (int, *auth.Record, bool) { return s.config.Table.FindBySenderID(id) },
	)
}

// ByGroupAddress resolves the group context listing ga.
func (s *Store) ByGroupAddress(ga uint32) (*Context, error) {
	return s.lookup(
		func(c *Context) bool { return c.group && c.hasGroupAddress(ga) },
		func() (int, *auth.Record, bool) { return s.config.Table.FindByGroupAddress(ga) },
	)
}

func (s *Store) lookup(cached func(*Context) bool, fromTable func() (int, *auth.Record, bool)) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.contexts {
		if cached(c) {
			s.touch(c)
			return c, nil
		}
	}

	index, rec, ok := fromTable()
	if !ok {
		return nil, ErrUnknownContext
	}
	defer rec.Wipe()

	// The record may already be cached under a predicate that did not
	// match, for example a group record looked up by index.
	for _, c := range s.contexts {
		if c.index == index {
			s.touch(c)
			return c, nil
		}
	}

	c, err := newContext(index, rec, &s.config, s.windows)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("derive context for slot %d: %v", index, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnknownContext, err)
	}
	if len(s.contexts) >= s.config.Capacity {
		s.evict()
	}
	s.contexts = append(s.contexts, c)
	s.touch(c)
	if s.log != nil {
		s.log.Debugf("derived context for record %q (slot %d)", rec.ID, index)
	}
	return c, nil
}

func (s *Store) touch(c *Context) {
	s.tick++
	c.lastUsed = s.tick
}

// evict drops the least recently used context. Caller holds s.mu.
func (s *Store) evict() {
	lru := 0
	for i, c := range s.contexts {
		if c.lastUsed < s.contexts[lru].lastUsed {
			lru = i
		}
	}
	victim := s.contexts[lru]
	s.contexts = append(s.contexts[:lru], s.contexts[lru+1:]...)
	victim.wipe()
	if s.log != nil {
		s.log.Debugf("evicted context for slot %d", victim.index)
	}
}

// Rebuild wipes and drops every cached context. Contexts are derived
// again on next use. Checkpoints of records no longer in the table are
// erased.
func (s *Store) Rebuild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contexts {
		c.wipe()
	}
	s.contexts = nil
	s.pruneCheckpoints()
}

// pruneCheckpoints deletes the sequence checkpoints that belong to no
// OSCORE record. Caller holds s.mu.
func (s *Store) pruneCheckpoints() {
	live := make(map[string]bool)
	for _, e := range s.config.Table.Records() {
		if e.Record.IsOSCORE() {
			live[SequenceKey(e.Record.SenderID, e.Record.RecipientID, e.Record.ContextID)] = true
		}
		e.Record.Wipe()
	}
	keys, err := s.config.Storage.Keys(sequencePrefix)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("list checkpoints: %v", err)
		}
		return
	}
	for _, key := range keys {
		if live[key] {
			continue
		}
		if err := s.config.Storage.Delete(key); err != nil && s.log != nil {
			s.log.Warnf("erase checkpoint %s: %v", key, err)
		}
	}
}
