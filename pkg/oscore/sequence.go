package oscore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/knxiot/pkg/codec"
	"github.com/backkem/knxiot/pkg/storage"
)

// MaxSequence is the largest sequence number a 5-byte partial IV carries.
const MaxSequence = 1<<40 - 1

// Checkpoint defaults.
const (
	DefaultCheckpointInterval = 10
	DefaultSequenceMargin     = 5
)

// sequencePrefix is the storage prefix of every checkpoint.
const sequencePrefix = "oscore/ssn/"

// SequenceKey returns the storage key of the checkpoint of the context
// with the given sender id, recipient id and id context. Contexts that
// share a sender id get distinct keys.
func SequenceKey(senderID, recipientID, contextID []byte) string {
	return sequencePrefix + hex.EncodeToString(senderID) + "-" +
		hex.EncodeToString(recipientID) + "-" + hex.EncodeToString(contextID)
}

// SequenceConfig configures a Sequence.
type SequenceConfig struct {
	// Storage holds the checkpoint. Required.
	Storage storage.Storage

	// Key is the storage key, see SequenceKey.
	Key string

	// Interval is K: a checkpoint is written every Interval increments.
	Interval uint64

	// Margin is added to Interval when restoring a checkpoint.
	Margin uint64

	LoggerFactory logging.LoggerFactory
}

// Sequence is the sender sequence number of a context. It never hands out
// a value twice, including across restarts: every Interval increments the
// next value is persisted, and a restored value is advanced by
// Interval+Margin past the checkpoint.
//
// Safe for concurrent use.
type Sequence struct {
	mu         sync.Mutex
	next       uint64
	checkpoint uint64
	config     SequenceConfig
	log        logging.LeveledLogger
}

// NewSequence restores the sequence from storage. A missing checkpoint
// starts at zero.
func NewSequence(config SequenceConfig) (*Sequence, error) {
	if config.Storage == nil {
		return nil, errors.New("oscore: sequence requires storage")
	}
	if config.Interval == 0 {
		config.Interval = DefaultCheckpointInterval
	}
	s := &Sequence{config: config}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("oscore")
	}

	data, err := config.Storage.Load(config.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.persist(0)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("oscore: load %s: %w", config.Key, err)
	}

	var stored uint64
	if err := codec.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("oscore: decode %s: %w", config.Key, err)
	}
	restored := stored + config.Interval + config.Margin
	if restored < stored || restored > MaxSequence+1 {
		restored = MaxSequence + 1
	}
	s.next = restored
	s.persist(restored)
	if s.log != nil {
		s.log.Debugf("%s restored at %d (checkpoint %d)", config.Key, restored, stored)
	}
	return s, nil
}

// Next returns the sequence number to use and advances the counter.
func (s *Sequence) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next > MaxSequence {
		return 0, ErrSequenceExhausted
	}
	v := s.next
	s.next++
	if s.next-s.checkpoint >= s.config.Interval {
		s.persist(s.next)
	}
	return v, nil
}

// Peek returns the next sequence number without consuming it.
func (s *Sequence) Peek() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Flush writes the current value regardless of the interval.
func (s *Sequence) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist(s.next)
}

// persist records v as the checkpoint. Failures are logged and retried on
// the next increment. Caller holds s.mu or owns s exclusively.
func (s *Sequence) persist(v uint64) {
	data, err := codec.Marshal(v)
	if err == nil {
		err = s.config.Storage.Save(s.config.Key, data)
	}
	if err != nil {
		if s.log != nil {
			s.log.Warnf("checkpoint %s=%d: %v", s.config.Key, v, err)
		}
		return
	}
	s.checkpoint = v
}

// EncodePIV encodes a sequence number as a partial IV.
func EncodePIV(seq uint64) []byte {
	if seq == 0 {
		return []byte{0}
	}
	var buf [8]byte
	n := 0
	for v := seq; v > 0; v >>= 8 {
		n++
	}
	for i := 0; i < n; i++ {
		buf[i] = byte(seq >> (8 * (n - 1 - i)))
	}
	return append([]byte{}, buf[:n]...)
}

// DecodePIV decodes a partial IV into a sequence number.
func DecodePIV(piv []byte) (uint64, error) {
	if len(piv) == 0 || len(piv) > MaxPIVLength {
		return 0, malformed("partial iv length %d", len(piv))
	}
	var v uint64
	for _, b := range piv {
		v = v<<8 | uint64(b)
	}
	return v, nil
}
