package oscore

import "sync"

// DefaultReplayWindow is the default window size (rplwdo).
const DefaultReplayWindow = 32

// ReplayWindow is a sliding bitmap of recently accepted sequence numbers
// from one sender. Sequence numbers are 40-bit and never roll over.
type ReplayWindow struct {
	mu          sync.Mutex
	size        uint64
	max         uint64 // largest accepted sequence number
	bitmap      uint64 // bit i set: max-1-i accepted
	initialized bool
}

// NewReplayWindow creates an empty window of the given size, clamped to
// [1, 64].
func NewReplayWindow(size int) *ReplayWindow {
	if size <= 0 {
		size = DefaultReplayWindow
	}
	if size > 64 {
		size = 64
	}
	return &ReplayWindow{size: uint64(size)}
}

// CheckAndAccept reports whether seq is new and, if so, records it. The
// check and the update happen under one lock.
func (w *ReplayWindow) CheckAndAccept(seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized {
		w.max = seq
		w.bitmap = 0
		w.initialized = true
		return true
	}
	if seq > w.max {
		w.advance(seq)
		return true
	}
	if seq == w.max {
		return false
	}

	offset := w.max - seq - 1
	if offset >= w.size {
		// Behind the window.
		return false
	}
	mask := uint64(1) << offset
	if w.bitmap&mask != 0 {
		return false
	}
	w.bitmap |= mask
	return true
}

func (w *ReplayWindow) advance(newMax uint64) {
	shift := newMax - w.max
	if shift > w.size {
		w.bitmap = 0
	} else {
		w.bitmap = w.bitmap<<shift | 1<<(shift-1)
	}
	if w.size < 64 {
		w.bitmap &= 1<<w.size - 1
	}
	w.max = newMax
}

// Max returns the largest accepted sequence number.
func (w *ReplayWindow) Max() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.max
}
