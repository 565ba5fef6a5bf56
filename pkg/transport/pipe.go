package transport

import (
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures loss simulation on a Pipe. Both rates are
// probabilities in [0, 1] and apply to datagrams in either direction.
type NetworkCondition struct {
	// DropRate is the probability of silently dropping a datagram.
	DropRate float64

	// DuplicateRate is the probability of delivering a datagram twice.
	DuplicateRate float64
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor delivers.
	// Default: 1ms
	ProcessInterval time.Duration

	// Seed makes loss simulation reproducible. Zero picks a random seed.
	Seed uint64
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: time.Millisecond,
	}
}

// Pipe connects two datagram endpoints in memory. It wraps pion's
// test.Bridge and adds loss simulation.
//
// Use Pipe for deterministic tests and demos without real network I/O.
// With AutoProcess disabled, nothing is delivered until Tick or Process
// is called.
type Pipe struct {
	bridge *test.Bridge
	conns  [2]*PipePacketConn

	mu              sync.RWMutex
	condition       NetworkCondition
	closed          bool
	rng             *rand.Rand
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewPipe creates a pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}
	if p.processInterval == 0 {
		p.processInterval = time.Millisecond
	}
	p.conns[0] = &PipePacketConn{conn: p.bridge.GetConn0(), local: PipeAddr{ID: 0}, peer: PipeAddr{ID: 1}, pipe: p}
	p.conns[1] = &PipePacketConn{conn: p.bridge.GetConn1(), local: PipeAddr{ID: 1}, peer: PipeAddr{ID: 0}, pipe: p}

	if p.autoProcess {
		p.startAutoProcess()
	}
	return p
}

func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}(p.stopCh)
}

// SetAutoProcess enables or disables automatic delivery.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	if p.closed || p.autoProcess == enabled {
		p.mu.Unlock()
		return
	}
	p.autoProcess = enabled
	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

// AutoProcess returns whether auto-processing is enabled.
func (p *Pipe) AutoProcess() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoProcess
}

// SetCondition configures loss simulation.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current loss simulation.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// Conn returns the packet connection of endpoint id (0 or 1).
func (p *Pipe) Conn(id int) *PipePacketConn {
	if id < 0 || id > 1 {
		return nil
	}
	return p.conns[id]
}

// Tick delivers at most one datagram in each direction and returns the
// number delivered.
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers every queued datagram and returns the number delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

// Close stops auto-processing and closes both endpoints.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	err0 := p.bridge.GetConn0().Close()
	err1 := p.bridge.GetConn1().Close()
	if err0 != nil {
		return err0
	}
	return err1
}

// roll decides whether a datagram is dropped or duplicated.
func (p *Pipe) roll() (drop, duplicate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cond := p.condition
	if cond.DropRate > 0 && p.rng.Float64() < cond.DropRate {
		return true, false
	}
	return false, cond.DuplicateRate > 0 && p.rng.Float64() < cond.DuplicateRate
}

// PipeAddr is the address of a pipe endpoint.
type PipeAddr struct {
	ID int
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d", a.ID) }

// PipePacketConn is one end of a Pipe as a net.PacketConn. WriteTo ignores
// the address since the pipe has a single peer.
type PipePacketConn struct {
	conn  net.Conn
	local PipeAddr
	peer  PipeAddr
	pipe  *Pipe
}

// ReadFrom reads a datagram; the address is always the peer's.
func (c *PipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.conn.Read(b)
	return n, c.peer, err
}

// WriteTo queues a datagram for the peer, subject to the pipe's condition.
func (c *PipePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	drop, duplicate := c.pipe.roll()
	if drop {
		return len(b), nil
	}
	if duplicate {
		if _, err := c.conn.Write(b); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(b)
}

func (c *PipePacketConn) Close() error { return c.conn.Close() }

func (c *PipePacketConn) LocalAddr() net.Addr { return c.local }

// PeerAddr returns the address of the other end.
func (c *PipePacketConn) PeerAddr() net.Addr { return c.peer }

func (c *PipePacketConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *PipePacketConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

var _ net.PacketConn = (*PipePacketConn)(nil)
