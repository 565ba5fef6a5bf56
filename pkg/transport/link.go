package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// DefaultPort is the CoAP port KNX-IoT devices listen on.
const DefaultPort = 5683

// Handler is called for each frame a Link receives. It runs on the
// link's read loop and should return quickly.
type Handler func(f *Frame, from net.Addr)

// LinkConfig configures a Link.
type LinkConfig struct {
	// Conn is an optional pre-existing PacketConn, for example one end of
	// a Pipe. If nil, a UDP socket is opened on ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the UDP address to listen on. Ignored if Conn is set.
	// Default: ":0"
	ListenAddr string

	// Handler is called for each received frame. Required.
	Handler Handler

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Link sends and receives frames over a datagram connection.
type Link struct {
	conn    net.PacketConn
	handler Handler
	closeCh chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewLink creates a link with the given configuration.
func NewLink(config LinkConfig) (*Link, error) {
	if config.Handler == nil {
		return nil, ErrNoHandler
	}

	l := &Link{
		conn:    config.Conn,
		handler: config.Handler,
		closeCh: make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("transport")
	}

	if l.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		l.conn = conn
	}
	return l, nil
}

// Start begins the read loop.
func (l *Link) Start() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.started = true
	l.mu.Unlock()

	if l.log != nil {
		l.log.Infof("link listening on %s", l.conn.LocalAddr())
	}

	l.wg.Add(1)
	go l.readLoop()
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (l *Link) Stop() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	l.mu.Unlock()

	close(l.closeCh)
	l.conn.SetReadDeadline(time.Now())
	l.conn.Close()
	l.wg.Wait()
	return nil
}

// Send encodes f and writes it to addr.
func (l *Link) Send(f *Frame, addr net.Addr) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if addr == nil {
		return ErrInvalidAddress
	}

	data, err := f.Encode()
	if err != nil {
		return err
	}
	if l.log != nil {
		l.log.Debugf("sending %s frame (%d bytes) to %v", f.Kind, len(data), addr)
	}
	if _, err := l.conn.WriteTo(data, addr); err != nil {
		if l.log != nil {
			l.log.Warnf("send to %v failed: %v", addr, err)
		}
		return err
	}
	return nil
}

// LocalAddr returns the local address.
func (l *Link) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *Link) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, MaxFrameSize)
	for {
		select {
		case <-l.closeCh:
			return
		default:
		}

		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
			}
			if l.log != nil {
				l.log.Warnf("read error: %v", err)
			}
			if isClosedConn(err) {
				return
			}
			continue
		}
		if n == 0 {
			continue
		}

		f, err := DecodeFrame(buf[:n])
		if err != nil {
			if l.log != nil {
				l.log.Debugf("dropping datagram from %v: %v", addr, err)
			}
			continue
		}
		l.handler(f, addr)
	}
}

// isClosedConn reports whether err means the connection is gone for good.
func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
