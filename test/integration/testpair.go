// Package integration provides test infrastructure for KNX-IoT security
// end-to-end tests.
package integration

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/knxiot/pkg/config"
	"github.com/backkem/knxiot/pkg/device"
	"github.com/backkem/knxiot/pkg/oscore"
	"github.com/backkem/knxiot/pkg/spake"
	"github.com/backkem/knxiot/pkg/storage"
	"github.com/backkem/knxiot/pkg/transport"
)

// TestPair holds a client and a device node connected over a pipe or
// over loopback UDP.
//
// Example usage:
//
//	pair := NewTestPair(t, DefaultTestPairConfig())
//	pair.Pair()
//	resp, err := pair.Request(oscore.CodeGET, nil)
type TestPair struct {
	Client *device.Node
	Device *device.Node

	// DeviceAddr is where the client reaches the device.
	DeviceAddr net.Addr

	// Pipe is the in-memory link, nil when the pair runs over UDP.
	Pipe *transport.Pipe

	// Requests receives each request the device handler answered.
	Requests chan *oscore.Message

	config TestPairConfig
	t      *testing.T
	ctx    context.Context
}

// TestPairConfig configures the test pair creation.
type TestPairConfig struct {
	ClientID string
	DeviceID string

	// Password is the device's handshake password.
	Password string

	// UDP runs the pair over loopback sockets instead of a pipe.
	UDP bool

	// DeviceStorage backs the device. If nil, the device opens memory
	// storage.
	DeviceStorage storage.Storage

	// Timeout bounds every handshake and request. Defaults to 10 seconds.
	Timeout time.Duration

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// DefaultTestPairConfig returns default configuration for test pairs.
func DefaultTestPairConfig() TestPairConfig {
	return TestPairConfig{
		ClientID: "00",
		DeviceID: "01",
		Password: config.DefaultPassword,
		Timeout:  10 * time.Second,
	}
}

// NewTestPair starts a client and a device. The device answers every
// protected request with 2.05 and the request payload.
func NewTestPair(t *testing.T, cfg TestPairConfig) *TestPair {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	t.Cleanup(cancel)

	p := &TestPair{
		Requests: make(chan *oscore.Message, 16),
		config:   cfg,
		t:        t,
		ctx:      ctx,
	}

	var clientConn, deviceConn net.PacketConn
	if !cfg.UDP {
		p.Pipe = transport.NewPipe()
		t.Cleanup(func() { p.Pipe.Close() })
		clientConn, deviceConn = p.Pipe.Conn(0), p.Pipe.Conn(1)
	}

	clientDev := newDevice(t, cfg.ClientID, config.DefaultPassword, nil, cfg.LoggerFactory)
	p.Client = startNode(t, clientDev, clientConn, nil, cfg.LoggerFactory)

	dev := newDevice(t, cfg.DeviceID, cfg.Password, cfg.DeviceStorage, cfg.LoggerFactory)
	p.Device = startNode(t, dev, deviceConn, p.answer, cfg.LoggerFactory)

	if cfg.UDP {
		p.DeviceAddr = p.Device.Addr()
	} else {
		p.DeviceAddr = p.Pipe.Conn(0).PeerAddr()
	}
	return p
}

// Pair runs a handshake from the client with the device's password and
// fails the test on error.
func (p *TestPair) Pair() spake.Result {
	p.t.Helper()
	res, err := p.Client.Pair(p.ctx, p.DeviceAddr, []byte(p.config.Password))
	if err != nil {
		p.t.Fatalf("Pair() error = %v", err)
	}
	return res
}

// Request sends one protected request from the client to the device.
func (p *TestPair) Request(code oscore.Code, payload []byte) (*oscore.Message, error) {
	return p.Client.Request(p.ctx, p.DeviceAddr, code, payload)
}

// Context returns the pair's deadline-bound context.
func (p *TestPair) Context() context.Context { return p.ctx }

func (p *TestPair) answer(req *oscore.Message, _ net.Addr) (oscore.Code, []byte) {
	select {
	case p.Requests <- req:
	default:
	}
	return oscore.CodeContent, req.Payload
}

func newDevice(t *testing.T, id, password string, s storage.Storage, lf logging.LoggerFactory) *device.Device {
	t.Helper()
	settings := config.Default()
	settings.Device.ID = id
	settings.SPAKE.Password = password
	d, err := device.New(device.Config{Settings: settings, Storage: s, LoggerFactory: lf})
	if err != nil {
		t.Fatalf("device.New(%s) error = %v", id, err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func startNode(t *testing.T, d *device.Device, conn net.PacketConn, h device.RequestHandler, lf logging.LoggerFactory) *device.Node {
	t.Helper()
	n, err := device.NewNode(device.NodeConfig{
		Device:        d,
		Conn:          conn,
		ListenAddr:    "127.0.0.1:0",
		Handler:       h,
		LoggerFactory: lf,
	})
	if err != nil {
		t.Fatalf("NewNode() error = %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}
