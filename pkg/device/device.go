// Package device ties the security layer of a KNX-IoT device together:
// the access-token table, the OSCORE context store and engine, and the
// SPAKE2+ handshake manager, all sharing one storage backend.
//
// A Device owns every piece of security state; there are no package-level
// globals. Handshakes answered by the device install their credential in
// its table, which makes the OSCORE store rebuild, so the peer can send
// protected requests right after the final acknowledgement.
package device

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/knxiot/pkg/auth"
	"github.com/backkem/knxiot/pkg/clock"
	"github.com/backkem/knxiot/pkg/config"
	"github.com/backkem/knxiot/pkg/oscore"
	"github.com/backkem/knxiot/pkg/spake"
	"github.com/backkem/knxiot/pkg/storage"
)

// ErrClosed is returned by operations on a closed device.
var ErrClosed = errors.New("device: closed")

// Config configures a Device.
type Config struct {
	// Settings holds table sizes, OSCORE and handshake parameters and the
	// storage backend. Use config.Default() as a starting point.
	Settings config.Config

	// Storage overrides the backend named in Settings. The device does
	// not close a storage it did not open.
	Storage storage.Storage

	Clock         clock.Clock
	Rand          io.Reader
	LoggerFactory logging.LoggerFactory
}

// Device is the security state of one KNX-IoT device.
//
// Thread Safety: All methods are safe for concurrent use.
type Device struct {
	id       []byte
	settings config.Config

	storage      storage.Storage
	closeStorage func() error

	table      *auth.Table
	store      *oscore.Store
	engine     *oscore.Engine
	handshakes *spake.Manager

	mu     sync.Mutex
	closed bool
	log    logging.LeveledLogger
}

// New builds a device and loads its access tokens from storage.
func New(cfg Config) (*Device, error) {
	settings := cfg.Settings
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	id, err := settings.DeviceID()
	if err != nil {
		return nil, err
	}

	d := &Device{id: id, settings: settings}
	if cfg.LoggerFactory != nil {
		d.log = cfg.LoggerFactory.NewLogger("device")
	}

	d.storage = cfg.Storage
	if d.storage == nil {
		d.storage, d.closeStorage, err = OpenStorage(settings.Storage, cfg.LoggerFactory)
		if err != nil {
			return nil, err
		}
	}

	d.table = auth.NewTable(auth.TableConfig{
		Capacity:      settings.Auth.Capacity,
		Storage:       d.storage,
		LoggerFactory: cfg.LoggerFactory,
	})
	if n, err := d.table.Load(); err != nil {
		d.warnf("loaded %d access tokens with errors: %v", n, err)
	} else if d.log != nil {
		d.log.Infof("loaded %d access tokens", n)
	}

	d.store, err = oscore.NewStore(oscore.StoreConfig{
		Table:              d.table,
		Storage:            d.storage,
		Capacity:           settings.OSCORE.ContextCapacity,
		CheckpointInterval: settings.OSCORE.CheckpointInterval,
		SequenceMargin:     settings.OSCORE.SequenceMargin,
		ReplayWindow:       settings.OSCORE.ReplayWindow,
		LoggerFactory:      cfg.LoggerFactory,
	})
	if err != nil {
		d.release()
		return nil, err
	}
	d.engine, err = oscore.NewEngine(oscore.EngineConfig{
		Store:            d.store,
		ExchangeCapacity: settings.OSCORE.ExchangeCapacity,
		LoggerFactory:    cfg.LoggerFactory,
	})
	if err != nil {
		d.release()
		return nil, err
	}

	d.handshakes, err = spake.NewManager(spake.ManagerConfig{
		LocalID:  id,
		Password: []byte(settings.SPAKE.Password),
		Context:  settings.SPAKE.Context,
		Timeout:  settings.SPAKE.Timeout,
		Guard: spake.GuardConfig{
			Threshold: settings.SPAKE.GuardThreshold,
			Cooldown:  settings.SPAKE.GuardCooldown,
			Decay:     settings.SPAKE.GuardDecay,
		},
		Storage:       d.storage,
		Table:         d.table,
		Clock:         cfg.Clock,
		Rand:          cfg.Rand,
		LoggerFactory: cfg.LoggerFactory,
	})
	if err != nil {
		d.release()
		return nil, err
	}
	d.handshakes.OnHandshakeComplete(d.installInitiatorRecord)
	return d, nil
}

// OpenStorage opens the backend named by c. The returned close function
// is nil for backends that need no closing.
func OpenStorage(c config.StorageConfig, loggerFactory logging.LoggerFactory) (storage.Storage, func() error, error) {
	switch c.Backend {
	case config.BackendMemory, "":
		return storage.NewMemoryStorage(), nil, nil
	case config.BackendFile:
		s, err := storage.OpenFileStorage(storage.FileConfig{Dir: c.Path, LoggerFactory: loggerFactory})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.BackendSQLite:
		s, err := storage.OpenSQLiteStorage(storage.SQLiteConfig{Path: c.Path, LoggerFactory: loggerFactory})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidStorage, c.Backend)
	}
}

// ID returns the local identifier.
func (d *Device) ID() []byte { return append([]byte(nil), d.id...) }

// Settings returns the configuration the device was built with.
func (d *Device) Settings() config.Config { return d.settings }

// Table returns the access-token table.
func (d *Device) Table() *auth.Table { return d.table }

// Store returns the OSCORE context store.
func (d *Device) Store() *oscore.Store { return d.store }

// Engine returns the OSCORE engine.
func (d *Device) Engine() *oscore.Engine { return d.engine }

// Handshakes returns the handshake manager.
func (d *Device) Handshakes() *spake.Manager { return d.handshakes }

// Encrypt protects msg for dest.
func (d *Device) Encrypt(msg *oscore.Message, dest oscore.Endpoint) (*oscore.Message, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	return d.engine.Encrypt(msg, dest)
}

// Decrypt verifies and decrypts msg from src. Answer failures with
// oscore.OutwardCode(err).
func (d *Device) Decrypt(msg *oscore.Message, src oscore.Endpoint) (*oscore.Message, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	return d.engine.Decrypt(msg, src)
}

// BeginHandshake starts a handshake with peer as initiator and returns the
// first message to send.
func (d *Device) BeginHandshake(peer string, password []byte) (*spake.Handle, []byte, error) {
	if d.isClosed() {
		return nil, nil, ErrClosed
	}
	return d.handshakes.Begin(peer, password)
}

// ContinueHandshake feeds the responder's reply to an initiated
// handshake. It returns nil once the handshake is complete.
func (d *Device) ContinueHandshake(h *spake.Handle, payload []byte) ([]byte, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	return d.handshakes.Continue(h, payload)
}

// HandleHandshake answers a handshake message from peer.
func (d *Device) HandleHandshake(peer string, payload []byte) ([]byte, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	return d.handshakes.Respond(peer, payload)
}

// CancelHandshake ends the session answering peer after the peer gave
// up. It reports whether a session was pending.
func (d *Device) CancelHandshake(peer string) bool {
	return d.handshakes.Cancel(peer)
}

// OnHandshakeComplete registers fn to run after every handshake. By the
// time fn runs, a successful handshake's record is in the table.
func (d *Device) OnHandshakeComplete(fn func(spake.Result)) {
	d.handshakes.OnHandshakeComplete(fn)
}

// Reset clears access tokens. ResetAll also discards the handshake
// parameters.
func (d *Device) Reset(code auth.ResetCode) int {
	n := d.table.Reset(code)
	if code == auth.ResetAll {
		d.handshakes.Params().Rotate()
	}
	if d.log != nil {
		d.log.Infof("reset %d access tokens", n)
	}
	return n
}

// Close aborts pending handshakes, wipes every derived context and
// flushes sequence numbers. It closes the storage if the device opened it.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.handshakes.Close()
	d.store.Rebuild()
	return d.release()
}

func (d *Device) release() error {
	if d.closeStorage == nil {
		return nil
	}
	return d.closeStorage()
}

// installInitiatorRecord stores the credential of a handshake this side
// initiated. The responder side installs its own record.
func (d *Device) installInitiatorRecord(res spake.Result) {
	if res.Err != nil || res.Role != spake.RoleInitiator {
		return
	}
	rec := &auth.Record{
		ID:           res.RecordID,
		Profile:      auth.ProfileCoAPOSCORE,
		Scope:        auth.ScopeHandshake,
		MasterSecret: res.MasterSecret,
		SenderID:     res.LocalID,
		RecipientID:  res.PeerID,
	}
	if _, err := d.table.Put(rec); err != nil {
		d.warnf("store credential for %s: %v", res.Peer, err)
	}
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) warnf(format string, args ...any) {
	if d.log != nil {
		d.log.Warnf(format, args...)
	}
}
