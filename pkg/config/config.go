// Package config loads the YAML configuration of a KNX-IoT security
// device: table sizes, OSCORE sequence and replay parameters, handshake
// timing and the storage backend.
//
// Loading starts from Default, overlays the file, then validates. Unset
// fields keep their defaults.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// DefaultSPAKEContext is the SPAKE2+ transcript context string.
const DefaultSPAKEContext = "SPAKE2+-P256-SHA256-HKDF draft-01"

// DefaultPassword is the handshake password of an unprovisioned device.
// It is only suitable for demos and tests.
const DefaultPassword = "LETTUCE"

var (
	ErrInvalidDeviceID = errors.New("config: device id must be 1-7 bytes of hex")
	ErrInvalidCapacity = errors.New("config: capacity must be positive")
	ErrInvalidOSCORE   = errors.New("config: invalid oscore parameters")
	ErrInvalidSPAKE    = errors.New("config: invalid spake parameters")
	ErrInvalidStorage  = errors.New("config: invalid storage backend")
)

// Config is the device configuration.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Auth    AuthConfig    `yaml:"auth"`
	OSCORE  OSCOREConfig  `yaml:"oscore"`
	SPAKE   SPAKEConfig   `yaml:"spake"`
	Storage StorageConfig `yaml:"storage"`
}

// DeviceConfig identifies the local device.
type DeviceConfig struct {
	// ID is the hex-encoded local identifier used as the responder id in
	// handshakes and the sender id of contexts they provision.
	ID string `yaml:"id"`
}

// AuthConfig sizes the access-token table.
type AuthConfig struct {
	Capacity int `yaml:"capacity"`
}

// OSCOREConfig holds sequence, replay and cache parameters.
type OSCOREConfig struct {
	// ContextCapacity bounds the number of derived contexts kept in memory.
	ContextCapacity int `yaml:"context_capacity"`

	// ExchangeCapacity bounds the number of tracked request/response
	// exchanges.
	ExchangeCapacity int `yaml:"exchange_capacity"`

	// CheckpointInterval is K: the sequence number is persisted every K
	// increments.
	CheckpointInterval uint64 `yaml:"checkpoint_interval"`

	// SequenceMargin is added on top of K when a sequence number is
	// restored.
	SequenceMargin uint64 `yaml:"sequence_margin"`

	// ReplayWindow is the sliding window size in sequence numbers (rplwdo).
	ReplayWindow int `yaml:"replay_window"`

	// SequenceDelay is the osndelay parameter, reported but not enforced.
	SequenceDelay time.Duration `yaml:"sequence_delay"`
}

// SPAKEConfig holds handshake and guard parameters.
type SPAKEConfig struct {
	Context string        `yaml:"context"`
	Timeout time.Duration `yaml:"timeout"`

	// Password is the device password the responder derives its
	// handshake parameters from.
	Password string `yaml:"password"`

	// GuardThreshold is the number of failed handshakes tolerated. The
	// failure that exceeds it starts the cool-down.
	GuardThreshold int `yaml:"guard_threshold"`

	// GuardCooldown is how long attempts stay throttled once the
	// threshold is exceeded.
	GuardCooldown time.Duration `yaml:"guard_cooldown"`

	// GuardDecay is the interval after which one failure is forgiven.
	GuardDecay time.Duration `yaml:"guard_decay"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`

	// Path is a directory for the file backend and a database file for
	// the sqlite backend.
	Path string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Device: DeviceConfig{ID: "01"},
		Auth:   AuthConfig{Capacity: 20},
		OSCORE: OSCOREConfig{
			ContextCapacity:    20,
			ExchangeCapacity:   32,
			CheckpointInterval: 10,
			SequenceMargin:     5,
			ReplayWindow:       32,
		},
		SPAKE: SPAKEConfig{
			Context:        DefaultSPAKEContext,
			Timeout:        30 * time.Second,
			Password:       DefaultPassword,
			GuardThreshold: 5,
			GuardCooldown:  60 * time.Second,
			GuardDecay:     60 * time.Second,
		},
		Storage: StorageConfig{Backend: BackendMemory},
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := c.DeviceID(); err != nil {
		return err
	}
	if c.Auth.Capacity <= 0 || c.OSCORE.ContextCapacity <= 0 || c.OSCORE.ExchangeCapacity <= 0 {
		return ErrInvalidCapacity
	}
	if c.OSCORE.CheckpointInterval == 0 {
		return fmt.Errorf("%w: checkpoint_interval must be positive", ErrInvalidOSCORE)
	}
	if c.OSCORE.ReplayWindow <= 0 || c.OSCORE.ReplayWindow > 64 {
		return fmt.Errorf("%w: replay_window must be in [1, 64]", ErrInvalidOSCORE)
	}
	if c.OSCORE.SequenceDelay < 0 {
		return fmt.Errorf("%w: sequence_delay is negative", ErrInvalidOSCORE)
	}
	if c.SPAKE.Context == "" {
		return fmt.Errorf("%w: context is empty", ErrInvalidSPAKE)
	}
	if c.SPAKE.Password == "" {
		return fmt.Errorf("%w: password is empty", ErrInvalidSPAKE)
	}
	if c.SPAKE.Timeout <= 0 || c.SPAKE.GuardThreshold <= 0 ||
		c.SPAKE.GuardCooldown <= 0 || c.SPAKE.GuardDecay <= 0 {
		return fmt.Errorf("%w: timeout, guard threshold, cooldown and decay must be positive", ErrInvalidSPAKE)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: %s backend needs a path", ErrInvalidStorage, c.Storage.Backend)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStorage, c.Storage.Backend)
	}
	return nil
}

// DeviceID returns the decoded local identifier.
func (c *Config) DeviceID() ([]byte, error) {
	id, err := hex.DecodeString(c.Device.ID)
	if err != nil || len(id) == 0 || len(id) > 7 {
		return nil, ErrInvalidDeviceID
	}
	return id, nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
