package spake

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/backkem/knxiot/pkg/clock"
)

// Guard defaults.
const (
	DefaultGuardThreshold = 5
	DefaultGuardCooldown  = 60 * time.Second
	DefaultGuardDecay     = 60 * time.Second
)

// ThrottledError is returned by Guard.Allow while new handshakes are
// refused. It matches ErrThrottled.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("spake: too many failed handshakes, retry after %s", e.RetryAfter)
}

// Is reports whether target is ErrThrottled.
func (e *ThrottledError) Is(target error) bool { return target == ErrThrottled }

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Threshold is the number of failures tolerated. The failure that
	// exceeds it starts the cool-down. Default: 5.
	Threshold int

	// Cooldown is how long attempts are refused once the budget is
	// spent. Default: 60s.
	Cooldown time.Duration

	// Decay is the interval after which one failure is forgiven.
	// Default: 60s.
	Decay time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Guard limits password guessing. Each failed confirmation spends one
// token of a bucket holding Threshold tokens and refilling one token per
// Decay. A failure that finds the bucket empty refuses new handshakes for
// Cooldown.
//
// Thread Safety: All methods are safe for concurrent use.
type Guard struct {
	mu           sync.Mutex
	clock        clock.Clock
	cooldown     time.Duration
	budget       *rate.Limiter
	blockedUntil time.Time
}

// NewGuard creates a guard with a full failure budget.
func NewGuard(config GuardConfig) *Guard {
	if config.Threshold <= 0 {
		config.Threshold = DefaultGuardThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultGuardCooldown
	}
	if config.Decay <= 0 {
		config.Decay = DefaultGuardDecay
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Guard{
		clock:    config.Clock,
		cooldown: config.Cooldown,
		budget:   rate.NewLimiter(rate.Every(config.Decay), config.Threshold),
	}
}

// Allow returns nil if a new handshake may start, or a *ThrottledError.
func (g *Guard) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if now.Before(g.blockedUntil) {
		return &ThrottledError{RetryAfter: g.blockedUntil.Sub(now)}
	}
	return nil
}

// Fail records a failed confirmation.
func (g *Guard) Fail() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if !g.budget.AllowN(now, 1) {
		g.blockedUntil = now.Add(g.cooldown)
	}
}

// Remaining returns the number of failures tolerated before throttling.
func (g *Guard) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int(g.budget.TokensAt(g.clock.Now()))
}
