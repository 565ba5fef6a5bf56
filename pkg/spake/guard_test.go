package spake

import (
	"errors"
	"testing"
	"time"

	"github.com/backkem/knxiot/pkg/clock"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestGuardThrottleAndRecover(t *testing.T) {
	clk := clock.Fake(epoch)
	g := NewGuard(GuardConfig{Threshold: 3, Cooldown: 30 * time.Second, Decay: 10 * time.Second, Clock: clk})

	for i := 0; i < 3; i++ {
		g.Fail()
		if err := g.Allow(); err != nil {
			t.Fatalf("Allow() after failure %d = %v, want nil within threshold", i+1, err)
		}
	}

	g.Fail()
	err := g.Allow()
	var throttled *ThrottledError
	if !errors.As(err, &throttled) || !errors.Is(err, ErrThrottled) {
		t.Fatalf("Allow() = %v, want *ThrottledError", err)
	}
	if throttled.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", throttled.RetryAfter)
	}

	clk.Advance(10 * time.Second)
	if err := g.Allow(); !errors.As(err, &throttled) || throttled.RetryAfter != 20*time.Second {
		t.Errorf("Allow() after 10s = %v, want retry after 20s", err)
	}

	clk.Advance(20 * time.Second)
	if err := g.Allow(); err != nil {
		t.Errorf("Allow() after cooldown = %v, want nil", err)
	}
	if got := g.Remaining(); got != 3 {
		t.Errorf("Remaining() after cooldown = %d, want 3", got)
	}
}

func TestGuardDecay(t *testing.T) {
	clk := clock.Fake(epoch)
	g := NewGuard(GuardConfig{Threshold: 3, Cooldown: time.Minute, Decay: 10 * time.Second, Clock: clk})

	g.Fail()
	g.Fail()
	if got := g.Remaining(); got != 1 {
		t.Errorf("Remaining() = %d, want 1", got)
	}

	// Two decay intervals forgive both failures.
	clk.Advance(20 * time.Second)
	g.Fail()
	g.Fail()
	if err := g.Allow(); err != nil {
		t.Errorf("Allow() = %v, want nil after decay", err)
	}

	g.Fail()
	if err := g.Allow(); err != nil {
		t.Errorf("Allow() at the threshold = %v, want nil", err)
	}
	g.Fail()
	if err := g.Allow(); !errors.Is(err, ErrThrottled) {
		t.Errorf("Allow() past the threshold = %v, want ErrThrottled", err)
	}
}

func TestGuardDefaults(t *testing.T) {
	g := NewGuard(GuardConfig{Clock: clock.Fake(epoch)})
	if got := g.Remaining(); got != DefaultGuardThreshold {
		t.Errorf("Remaining() = %d, want %d", got, DefaultGuardThreshold)
	}
}
