package device

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/backkem/knxiot/pkg/auth"
	"github.com/backkem/knxiot/pkg/config"
	"github.com/backkem/knxiot/pkg/oscore"
	"github.com/backkem/knxiot/pkg/spake"
	"github.com/backkem/knxiot/pkg/transport"
)

// echo answers every request with 2.05 and the request payload.
func echo(req *oscore.Message, _ net.Addr) (oscore.Code, []byte) {
	return oscore.CodeContent, req.Payload
}

// newNodePair serves a client and a device at the two ends of a pipe.
func newNodePair(t *testing.T) (client, dev *Node, p *transport.Pipe) {
	t.Helper()
	p = transport.NewPipe()
	t.Cleanup(func() { p.Close() })

	start := func(d *Device, conn net.PacketConn, h RequestHandler) *Node {
		n, err := NewNode(NodeConfig{Device: d, Conn: conn, Handler: h})
		if err != nil {
			t.Fatalf("NewNode() error = %v", err)
		}
		if err := n.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		t.Cleanup(func() { n.Stop() })
		return n
	}
	client = start(newDevice(t, "00", nil), p.Conn(0), nil)
	dev = start(newDevice(t, "01", nil), p.Conn(1), echo)
	return client, dev, p
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNode_PairThenRequest(t *testing.T) {
	client, dev, p := newNodePair(t)
	ctx := testContext(t)
	devAddr := p.Conn(0).PeerAddr()

	res, err := client.Pair(ctx, devAddr, []byte(config.DefaultPassword))
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if res.Role != spake.RoleInitiator || res.RecordID != "01" {
		t.Errorf("Pair() = role %v record %q, want initiator record %q", res.Role, res.RecordID, "01")
	}
	if res.MasterSecret != nil {
		t.Error("Pair() result exposes the master secret")
	}
	if got := dev.Device().Table().Len(); got != 1 {
		t.Errorf("device table Len() = %d, want 1", got)
	}

	for i, body := range []string{"first", "second", "third"} {
		resp, err := client.Request(ctx, devAddr, oscore.CodePOST, []byte(body))
		if err != nil {
			t.Fatalf("Request(%d) error = %v", i, err)
		}
		if resp.Code != oscore.CodeContent || string(resp.Payload) != body {
			t.Errorf("Request(%d) = %v %q, want %v %q", i, resp.Code, resp.Payload, oscore.CodeContent, body)
		}
	}
}

func TestNode_RequestWithoutCredential(t *testing.T) {
	client, _, p := newNodePair(t)

	_, err := client.Request(testContext(t), p.Conn(0).PeerAddr(), oscore.CodeGET, nil)
	if !errors.Is(err, oscore.ErrNoDestination) {
		t.Errorf("Request() error = %v, want %v", err, oscore.ErrNoDestination)
	}
}

func TestNode_RevokedCredentialIsRejected(t *testing.T) {
	client, dev, p := newNodePair(t)
	ctx := testContext(t)
	devAddr := p.Conn(0).PeerAddr()

	if _, err := client.Pair(ctx, devAddr, []byte(config.DefaultPassword)); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	dev.Device().Reset(auth.ResetAll)

	_, err := client.Request(ctx, devAddr, oscore.CodePOST, []byte("x"))
	if !errors.Is(err, ErrRejected) {
		t.Errorf("Request() error = %v, want %v", err, ErrRejected)
	}
}

func TestNode_WrongPassword(t *testing.T) {
	client, dev, p := newNodePair(t)

	_, err := client.Pair(testContext(t), p.Conn(0).PeerAddr(), []byte("CABBAGE"))
	if !errors.Is(err, spake.ErrHandshakeAborted) {
		t.Errorf("Pair() error = %v, want %v", err, spake.ErrHandshakeAborted)
	}
	if got := client.Device().Table().Len(); got != 0 {
		t.Errorf("client table Len() = %d, want 0", got)
	}
	if got := dev.Device().Table().Len(); got != 0 {
		t.Errorf("device table Len() = %d, want 0", got)
	}
}

func TestNode_PairTimesOut(t *testing.T) {
	client, _, p := newNodePair(t)
	p.SetCondition(transport.NetworkCondition{DropRate: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Pair(ctx, p.Conn(0).PeerAddr(), []byte(config.DefaultPassword)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pair() error = %v, want %v", err, context.DeadlineExceeded)
	}
	if got := client.Device().Handshakes().Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0 after abort", got)
	}
}

func TestNode_WrongPasswordsAreThrottled(t *testing.T) {
	client, dev, p := newNodePair(t)
	ctx := testContext(t)
	devAddr := p.Conn(0).PeerAddr()
	threshold := config.Default().SPAKE.GuardThreshold

	var err error
	attempts := 0
	for attempts < 2*threshold {
		attempts++
		_, err = client.Pair(ctx, devAddr, []byte("CABBAGE"))
		if errors.Is(err, spake.ErrThrottled) {
			break
		}
		if !errors.Is(err, spake.ErrConfirmationFailed) {
			t.Fatalf("Pair() attempt %d error = %v, want %v", attempts, err, spake.ErrConfirmationFailed)
		}
	}

	var throttled *spake.ThrottledError
	if !errors.As(err, &throttled) || !errors.Is(err, spake.ErrHandshakeAborted) {
		t.Fatalf("Pair() after %d wrong passwords error = %v, want throttled abort", attempts, err)
	}
	if want := threshold + 2; attempts != want {
		t.Errorf("throttled at attempt %d, want %d", attempts, want)
	}
	cooldown := config.Default().SPAKE.GuardCooldown
	if throttled.RetryAfter <= 0 || throttled.RetryAfter > cooldown {
		t.Errorf("RetryAfter = %v, want within (0, %v]", throttled.RetryAfter, cooldown)
	}

	// The right password is refused too until the cool-down ends.
	if _, err := client.Pair(ctx, devAddr, []byte(config.DefaultPassword)); !errors.Is(err, spake.ErrThrottled) {
		t.Errorf("Pair(right password) error = %v, want %v", err, spake.ErrThrottled)
	}
	if got := dev.Device().Handshakes().Pending(); got != 0 {
		t.Errorf("device Pending() = %d, want 0", got)
	}
}
