// Package integration contains end-to-end tests for KNX-IoT security.
//
// This file (secure_e2e_test.go) runs the handshake and protected
// exchanges between two nodes over the in-memory pipe and loopback UDP.
package integration

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/backkem/knxiot/pkg/auth"
	"github.com/backkem/knxiot/pkg/config"
	"github.com/backkem/knxiot/pkg/oscore"
	"github.com/backkem/knxiot/pkg/spake"
	"github.com/backkem/knxiot/pkg/storage"
	"github.com/backkem/knxiot/pkg/transport"
)

// TestE2E_HandshakeThenRequests pairs over the pipe and sends protected
// requests that the device must see in plaintext.
func TestE2E_HandshakeThenRequests(t *testing.T) {
	pair := NewTestPair(t, DefaultTestPairConfig())

	res := pair.Pair()
	if res.RecordID != "01" {
		t.Errorf("RecordID = %q, want %q", res.RecordID, "01")
	}

	idx, ok := pair.Device.Device().Table().Find("00")
	if !ok {
		t.Fatal("device has no record for the client")
	}
	rec, _ := pair.Device.Device().Table().Get(idx)
	if rec.Profile != auth.ProfileCoAPOSCORE || rec.Scope != auth.ScopeHandshake {
		t.Errorf("record = profile %v scope %v, want coap_oscore handshake scope", rec.Profile, rec.Scope)
	}

	for i := 0; i < 5; i++ {
		body := fmt.Sprintf("value %d", i)
		resp, err := pair.Request(oscore.CodePUT, []byte(body))
		if err != nil {
			t.Fatalf("Request(%d) error = %v", i, err)
		}
		if string(resp.Payload) != body {
			t.Errorf("Request(%d) payload = %q, want %q", i, resp.Payload, body)
		}

		select {
		case req := <-pair.Requests:
			if req.Code != oscore.CodePUT || string(req.Payload) != body {
				t.Errorf("device saw %v %q, want %v %q", req.Code, req.Payload, oscore.CodePUT, body)
			}
		default:
			t.Errorf("device handler did not see request %d", i)
		}
	}
}

// TestE2E_OverUDP runs the same flow over loopback sockets.
func TestE2E_OverUDP(t *testing.T) {
	cfg := DefaultTestPairConfig()
	cfg.UDP = true
	pair := NewTestPair(t, cfg)

	pair.Pair()
	resp, err := pair.Request(oscore.CodeGET, []byte("ping"))
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if resp.Code != oscore.CodeContent {
		t.Errorf("Request() code = %v, want %v", resp.Code, oscore.CodeContent)
	}
}

// TestE2E_DuplicatesAreReplays duplicates every datagram after pairing.
// Each request must reach the device handler exactly once.
func TestE2E_DuplicatesAreReplays(t *testing.T) {
	pair := NewTestPair(t, DefaultTestPairConfig())
	pair.Pair()
	pair.Pipe.SetCondition(transport.NetworkCondition{DuplicateRate: 1})

	const n = 3
	for i := 0; i < n; i++ {
		if _, err := pair.Request(oscore.CodePOST, []byte{byte(i)}); err != nil {
			t.Fatalf("Request(%d) error = %v", i, err)
		}
	}

	// Let the duplicate of the last request arrive and be rejected.
	time.Sleep(50 * time.Millisecond)
	if got := len(pair.Requests); got != n {
		t.Errorf("device handled %d requests, want %d", got, n)
	}
}

// TestE2E_WrongPassword checks that a failed handshake leaves no usable
// credential on either side.
func TestE2E_WrongPassword(t *testing.T) {
	pair := NewTestPair(t, DefaultTestPairConfig())

	_, err := pair.Client.Pair(pair.Context(), pair.DeviceAddr, []byte("CABBAGE"))
	if !errors.Is(err, spake.ErrHandshakeAborted) {
		t.Fatalf("Pair() error = %v, want %v", err, spake.ErrHandshakeAborted)
	}
	if _, err := pair.Request(oscore.CodeGET, nil); !errors.Is(err, oscore.ErrNoDestination) {
		t.Errorf("Request() error = %v, want %v", err, oscore.ErrNoDestination)
	}
	if got := pair.Device.Device().Table().Len(); got != 0 {
		t.Errorf("device table Len() = %d, want 0", got)
	}
}

// TestE2E_DeviceRestart restarts the device on persistent storage. The
// client keeps its context and its requests keep verifying.
func TestE2E_DeviceRestart(t *testing.T) {
	s, err := storage.OpenFileStorage(storage.FileConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("OpenFileStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := DefaultTestPairConfig()
	cfg.UDP = true
	cfg.DeviceStorage = s
	pair := NewTestPair(t, cfg)
	pair.Pair()
	for i := 0; i < 12; i++ {
		if _, err := pair.Request(oscore.CodePOST, []byte{byte(i)}); err != nil {
			t.Fatalf("Request(%d) error = %v", i, err)
		}
	}

	pair.Device.Stop()
	if err := pair.Device.Device().Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	restarted := newDevice(t, cfg.DeviceID, config.DefaultPassword, s, nil)
	if got := restarted.Table().Len(); got != 1 {
		t.Fatalf("restarted table Len() = %d, want 1", got)
	}
	node := startNode(t, restarted, nil, pair.answer, nil)

	resp, err := pair.Client.Request(pair.Context(), node.Addr(), oscore.CodeGET, []byte("after restart"))
	if err != nil {
		t.Fatalf("Request() after restart error = %v", err)
	}
	if string(resp.Payload) != "after restart" {
		t.Errorf("Request() payload = %q, want %q", resp.Payload, "after restart")
	}
}
