package transport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/backkem/knxiot/pkg/oscore"
)

type received struct {
	frame *Frame
	from  net.Addr
}

func startLink(t *testing.T, conn net.PacketConn) (*Link, <-chan received) {
	t.Helper()
	ch := make(chan received, 4)
	l, err := NewLink(LinkConfig{
		Conn:       conn,
		ListenAddr: "127.0.0.1:0",
		Handler:    func(f *Frame, from net.Addr) { ch <- received{f, from} },
	})
	if err != nil {
		t.Fatalf("NewLink() error = %v", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { l.Stop() })
	return l, ch
}

func waitFrame(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
		return received{}
	}
}

func TestNewLink(t *testing.T) {
	if _, err := NewLink(LinkConfig{ListenAddr: "127.0.0.1:0"}); err != ErrNoHandler {
		t.Errorf("NewLink() error = %v, want %v", err, ErrNoHandler)
	}

	l, _ := startLink(t, nil)
	addr, ok := l.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("LocalAddr() type = %T, want *net.UDPAddr", l.LocalAddr())
	}
	if addr.Port == 0 {
		t.Error("LocalAddr() port = 0, want ephemeral port")
	}
}

func TestLink_StartStop(t *testing.T) {
	l, err := NewLink(LinkConfig{
		ListenAddr: "127.0.0.1:0",
		Handler:    func(*Frame, net.Addr) {},
	})
	if err != nil {
		t.Fatalf("NewLink() error = %v", err)
	}
	if err := l.Start(); err != nil {
		t.Errorf("Start() error = %v", err)
	}
	if err := l.Start(); err != ErrAlreadyStarted {
		t.Errorf("Start() second call error = %v, want %v", err, ErrAlreadyStarted)
	}
	if err := l.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := l.Stop(); err != ErrClosed {
		t.Errorf("Stop() second call error = %v, want %v", err, ErrClosed)
	}
	if err := l.Send(&Frame{Kind: FrameHandshake}, l.LocalAddr()); err != ErrClosed {
		t.Errorf("Send() after Stop error = %v, want %v", err, ErrClosed)
	}
}

func TestLink_UDPRoundtrip(t *testing.T) {
	a, fromA := startLink(t, nil)
	b, fromB := startLink(t, nil)

	msg := &oscore.Message{
		Type:      oscore.TypeCON,
		Code:      oscore.CodePOST,
		MessageID: 1,
		Token:     []byte{0xaa},
		OSCORE:    []byte{0x09, 0x00, 0x00},
		Payload:   []byte("sealed"),
	}
	if err := a.Send(&Frame{Kind: FrameCoAP, Message: msg}, b.LocalAddr()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	r := waitFrame(t, fromB)
	if r.frame.Kind != FrameCoAP || !bytes.Equal(r.frame.Message.Payload, msg.Payload) {
		t.Errorf("received %v %q, want coap %q", r.frame.Kind, r.frame.Message.Payload, msg.Payload)
	}

	if err := b.Send(&Frame{Kind: FrameHandshakeReply}, r.from); err != nil {
		t.Fatalf("Send() reply error = %v", err)
	}
	if r := waitFrame(t, fromA); r.frame.Kind != FrameHandshakeReply {
		t.Errorf("reply kind = %v, want %v", r.frame.Kind, FrameHandshakeReply)
	}
}

func TestLink_OverPipe(t *testing.T) {
	p := NewPipe()
	defer p.Close()

	a, _ := startLink(t, p.Conn(0))
	_, fromB := startLink(t, p.Conn(1))

	if err := a.Send(&Frame{Kind: FrameHandshake, Handshake: []byte{0x01}}, p.Conn(0).PeerAddr()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	r := waitFrame(t, fromB)
	if r.from.String() != "pipe:0" {
		t.Errorf("from = %v, want pipe:0", r.from)
	}
	if !bytes.Equal(r.frame.Handshake, []byte{0x01}) {
		t.Errorf("Handshake = %x, want 01", r.frame.Handshake)
	}
}

func TestLink_DropsGarbage(t *testing.T) {
	p := NewPipe()
	defer p.Close()

	_, fromB := startLink(t, p.Conn(1))
	p.Conn(0).WriteTo([]byte{0xff, 0xff}, nil)
	p.Conn(0).WriteTo(mustEncode(t, &Frame{Kind: FrameHandshakeAbort}), nil)

	if r := waitFrame(t, fromB); r.frame.Kind != FrameHandshakeAbort {
		t.Errorf("first delivered frame = %v, want %v", r.frame.Kind, FrameHandshakeAbort)
	}
}

func TestLink_SendErrors(t *testing.T) {
	l, _ := startLink(t, nil)
	if err := l.Send(&Frame{Kind: FrameHandshake}, nil); err != ErrInvalidAddress {
		t.Errorf("Send() error = %v, want %v", err, ErrInvalidAddress)
	}
	big := &Frame{Kind: FrameHandshake, Handshake: make([]byte, MaxFrameSize)}
	if err := l.Send(big, l.LocalAddr()); err != ErrFrameTooLarge {
		t.Errorf("Send() error = %v, want %v", err, ErrFrameTooLarge)
	}
}

func mustEncode(t *testing.T, f *Frame) []byte {
	t.Helper()
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return data
}
