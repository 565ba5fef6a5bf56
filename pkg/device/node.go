package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/backkem/knxiot/pkg/oscore"
	"github.com/backkem/knxiot/pkg/spake"
	"github.com/backkem/knxiot/pkg/transport"
)

// ErrRejected is returned by Node.Request when the peer answers with an
// unprotected error response.
var ErrRejected = errors.New("device: request rejected by peer")

// RequestHandler answers a verified request. The returned code and
// payload are protected and sent back on the same exchange.
type RequestHandler func(req *oscore.Message, from net.Addr) (oscore.Code, []byte)

// NodeConfig configures a Node.
type NodeConfig struct {
	// Device holds the security state. Required. The node does not close it.
	Device *Device

	// Conn is an optional packet connection, for example one end of a
	// transport.Pipe. If nil, a UDP socket is opened on ListenAddr.
	Conn       net.PacketConn
	ListenAddr string

	// Handler answers protected requests. If nil, requests get 4.04.
	Handler RequestHandler

	LoggerFactory logging.LoggerFactory
}

// Node serves a Device over a datagram link: it answers handshakes from
// peers, verifies protected requests and protects the answers. It also
// initiates handshakes and requests of its own.
type Node struct {
	dev     *Device
	link    *transport.Link
	handler RequestHandler
	log     logging.LeveledLogger

	mu         sync.Mutex
	handshakes map[string]chan *transport.Frame
	calls      map[string]chan *oscore.Message
	results    map[uuid.UUID]spake.Result
	nextMID    uint16
	nextToken  uint64
}

// NewNode binds a device to a link. Call Start to begin serving.
func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Device == nil {
		return nil, errors.New("device: node needs a device")
	}
	n := &Node{
		dev:        cfg.Device,
		handler:    cfg.Handler,
		handshakes: make(map[string]chan *transport.Frame),
		calls:      make(map[string]chan *oscore.Message),
		results:    make(map[uuid.UUID]spake.Result),
	}
	if cfg.LoggerFactory != nil {
		n.log = cfg.LoggerFactory.NewLogger("node")
	}
	link, err := transport.NewLink(transport.LinkConfig{
		Conn:          cfg.Conn,
		ListenAddr:    cfg.ListenAddr,
		Handler:       n.handleFrame,
		LoggerFactory: cfg.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	n.link = link
	n.dev.OnHandshakeComplete(n.recordResult)
	return n, nil
}

// Start begins serving.
func (n *Node) Start() error { return n.link.Start() }

// Stop stops serving and closes the link.
func (n *Node) Stop() error { return n.link.Stop() }

// Addr returns the local link address.
func (n *Node) Addr() net.Addr { return n.link.LocalAddr() }

// Device returns the device the node serves.
func (n *Node) Device() *Device { return n.dev }

// Pair runs a handshake with the node at addr. On success both sides hold
// a credential and the result names it. Result.MasterSecret is always nil.
func (n *Node) Pair(ctx context.Context, addr net.Addr, password []byte) (spake.Result, error) {
	peer := addr.String()
	replies := make(chan *transport.Frame, 1)

	n.mu.Lock()
	if _, ok := n.handshakes[peer]; ok {
		n.mu.Unlock()
		return spake.Result{}, spake.ErrBusy
	}
	n.handshakes[peer] = replies
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.handshakes, peer)
		n.mu.Unlock()
	}()

	h, msg, err := n.dev.BeginHandshake(peer, password)
	if err != nil {
		return spake.Result{}, err
	}
	defer n.takeResult(h.ID)
	for msg != nil {
		if err := n.link.Send(&transport.Frame{Kind: transport.FrameHandshake, Handshake: msg}, addr); err != nil {
			n.dev.Handshakes().Abort(h)
			return spake.Result{}, err
		}

		var reply *transport.Frame
		select {
		case <-ctx.Done():
			n.dev.Handshakes().Abort(h)
			n.send(&transport.Frame{Kind: transport.FrameHandshakeCancel}, addr)
			return spake.Result{}, ctx.Err()
		case reply = <-replies:
		}
		if reply.Kind == transport.FrameHandshakeAbort {
			n.dev.Handshakes().Abort(h)
			if reply.RetryAfter > 0 {
				return spake.Result{}, fmt.Errorf("%w: refused by %s: %w",
					spake.ErrHandshakeAborted, peer, &spake.ThrottledError{RetryAfter: reply.RetryAfter})
			}
			return spake.Result{}, fmt.Errorf("%w: refused by %s", spake.ErrHandshakeAborted, peer)
		}
		if msg, err = n.dev.ContinueHandshake(h, reply.Handshake); err != nil {
			n.send(&transport.Frame{Kind: transport.FrameHandshakeCancel}, addr)
			return spake.Result{}, err
		}
	}
	return n.takeResult(h.ID), nil
}

// Request sends a protected request to the node at addr and waits for the
// verified response.
func (n *Node) Request(ctx context.Context, addr net.Addr, code oscore.Code, payload []byte) (*oscore.Message, error) {
	n.mu.Lock()
	n.nextMID++
	n.nextToken++
	mid := n.nextMID
	token := binary.BigEndian.AppendUint64(nil, n.nextToken)
	n.mu.Unlock()

	req := &oscore.Message{Type: oscore.TypeCON, Code: code, MessageID: mid, Token: token, Payload: payload}
	protected, err := n.dev.Encrypt(req, oscore.Endpoint{Addr: addr.String(), OSCOREID: n.dev.ID()})
	if err != nil {
		return nil, err
	}

	key := callKey(addr.String(), token)
	ch := make(chan *oscore.Message, 1)
	n.mu.Lock()
	n.calls[key] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.calls, key)
		n.mu.Unlock()
	}()

	if err := n.link.Send(&transport.Frame{Kind: transport.FrameCoAP, Message: protected}, addr); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		if !resp.IsProtected() {
			return nil, fmt.Errorf("%w: %v", ErrRejected, resp.Code)
		}
		return n.dev.Decrypt(resp, oscore.Endpoint{Addr: addr.String()})
	}
}

func (n *Node) handleFrame(f *transport.Frame, from net.Addr) {
	switch f.Kind {
	case transport.FrameHandshake:
		n.answerHandshake(f.Handshake, from)
	case transport.FrameHandshakeCancel:
		if n.dev.CancelHandshake(from.String()) {
			n.debugf("handshake from %v cancelled by the peer", from)
		}
	case transport.FrameHandshakeReply, transport.FrameHandshakeAbort:
		n.mu.Lock()
		ch, ok := n.handshakes[from.String()]
		n.mu.Unlock()
		if !ok {
			n.debugf("unsolicited %s from %v", f.Kind, from)
			return
		}
		select {
		case ch <- f:
		default:
		}
	case transport.FrameCoAP:
		switch {
		case f.Message.IsRequest():
			n.serveRequest(f.Message, from)
		case f.Message.Code.IsResponse():
			n.deliverResponse(f.Message, from)
		}
	}
}

func (n *Node) answerHandshake(payload []byte, from net.Addr) {
	reply, err := n.dev.HandleHandshake(from.String(), payload)
	if err != nil {
		n.debugf("handshake from %v: %v", from, err)
		abort := &transport.Frame{Kind: transport.FrameHandshakeAbort}
		var throttled *spake.ThrottledError
		if errors.As(err, &throttled) {
			abort.RetryAfter = throttled.RetryAfter
		}
		n.send(abort, from)
		return
	}
	n.send(&transport.Frame{Kind: transport.FrameHandshakeReply, Handshake: reply}, from)
}

func (n *Node) serveRequest(req *oscore.Message, from net.Addr) {
	respType := oscore.TypeNON
	if req.Type == oscore.TypeCON {
		respType = oscore.TypeACK
	}
	src := oscore.Endpoint{Addr: from.String()}

	plain, err := n.dev.Decrypt(req, src)
	if err != nil {
		n.debugf("rejecting request from %v: %v", from, err)
		n.send(&transport.Frame{Kind: transport.FrameCoAP, Message: &oscore.Message{
			Type:      respType,
			Code:      oscore.OutwardCode(err),
			MessageID: req.MessageID,
			Token:     req.Token,
		}}, from)
		return
	}

	code, payload := oscore.CodeNotFound, []byte(nil)
	if n.handler != nil {
		code, payload = n.handler(plain, from)
	}
	resp := &oscore.Message{Type: respType, Code: code, MessageID: req.MessageID, Token: req.Token, Payload: payload}
	protected, err := n.dev.Encrypt(resp, src)
	if err != nil {
		n.debugf("protect response to %v: %v", from, err)
		return
	}
	n.send(&transport.Frame{Kind: transport.FrameCoAP, Message: protected}, from)
}

func (n *Node) deliverResponse(resp *oscore.Message, from net.Addr) {
	n.mu.Lock()
	ch, ok := n.calls[callKey(from.String(), resp.Token)]
	n.mu.Unlock()
	if !ok {
		n.debugf("dropping response from %v for unknown token %x", from, resp.Token)
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// recordResult keeps what Pair reports about a finished handshake.
func (n *Node) recordResult(res spake.Result) {
	if res.Role != spake.RoleInitiator {
		return
	}
	res.MasterSecret = nil
	n.mu.Lock()
	n.results[res.Handle] = res
	n.mu.Unlock()
}

func (n *Node) takeResult(id uuid.UUID) spake.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	res := n.results[id]
	delete(n.results, id)
	return res
}

func (n *Node) send(f *transport.Frame, to net.Addr) {
	if err := n.link.Send(f, to); err != nil {
		n.debugf("send %s to %v: %v", f.Kind, to, err)
	}
}

func (n *Node) debugf(format string, args ...any) {
	if n.log != nil {
		n.log.Debugf(format, args...)
	}
}

func callKey(addr string, token []byte) string {
	return addr + "/" + string(token)
}
