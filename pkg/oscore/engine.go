package oscore

import (
	"errors"
	"fmt"

	"github.com/pion/logging"
)

// Endpoint names the peer of a message and, on the send side, how to
// find the context when no exchange is tracked.
type Endpoint struct {
	// Addr is the peer's transport address. Exchanges are tracked per
	// address and token.
	Addr string

	// OSCOREID is the sender id configured for this destination.
	OSCOREID []byte

	// Group is set for multicast messages addressed to GroupAddress.
	Group        bool
	GroupAddress uint32
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Store resolves contexts. Required.
	Store *Store

	// ExchangeCapacity bounds the exchange tracker. Default: 32.
	ExchangeCapacity int

	LoggerFactory logging.LoggerFactory
}

// Engine protects and unprotects CoAP messages.
//
// Thread Safety: All methods are safe for concurrent use.
type Engine struct {
	store     *Store
	exchanges *ExchangeTracker
	log       logging.LeveledLogger
}

// NewEngine creates an engine over config.Store.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Store == nil {
		return nil, errors.New("oscore: engine requires a store")
	}
	e := &Engine{
		store:     config.Store,
		exchanges: NewExchangeTracker(config.ExchangeCapacity),
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("oscore")
	}
	return e, nil
}

// Exchanges returns the exchange tracker.
func (e *Engine) Exchanges() *ExchangeTracker { return e.exchanges }

// Encrypt protects msg for dest and returns the outer message. msg is not
// modified.
//
// Requests draw a fresh sequence number, except that a retransmission
// (same token and message id) reuses the one already assigned. Responses
// reuse the request's partial IV unless they are separate (CON),
// notifications, or answer an untracked request; those draw a fresh one.
// Empty messages are not protected; an empty ACK to a tracked request
// still consumes a sequence number.
func (e *Engine) Encrypt(msg *Message, dest Endpoint) (*Message, error) {
	switch {
	case msg.IsRequest():
		return e.encryptRequest(msg, dest)
	case msg.IsEmpty():
		return e.encryptEmpty(msg, dest)
	case msg.Code.IsResponse():
		return e.encryptResponse(msg, dest)
	default:
		return nil, fmt.Errorf("%w: code %v", ErrInvalidMessage, msg.Code)
	}
}

func (e *Engine) encryptRequest(msg *Message, dest Endpoint) (*Message, error) {
	var (
		ctx *Context
		err error
	)
	switch {
	case dest.Group:
		ctx, err = e.store.ByGroupAddress(dest.GroupAddress)
	case dest.OSCOREID != nil:
		ctx, err = e.store.ByOSCOREID(dest.OSCOREID)
	default:
		return nil, ErrNoDestination
	}
	if err != nil {
		return nil, err
	}

	var piv []byte
	if !dest.Group {
		if ex, ok := e.exchanges.Lookup(dest.Addr, msg.Token, true); ok &&
			ex.MessageID == msg.MessageID && ex.RecordID == ctx.RecordID() {
			piv = ex.RequestPIV
		}
	}
	if piv == nil {
		seq, err := ctx.seq.Next()
		if err != nil {
			return nil, err
		}
		piv = EncodePIV(seq)
	}

	aad, err := AAD(ctx.senderID, piv)
	if err != nil {
		return nil, err
	}
	ciphertext, err := ctx.seal(ctx.senderID, piv, innerPlaintext(msg), aad)
	if err != nil {
		return nil, err
	}

	opt := Option{PIV: piv, KID: ctx.senderID, HasKID: true, KIDContext: ctx.contextID}
	if !dest.Group {
		e.exchanges.Track(Exchange{
			Addr:       dest.Addr,
			Token:      msg.Token,
			MessageID:  msg.MessageID,
			Outgoing:   true,
			Index:      ctx.Index(),
			RecordID:   ctx.RecordID(),
			RequestKID: ctx.senderID,
			RequestPIV: piv,
		})
	}
	return outer(msg, opt, ciphertext), nil
}

func (e *Engine) encryptResponse(msg *Message, dest Endpoint) (*Message, error) {
	ex, tracked := e.exchanges.Lookup(dest.Addr, msg.Token, false)

	var (
		ctx *Context
		err error
	)
	if tracked {
		ctx, err = e.exchangeContext(ex)
	} else if dest.OSCOREID != nil {
		ctx, err = e.store.ByOSCOREID(dest.OSCOREID)
	} else {
		return nil, ErrNoDestination
	}
	if err != nil {
		return nil, err
	}

	fresh := !tracked || msg.Type == TypeCON || msg.Observe != nil

	var (
		opt     Option
		nonceID []byte
		piv     []byte
		aad     []byte
	)
	if fresh {
		seq, err := ctx.seq.Next()
		if err != nil {
			return nil, err
		}
		piv = EncodePIV(seq)
		nonceID = ctx.senderID
		opt.PIV = piv
	} else {
		piv = ex.RequestPIV
		nonceID = ex.RequestKID
	}

	if tracked {
		aad, err = AAD(ex.RequestKID, ex.RequestPIV)
	} else {
		// No request to bind to: the response names its own author.
		opt.KID, opt.HasKID = ctx.senderID, true
		aad, err = AAD(ctx.senderID, piv)
	}
	if err != nil {
		return nil, err
	}

	ciphertext, err := ctx.seal(nonceID, piv, innerPlaintext(msg), aad)
	if err != nil {
		return nil, err
	}
	if tracked && msg.Observe == nil {
		e.exchanges.Remove(dest.Addr, msg.Token, false)
	}
	return outer(msg, opt, ciphertext), nil
}

func (e *Engine) encryptEmpty(msg *Message, dest Endpoint) (*Message, error) {
	if msg.Type == TypeACK {
		if ex, ok := e.exchanges.LookupMessageID(dest.Addr, msg.MessageID, false); ok {
			ctx, err := e.exchangeContext(ex)
			if err != nil {
				return nil, err
			}
			if _, err := ctx.seq.Next(); err != nil {
				return nil, err
			}
		}
	}
	return msg.Clone(), nil
}

// Decrypt verifies and decrypts a protected message from src and returns
// the inner message. Every failure wraps ErrUnauthorized, except
// ErrNotProtected for a message without an OSCORE option.
func (e *Engine) Decrypt(msg *Message, src Endpoint) (*Message, error) {
	if !msg.IsProtected() {
		return nil, ErrNotProtected
	}
	opt, err := ParseOption(msg.OSCORE)
	if err != nil {
		e.debugf("drop from %s: %v", src.Addr, err)
		return nil, err
	}
	if msg.IsRequest() {
		return e.decryptRequest(msg, opt, src)
	}
	if msg.Code.IsResponse() {
		return e.decryptResponse(msg, opt, src)
	}
	return nil, malformed("code %v", msg.Code)
}

func (e *Engine) decryptRequest(msg *Message, opt Option, src Endpoint) (*Message, error) {
	if !opt.HasKID {
		return nil, ErrMissingKID
	}
	seq, err := DecodePIV(opt.PIV)
	if err != nil {
		return nil, err
	}

	var ctx *Context
	if src.Group {
		ctx, err = e.store.ByGroupAddress(src.GroupAddress)
	} else {
		ctx, err = e.store.ByKID(opt.KID, opt.KIDContext)
	}
	if err != nil {
		e.debugf("no context for kid %x from %s", opt.KID, src.Addr)
		return nil, ErrUnknownContext
	}

	aad, err := AAD(opt.KID, opt.PIV)
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	pt, window, err := ctx.open(opt.KID, opt.KID, opt.PIV, msg.Payload, aad)
	if err != nil {
		e.debugf("request from %s: %v", src.Addr, err)
		return nil, err
	}
	if !window.CheckAndAccept(seq) {
		e.debugf("replayed sequence %d from %s", seq, src.Addr)
		return nil, ErrReplayDetected
	}

	plain, err := inner(msg, pt)
	if err != nil {
		return nil, err
	}
	if !src.Group {
		e.exchanges.Track(Exchange{
			Addr:       src.Addr,
			Token:      msg.Token,
			MessageID:  msg.MessageID,
			Index:      ctx.Index(),
			RecordID:   ctx.RecordID(),
			RequestKID: opt.KID,
			RequestPIV: opt.PIV,
		})
	}
	return plain, nil
}

func (e *Engine) decryptResponse(msg *Message, opt Option, src Endpoint) (*Message, error) {
	ex, tracked := e.exchanges.Lookup(src.Addr, msg.Token, true)

	var (
		ctx     *Context
		err     error
		kid     []byte
		nonceID []byte
		piv     []byte
		aad     []byte
	)
	switch {
	case tracked:
		ctx, err = e.exchangeContext(ex)
		if err != nil {
			return nil, ErrUnknownContext
		}
		kid = ctx.recipientID
		if len(opt.PIV) > 0 {
			nonceID, piv = kid, opt.PIV
		} else {
			nonceID, piv = ex.RequestKID, ex.RequestPIV
		}
		aad, err = AAD(ex.RequestKID, ex.RequestPIV)
	case opt.HasKID && len(opt.PIV) > 0:
		ctx, err = e.store.ByKID(opt.KID, opt.KIDContext)
		if err != nil {
			return nil, ErrUnknownContext
		}
		kid, nonceID, piv = opt.KID, opt.KID, opt.PIV
		aad, err = AAD(opt.KID, opt.PIV)
	default:
		e.debugf("response from %s matches no exchange", src.Addr)
		return nil, ErrUnknownContext
	}
	if err != nil {
		return nil, ErrMalformedEnvelope
	}

	pt, _, err := ctx.open(kid, nonceID, piv, msg.Payload, aad)
	if err != nil {
		e.debugf("response from %s: %v", src.Addr, err)
		return nil, err
	}
	plain, err := inner(msg, pt)
	if err != nil {
		return nil, err
	}
	if tracked && msg.Observe == nil {
		e.exchanges.Remove(src.Addr, msg.Token, true)
	}
	return plain, nil
}

// exchangeContext resolves the context that protected ex's request and
// checks that its slot still holds the same record.
func (e *Engine) exchangeContext(ex Exchange) (*Context, error) {
	ctx, err := e.store.ByIndex(ex.Index)
	if err != nil {
		return nil, err
	}
	if ctx.RecordID() != ex.RecordID {
		return nil, ErrUnknownContext
	}
	return ctx, nil
}

func (e *Engine) debugf(format string, args ...any) {
	if e.log != nil {
		e.log.Debugf(format, args...)
	}
}

// outer builds the unprotected message carrying ciphertext.
func outer(msg *Message, opt Option, ciphertext []byte) *Message {
	out := msg.Clone()
	out.Code = outerCode(msg)
	out.OSCORE = opt.Encode()
	out.Payload = ciphertext
	return out
}

// inner rebuilds the plain message from the outer header and plaintext.
func inner(msg *Message, pt []byte) (*Message, error) {
	code, payload, err := parseInner(pt)
	if err != nil {
		return nil, err
	}
	out := msg.Clone()
	out.Code = code
	out.Payload = payload
	out.OSCORE = nil
	return out, nil
}

// OutwardCode maps a Decrypt error to the response code sent to the
// peer. Requests without a kid get 4.02; every other unauthorized
// outcome gets 4.01, whatever its cause.
func OutwardCode(err error) Code {
	switch {
	case errors.Is(err, ErrMissingKID):
		return CodeBadOption
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	default:
		return CodeBadRequest
	}
}
