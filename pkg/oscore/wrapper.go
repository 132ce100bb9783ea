package oscore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/backkem/coap/pkg/crypto"
	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// Binding ties a response to the protected request it answers: the
// request's kid and Partial IV enter the response AAD, and a response
// without its own Partial IV reuses the request nonce.
type Binding struct {
	ctx   *Context
	kid   []byte
	piv   []byte
	nonce []byte

	// highest notification Partial IV accepted, for the client side.
	lastNotify    uint64
	hasLastNotify bool
}

// Context returns the security context of the exchange.
func (b *Binding) Context() *Context { return b.ctx }

// RequestSequence returns the sequence number of the bound request.
func (b *Binding) RequestSequence() uint64 { return decodePIV(b.piv) }

// WrapperConfig configures a Wrapper.
type WrapperConfig struct {
	// Locker guards contexts. Share it with the endpoint. Defaults to a mutex.
	Locker sync.Locker

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Wrapper protects and unprotects messages with the contexts it holds.
type Wrapper struct {
	lock     sync.Locker
	log      logging.LeveledLogger
	contexts map[string]*Context
}

// NewWrapper creates a Wrapper without contexts.
func NewWrapper(config WrapperConfig) *Wrapper {
	if config.Locker == nil {
		config.Locker = &sync.Mutex{}
	}
	w := &Wrapper{
		lock:     config.Locker,
		contexts: make(map[string]*Context),
	}
	if config.LoggerFactory != nil {
		w.log = config.LoggerFactory.NewLogger("oscore")
	}
	return w
}

func contextKey(recipientID, idContext []byte) string {
	return fmt.Sprintf("%x/%x", recipientID, idContext)
}

// AddContext derives a context and registers it under its recipient ID
// and ID context, replacing any previous one.
func (w *Wrapper) AddContext(config Config) (*Context, error) {
	ctx, err := NewContext(config, w.lock)
	if err != nil {
		return nil, err
	}
	w.lock.Lock()
	w.contexts[contextKey(ctx.recipientID, ctx.idContext)] = ctx
	w.lock.Unlock()
	if w.log != nil {
		w.log.Infof("added security context sender=%x recipient=%x", ctx.senderID, ctx.recipientID)
	}
	return ctx, nil
}

// RemoveContext drops the context for recipientID and idContext.
func (w *Wrapper) RemoveContext(recipientID, idContext []byte) {
	w.lock.Lock()
	delete(w.contexts, contextKey(recipientID, idContext))
	w.lock.Unlock()
}

// Lookup finds the context for an inbound kid and optional kid context.
func (w *Wrapper) Lookup(kid, kidContext []byte) (*Context, bool) {
	w.lock.Lock()
	defer w.lock.Unlock()
	ctx, ok := w.contexts[contextKey(kid, kidContext)]
	return ctx, ok
}

// ProtectRequest encrypts msg with ctx. The returned message carries the
// OSCORE option and the outer options only; keep the Binding to protect
// or unprotect responses to it.
func (w *Wrapper) ProtectRequest(msg *message.Message, ctx *Context) (*message.Message, *Binding, error) {
	seq, err := ctx.nextSequence()
	if err != nil {
		return nil, nil, err
	}
	piv := encodePIV(seq)
	nonce := ctx.nonce(ctx.senderID, piv)
	b := &Binding{ctx: ctx, kid: clone(ctx.senderID), piv: piv, nonce: nonce}

	opt := optionValue{piv: piv, kid: ctx.senderID, hasKID: true}
	if len(ctx.idContext) > 0 {
		opt.kidContext, opt.hasContext = ctx.idContext, true
	}

	outerCode := message.POST
	if msg.Options.Has(message.Observe) {
		outerCode = message.FETCH
	}
	ad, err := aad(b.kid, piv)
	if err != nil {
		return nil, nil, err
	}
	out, err := seal(ctx.senderAEAD, msg, outerCode, opt, nonce, ad, true)
	if err != nil {
		return nil, nil, err
	}
	if w.log != nil {
		w.log.Tracef("protected request %s seq=%d", msg.Code, seq)
	}
	return out, b, nil
}

// UnprotectRequest verifies and decrypts a protected request, selecting
// the context by kid. Replays and authentication failures leave the
// context unchanged.
func (w *Wrapper) UnprotectRequest(msg *message.Message) (*message.Message, *Binding, error) {
	raw, ok := msg.Options.Get(message.OSCORE)
	if !ok {
		return nil, nil, ErrNotProtected
	}
	opt, err := decodeOption(raw)
	if err != nil {
		return nil, nil, err
	}
	if !opt.hasKID {
		return nil, nil, fmt.Errorf("%w: request without kid", ErrUnknownContext)
	}
	if len(opt.piv) == 0 {
		return nil, nil, ErrMissingPartialIV
	}
	ctx, ok := w.Lookup(opt.kid, opt.kidContext)
	if !ok {
		return nil, nil, fmt.Errorf("%w: kid %x", ErrUnknownContext, opt.kid)
	}

	seq := decodePIV(opt.piv)
	if err := ctx.checkReplay(seq); err != nil {
		w.warn("request seq=%d from kid %x: %v", seq, opt.kid, err)
		return nil, nil, err
	}
	nonce := ctx.nonce(opt.kid, opt.piv)
	b := &Binding{ctx: ctx, kid: opt.kid, piv: opt.piv, nonce: nonce}

	ad, err := aad(opt.kid, opt.piv)
	if err != nil {
		return nil, nil, err
	}
	out, err := open(ctx.recipientAEAD, msg, nonce, ad, true)
	if err != nil {
		w.warn("request seq=%d from kid %x: %v", seq, opt.kid, err)
		return nil, nil, err
	}
	if err := ctx.acceptReplay(seq); err != nil {
		return nil, nil, err
	}
	return out, b, nil
}

// ProtectResponse encrypts a response to the request bound by b.
// Notifications (responses carrying Observe) use a fresh Partial IV from
// the sender sequence; other responses reuse the request nonce.
func (w *Wrapper) ProtectResponse(msg *message.Message, b *Binding) (*message.Message, error) {
	ctx := b.ctx
	nonce := b.nonce
	var opt optionValue
	outerCode := message.Changed

	if msg.Options.Has(message.Observe) {
		outerCode = message.Content
		seq, err := ctx.nextSequence()
		if err != nil {
			return nil, err
		}
		opt.piv = encodePIV(seq)
		nonce = ctx.nonce(ctx.senderID, opt.piv)
	}
	ad, err := aad(b.kid, b.piv)
	if err != nil {
		return nil, err
	}
	return seal(ctx.senderAEAD, msg, outerCode, opt, nonce, ad, false)
}

// UnprotectResponse verifies and decrypts a response to the request bound
// by b. Notifications must carry increasing Partial IVs.
func (w *Wrapper) UnprotectResponse(msg *message.Message, b *Binding) (*message.Message, error) {
	raw, ok := msg.Options.Get(message.OSCORE)
	if !ok {
		return nil, ErrNotProtected
	}
	opt, err := decodeOption(raw)
	if err != nil {
		return nil, err
	}
	ctx := b.ctx
	nonce := b.nonce
	var seq uint64
	if len(opt.piv) > 0 {
		seq = decodePIV(opt.piv)
		ctx.lock.Lock()
		stale := b.hasLastNotify && seq <= b.lastNotify
		ctx.lock.Unlock()
		if stale {
			return nil, ErrReplayDetected
		}
		nonce = ctx.nonce(ctx.recipientID, opt.piv)
	}

	ad, err := aad(b.kid, b.piv)
	if err != nil {
		return nil, err
	}
	out, err := open(ctx.recipientAEAD, msg, nonce, ad, false)
	if err != nil {
		w.warn("response to seq=%d: %v", decodePIV(b.piv), err)
		return nil, err
	}
	if len(opt.piv) > 0 {
		ctx.lock.Lock()
		if b.hasLastNotify && seq <= b.lastNotify {
			ctx.lock.Unlock()
			return nil, ErrReplayDetected
		}
		b.lastNotify, b.hasLastNotify = seq, true
		ctx.lock.Unlock()
	}
	return out, nil
}

func (w *Wrapper) warn(format string, args ...interface{}) {
	if w.log != nil {
		w.log.Warnf(format, args...)
	}
}

// isOuterOnly reports options that stay readable to proxies (Class U).
func isOuterOnly(id message.OptionID) bool {
	switch id {
	case message.URIHost, message.URIPort, message.ProxyURI, message.ProxyScheme, message.OSCORE:
		return true
	}
	return false
}

// seal moves the code, the Class E options and the payload of msg into the
// ciphertext and returns the outer message.
func seal(aead *crypto.AESCCM, msg *message.Message, outerCode message.Code, opt optionValue, nonce, ad []byte, request bool) (*message.Message, error) {
	var inner, outer message.Options
	for _, o := range msg.Options {
		switch {
		case o.ID == message.OSCORE:
		case isOuterOnly(o.ID):
			outer = outer.Add(o.ID, o.Value)
		case o.ID == message.Observe:
			// Observe is visible outside; requests keep an inner copy.
			outer = outer.Add(o.ID, o.Value)
			if request {
				inner = inner.Add(o.ID, o.Value)
			}
		default:
			inner = inner.Add(o.ID, o.Value)
		}
	}

	encoded, err := message.EncodeOptions(inner)
	if err != nil {
		return nil, err
	}
	plaintext := append([]byte{byte(msg.Code)}, encoded...)
	if len(msg.Payload) > 0 {
		plaintext = append(plaintext, 0xFF)
		plaintext = append(plaintext, msg.Payload...)
	}

	ciphertext, err := aead.Encrypt(nonce, plaintext, ad)
	if err != nil {
		return nil, err
	}
	return &message.Message{
		Type:      msg.Type,
		Code:      outerCode,
		MessageID: msg.MessageID,
		Token:     append(message.Token(nil), msg.Token...),
		Options:   outer.Add(message.OSCORE, opt.encode()),
		Payload:   ciphertext,
	}, nil
}

// open decrypts the payload of a protected message and rebuilds the
// original from the outer header, the outer options and the plaintext.
func open(aead *crypto.AESCCM, msg *message.Message, nonce, ad []byte, request bool) (*message.Message, error) {
	plaintext, err := aead.Decrypt(nonce, msg.Payload, ad)
	if err != nil {
		if errors.Is(err, crypto.ErrAESCCMAuthFailed) || errors.Is(err, crypto.ErrAESCCMCiphertextTooShort) {
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		return nil, err
	}
	if len(plaintext) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrDecodePlaintext)
	}
	inner, payload, err := message.DecodeOptions(plaintext[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodePlaintext, err)
	}

	out := &message.Message{
		Type:      msg.Type,
		Code:      message.Code(plaintext[0]),
		MessageID: msg.MessageID,
		Token:     append(message.Token(nil), msg.Token...),
	}
	for _, o := range msg.Options {
		if o.ID == message.OSCORE || (o.ID == message.Observe && request) {
			continue
		}
		if isOuterOnly(o.ID) || o.ID == message.Observe {
			out.Options = out.Options.Add(o.ID, o.Value)
		}
	}
	for _, o := range inner {
		if isOuterOnly(o.ID) {
			continue
		}
		out.Options = out.Options.Add(o.ID, o.Value)
	}
	if len(payload) > 0 {
		out.Payload = append([]byte(nil), payload...)
	}
	return out, nil
}
