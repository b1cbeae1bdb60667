package oscore

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/meshlink/coapcore"
	"github.com/meshlink/coapcore/block"
)

// Pipeline drives the RFC 8613 §8 processing order for OSCORE traffic in
// both directions: outer-block reassembly first, then envelope
// validation, context lookup, replay check and verification, then
// hand-off of the decrypted inner message for re-entry into the normal
// dispatch path. Verification failures on the server side become
// unprotected error responses carrying Max-Age=0; on the client side
// everything fails closed by dropping.
type Pipeline struct {
	store     *Store
	verifier  Verifier
	exchanges *ExchangeCache

	maxUnfragmented int
	log             coap.Logger
	metrics         *coap.Metrics

	mu          sync.Mutex
	reassembler map[string]*block.Reassembler
}

// NewPipeline wires a Pipeline from its collaborators. verifier is the
// external cryptographic capability; store resolves kids to security
// contexts.
func NewPipeline(cfg *coap.Config, store *Store, verifier Verifier, log coap.Logger, metrics *coap.Metrics) *Pipeline {
	return &Pipeline{
		store:           store,
		verifier:        verifier,
		exchanges:       NewExchangeCache(cfg.OSCOREExchangeCacheSize, cfg.OSCOREExchangeLifetime),
		maxUnfragmented: cfg.OSCOREMaxUnfragmentedSize,
		log:             log,
		metrics:         metrics,
		reassembler:     make(map[string]*block.Reassembler),
	}
}

// Exchanges exposes the exchange cache, so the caller can cancel an
// Observe exchange or inspect state in tests.
func (p *Pipeline) Exchanges() *ExchangeCache { return p.exchanges }

// RecordRequest notes that an OSCORE-protected request went out under
// (peer, token), so ClientInbound can recognise its response and
// enforce the fail-closed rule against plaintext replies. isObserve
// keeps the entry alive across notifications.
func (p *Pipeline) RecordRequest(peer coap.Peer, token coap.Token, isObserve bool, now time.Time) {
	p.exchanges.Put(peer, token, isObserve, now)
}

// failureCause names a VerifyFailure for the metrics label.
func failureCause(f VerifyFailure) string {
	switch f {
	case FailureDecodeError:
		return "decode"
	case FailureContextNotFound:
		return "context"
	case FailureReplay:
		return "replay"
	case FailureEchoNeeded:
		return "echo"
	default:
		return "integrity"
	}
}

// errorResponse builds the unprotected error response for a failed
// inbound request: the mapped response code, Max-Age=0, response type
// mirroring the request type, never OSCORE-protected.
func errorResponse(req *coap.Message, err error) (*coap.Message, error) {
	resp := coap.AckInit(req, MapError(err))
	if req.Type == coap.NonConfirmable {
		resp.Type = coap.NonConfirmable
	}
	opts, oerr := resp.Options.AddUint(coap.MaxAge, 0)
	if oerr != nil {
		return nil, oerr
	}
	resp.Options = opts
	return resp, nil
}

// partialIVSeq converts a big-endian Partial IV (0..5 octets) to the
// sequence number it encodes.
func partialIVSeq(piv []byte) uint64 {
	var b [8]byte
	copy(b[8-len(piv):], piv)
	return binary.BigEndian.Uint64(b[:])
}

// reassemblerFor returns the per-exchange outer-block reassembler,
// creating it on first use.
func (p *Pipeline) reassemblerFor(key string) *block.Reassembler {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reassembler[key]
	if !ok {
		r = block.NewReassembler(p.maxUnfragmented)
		p.reassembler[key] = r
	}
	return r
}

func (p *Pipeline) dropReassembler(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reassembler, key)
}

// reassembleOuter runs the outer-block step of RFC 8613 §8.4.1: if a
// Block option of the given family is present, the message's payload is fed
// into the per-exchange reassembler. It returns (payload, done): done
// is false while more blocks are outstanding. Once complete, the
// reconstructed payload is returned and the reassembly state cleared.
// Messages without a Block option pass through untouched.
func (p *Pipeline) reassembleOuter(key string, m *coap.Message, family int) ([]byte, bool, error) {
	ctx, present, err := block.Get(m.Options, family)
	if err != nil {
		return nil, false, err
	}
	if !present {
		return m.Payload, true, nil
	}
	r := p.reassemblerFor(key)
	complete, err := r.Feed(ctx, m.Options, m.Payload)
	if err != nil {
		p.dropReassembler(key)
		return nil, false, err
	}
	if !complete {
		return nil, false, nil
	}
	payload := r.Bytes()
	p.dropReassembler(key)
	return payload, true, nil
}

// stripOuterBlock removes the Block and Size options of a family from
// a reconstructed message, per RFC 8613 §8.4.1: the verifier must see
// the envelope as if it had never been fragmented.
func stripOuterBlock(opts coap.Options, family int) coap.Options {
	if family == 1 {
		return opts.Remove(coap.Block1).Remove(coap.QBlock1).Remove(coap.Size1)
	}
	return opts.Remove(coap.Block2).Remove(coap.QBlock2).Remove(coap.Size2)
}

// ServerInbound processes an OSCORE-protected request arriving at the
// server. Outcomes:
//   - (inner, nil, nil): verification succeeded; inner is the
//     decrypted request, carrying the outer Type/ID/Token, ready to
//     re-enter dispatch. An exchange entry has been recorded.
//   - (nil, resp, nil): the caller should send resp — either a 2.31
//     Continue soliciting the next outer block, or an unprotected
//     error response with Max-Age=0 from the verify-failure mapping.
//   - (nil, nil, nil): more outer blocks are outstanding on a NON
//     exchange, or the failure occurred on a NON request; nothing to
//     send.
//   - (nil, nil, err): the outer Block options are malformed, or the
//     2.31 Continue response could not be built. A message without an
//     OSCORE option is a verification failure, handled as above.
func (p *Pipeline) ServerInbound(m *coap.Message, peer coap.Peer, now time.Time) (*coap.Message, *coap.Message, error) {
	if err := block.Validate(m.Options); err != nil {
		return nil, nil, err
	}

	key := "srv|" + string(peer)
	payload, done, err := p.reassembleOuter(key, m, 1)
	if err != nil {
		return p.failed(m, err)
	}
	if !done {
		if m.Type != coap.Confirmable {
			return nil, nil, nil
		}
		cont := coap.AckInit(m, coap.Continue)
		ctx, _, _ := block.Get(m.Options, 1)
		opts, err := block.Append(cont.Options, 1, ctx)
		if err != nil {
			return nil, nil, err
		}
		cont.Options = opts
		return nil, cont, nil
	}

	opts := stripOuterBlock(m.Options, 1)
	if err := ValidateMessage(opts, payload); err != nil {
		return p.failed(m, &VerifyError{Failure: FailureDecodeError, Reason: err.Error()})
	}
	kid, err := ExtractKID(opts)
	if err != nil {
		return p.failed(m, &VerifyError{Failure: FailureDecodeError, Reason: err.Error()})
	}
	secCtx, err := p.store.Lookup(kid)
	if err != nil {
		return p.failed(m, err)
	}

	oscoreOpts := opts.Find(coap.OSCORE)
	envelope, err := Decode(oscoreOpts[0].Value)
	if err != nil {
		return p.failed(m, &VerifyError{Failure: FailureDecodeError, Reason: err.Error()})
	}
	if len(envelope.PartialIV) > 0 {
		if err := secCtx.ReceiveSeq(partialIVSeq(envelope.PartialIV)); err != nil {
			return p.failed(m, err)
		}
	}

	plaintext, err := p.verifier.Verify(kid, envelope.PartialIV, payload)
	if err != nil {
		return p.failed(m, err)
	}
	code, innerOpts, innerPayload, err := DecodeInner(plaintext)
	if err != nil {
		return p.failed(m, &VerifyError{Failure: FailureDecodeError, Reason: err.Error()})
	}

	inner := &coap.Message{
		Type:    m.Type,
		Code:    code,
		ID:      m.ID,
		Token:   m.Token,
		Options: innerOpts,
		Payload: innerPayload,
	}
	p.exchanges.Put(peer, m.Token, isObserveRegistration(inner), now)
	return inner, nil, nil
}

// failed turns a verification failure into the caller-visible outcome:
// CON requests get the unprotected mapped error response, NON requests
// are dropped silently, as RFC 7252 prescribes for failed NON
// validation.
func (p *Pipeline) failed(m *coap.Message, err error) (*coap.Message, *coap.Message, error) {
	cause := "integrity"
	if ve, ok := err.(*VerifyError); ok {
		cause = failureCause(ve.Failure)
	}
	p.metrics.IncOSCOREFailure(cause)
	logf(p.log, "oscore: dropping %s from verification failure: %s", m.Code, err)
	if m.Type != coap.Confirmable {
		return nil, nil, nil
	}
	resp, rerr := errorResponse(m, err)
	if rerr != nil {
		return nil, nil, rerr
	}
	return nil, resp, nil
}

// ClientInbound processes a response arriving at a client that may
// belong to an OSCORE-protected exchange. Outcomes:
//   - (inner, nil): the response was OSCORE-protected and verified;
//     inner is the decrypted response ready for matching.
//   - (m, nil): the response does not belong to an OSCORE exchange and
//     passes through untouched.
//   - (nil, nil): more outer blocks are outstanding; nothing to
//     deliver yet.
//   - (nil, err): fail closed — a plaintext response to an OSCORE
//     request, or a verification failure; the caller drops the message.
func (p *Pipeline) ClientInbound(m *coap.Message, peer coap.Peer, now time.Time) (*coap.Message, error) {
	exch, ok := p.exchanges.Find(peer, m.Token, now)
	if !ok {
		return m, nil
	}
	if len(m.Options.Find(coap.OSCORE)) == 0 {
		return nil, &coap.Error{Kind: coap.KindUnauthorized, Reason: "plaintext response to an OSCORE-protected request"}
	}
	if err := block.Validate(m.Options); err != nil {
		return nil, err
	}

	key := "cli|" + string(peer) + "|" + string(m.Token)
	payload, done, err := p.reassembleOuter(key, m, 2)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, nil
	}

	opts := stripOuterBlock(m.Options, 2)
	if err := ValidateMessage(opts, payload); err != nil {
		return nil, err
	}
	kid, err := ExtractKID(opts)
	if err != nil {
		return nil, err
	}
	envelope, err := Decode(opts.Find(coap.OSCORE)[0].Value)
	if err != nil {
		return nil, err
	}
	plaintext, err := p.verifier.Verify(kid, envelope.PartialIV, payload)
	if err != nil {
		cause := "integrity"
		if ve, ok := err.(*VerifyError); ok {
			cause = failureCause(ve.Failure)
		}
		p.metrics.IncOSCOREFailure(cause)
		return nil, err
	}
	code, innerOpts, innerPayload, err := DecodeInner(plaintext)
	if err != nil {
		return nil, err
	}
	if !exch.IsObserve {
		p.exchanges.Remove(peer, m.Token)
	}
	return &coap.Message{
		Type:    m.Type,
		Code:    code,
		ID:      m.ID,
		Token:   m.Token,
		Options: innerOpts,
		Payload: innerPayload,
	}, nil
}

// isObserveRegistration reports whether an inner request registers an
// Observe subscription (Observe option present with an empty or zero
// value), which keeps its exchange entry alive across notifications.
func isObserveRegistration(m *coap.Message) bool {
	found := m.Options.Find(coap.Observe)
	if len(found) == 0 {
		return false
	}
	return len(found[0].Value) == 0
}

// logf mirrors the root package's nil-safe logging helper.
func logf(l coap.Logger, format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.Printf(format, v...)
}
