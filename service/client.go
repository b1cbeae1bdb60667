package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/meshlink/coapcore"
	"github.com/meshlink/coapcore/block"
	"github.com/meshlink/coapcore/observe"
	"github.com/meshlink/coapcore/oscore"
)

// Client is the outstanding-request side of the service: it owns the
// token generator, a message-ID counter, the reliability engine and
// reply table, and integrates the Block, Observe, Echo and OSCORE
// pipelines behind a single Do "send and wait" call.
type Client struct {
	cfg     *coap.Config
	tokens  *coap.TokenGenerator
	msgID   atomic.Uint32
	replies *coap.Replies
	rel     *coap.Reliability
	send    coap.Sender
	log     coap.Logger

	oscorePipe *oscore.Pipeline

	mu          sync.Mutex
	observeAges map[string]uint32 // keyed by path, last-accepted notification age
}

// NewClient builds a Client. send transmits an encoded packet to peer;
// it is shared as the Sender the embedded Reliability engine uses for
// CON retransmission, and is called directly for NON messages, which
// never enter the pending table.
func NewClient(cfg *coap.Config, send coap.Sender, clock coap.Clock, log coap.Logger, metrics *coap.Metrics) *Client {
	return &Client{
		cfg:         cfg,
		tokens:      coap.NewTokenGenerator(),
		replies:     coap.NewReplies(cfg.MaxReplies),
		rel:         coap.NewReliability(cfg, send, clock, log, metrics),
		send:        send,
		log:         log,
		observeAges: make(map[string]uint32),
	}
}

// SetOSCORE registers the OSCORE pipeline that verifies and decrypts
// responses to protected requests; without it, inbound traffic passes
// straight to matching.
func (c *Client) SetOSCORE(p *oscore.Pipeline) { c.oscorePipe = p }

// ProcessInbound feeds one parsed inbound message through the client's
// receive path: ACK/RST traffic clears the pending table, OSCORE
// responses are verified and decrypted (failing closed on plaintext
// replies to protected requests), and whatever remains is matched
// against the reply table. keep preserves the matched reply entry for
// Observe notification streams.
func (c *Client) ProcessInbound(m *coap.Message, peer coap.Peer, keep bool, now time.Time) {
	if m.Type == coap.Acknowledgement || m.Type == coap.Reset {
		c.rel.Acknowledge(peer, m.ID)
	}
	if m.IsEmpty() {
		// An empty ACK only stops retransmission; the separate response
		// arrives later under the request's token. An empty RST rejects
		// the request outright, so the waiter is released with it.
		if m.Type == coap.Reset {
			if reply, ok := c.replies.ResponseReceived(m, peer, false); ok && reply.Handler != nil {
				reply.Handler(m, peer)
			}
		}
		return
	}
	if c.oscorePipe != nil {
		inner, err := c.oscorePipe.ClientInbound(m, peer, now)
		if err != nil {
			logf(c.log, "coap: dropping response from %s: %s", peer, err)
			return
		}
		if inner == nil {
			return
		}
		m = inner
	}
	if opt := coap.CheckUnsupportedCriticalOptions(m.Options, nil); opt != nil {
		logf(c.log, "coap: response from %s carries unsupported critical option %d", peer, opt.ID)
		if m.Type == coap.Confirmable {
			rst := &coap.Message{Type: coap.Reset, ID: m.ID}
			if packet, err := rst.Encode(); err == nil {
				if err := c.send(packet, peer); err != nil {
					logf(c.log, "coap: sending RST to %s failed: %s", peer, err)
				}
			}
		}
		return
	}
	if reply, ok := c.replies.ResponseReceived(m, peer, keep); ok && reply.Handler != nil {
		reply.Handler(m, peer)
	}
}

// Reliability exposes the embedded reliability engine so the caller can
// drive Cycle() from its own timer loop.
func (c *Client) Reliability() *coap.Reliability { return c.rel }

// Replies exposes the embedded reply table so inbound traffic can be
// matched against it.
func (c *Client) Replies() *coap.Replies { return c.replies }

// nextMessageID returns a fresh 16-bit message ID. Unlike the token
// generator's 32-bit counter, this one wraps, matching RFC 7252's
// message-ID field width; wrapping message IDs across a long-lived
// client is the caller's concern (stale pendings will have been cleared
// by then).
func (c *Client) nextMessageID() uint16 {
	return uint16(c.msgID.Inc())
}

// Do sends req as a CON or NON and blocks until a matching response
// arrives or ctx is done, in which case it returns a Cancelled error.
// Do does not inspect a No-Response option on req, and it does not
// return TimedOut: retransmission exhaustion reported by
// Reliability().Cycle does not end the wait.
//
// Block-wise transfer is driven transparently: a request body larger
// than the configured block size is sent as a Block1 sequence, and a
// response arriving in Block2 fragments is reassembled (soliciting each
// following block per RFC 7959 §2.4) before Do returns it.
func (c *Client) Do(ctx context.Context, req *coap.Message, peer coap.Peer) (*coap.Message, error) {
	if len(req.Payload) > c.blockSize() {
		return c.doBlock1(ctx, req, peer)
	}
	resp, err := c.roundTrip(ctx, req, peer)
	if err != nil || resp == nil {
		return resp, err
	}
	return c.finishBlock2(ctx, req, resp, peer)
}

// blockSize is the largest payload sent or solicited in one message.
func (c *Client) blockSize() int {
	return block.SZX(c.cfg.BlockSZXMax).Size()
}

// roundTrip performs one send-and-wait exchange with no block-wise
// handling: token/ID allocation, reply registration, CON reliability,
// and delivery of the matched response.
func (c *Client) roundTrip(ctx context.Context, req *coap.Message, peer coap.Peer) (*coap.Message, error) {
	if req.Token == nil {
		req.Token = coap.Token(c.tokens.Next())
	}
	if req.ID == 0 {
		req.ID = c.nextMessageID()
	}

	// traceID only correlates this exchange's log lines; it never
	// touches the wire.
	traceID := xid.New().String()
	logf(c.log, "coap: id=%s send %s %s token=%x peer=%s", traceID, req.Type, req.Code, req.Token, peer)

	result := make(chan doResult, 1)
	if err := c.replies.Register(req.ID, req.Token, peer, func(resp *coap.Message, _ coap.Peer) {
		select {
		case result <- doResult{resp: resp}:
		default:
		}
	}); err != nil {
		return nil, err
	}

	packet, err := req.Encode()
	if err != nil {
		c.replies.Abandon(peer, req.Token)
		return nil, err
	}

	if req.Type == coap.Confirmable {
		if err := c.rel.Send(packet, peer, req.ID, coap.TxParams{}); err != nil {
			c.replies.Abandon(peer, req.Token)
			return nil, err
		}
	} else if err := c.send(packet, peer); err != nil {
		c.replies.Abandon(peer, req.Token)
		return nil, err
	}

	select {
	case r := <-result:
		logf(c.log, "coap: id=%s recv %v", traceID, r.resp)
		return r.resp, r.err
	case <-ctx.Done():
		c.replies.Abandon(peer, req.Token)
		logf(c.log, "coap: id=%s cancelled", traceID)
		return nil, &coap.Error{Kind: coap.KindCancelled, Reason: "request cancelled"}
	}
}

type doResult struct {
	resp *coap.Message
	err  error
}

// doBlock1 sends req's body as a Block1 sequence: every block but the
// last expects a 2.31 Continue, and the final block's exchange carries
// the real response (itself possibly Block2-fragmented).
func (c *Client) doBlock1(ctx context.Context, req *coap.Message, peer coap.Peer) (*coap.Message, error) {
	szx := block.SZX(c.cfg.BlockSZXMax)
	size := szx.Size()
	body := req.Payload
	for num := uint32(0); ; num++ {
		start := int(num) * size
		end := start + size
		more := end < len(body)
		if end > len(body) {
			end = len(body)
		}
		seg := *req
		seg.Token = nil
		seg.ID = 0
		opts, err := block.Append(req.Options, 1, block.Context{Num: num, More: more, SZX: szx})
		if err != nil {
			return nil, err
		}
		seg.Options = opts
		seg.Payload = body[start:end]

		resp, err := c.roundTrip(ctx, &seg, peer)
		if err != nil {
			return nil, err
		}
		if !more {
			if resp == nil {
				return nil, nil
			}
			return c.finishBlock2(ctx, &seg, resp, peer)
		}
		if resp == nil || resp.Code != coap.Continue {
			// The peer cut the sequence short (an error response, or a
			// server that took the whole body early); surface it as-is.
			return resp, nil
		}
	}
}

// finishBlock2 completes a possibly fragmented response: while resp
// carries a Block2 option with More set, the payload is accumulated and
// the next block solicited by copying the request's method and Uri-*
// options. The returned message is resp with the reassembled payload
// and the Block2/Size2 options removed.
func (c *Client) finishBlock2(ctx context.Context, req *coap.Message, resp *coap.Message, peer coap.Peer) (*coap.Message, error) {
	bctx, present, err := block.Get(resp.Options, 2)
	if err != nil {
		return nil, err
	}
	if !present || (bctx.Num == 0 && !bctx.More) {
		return resp, nil
	}
	r := block.NewReassembler(c.cfg.OSCOREMaxUnfragmentedSize)
	for {
		complete, err := r.Feed(bctx, resp.Options, resp.Payload)
		if err != nil {
			return nil, err
		}
		if complete {
			out := *resp
			out.Options = resp.Options.Remove(coap.Block2).Remove(coap.QBlock2).Remove(coap.Size2)
			out.Payload = append([]byte(nil), r.Bytes()...)
			return &out, nil
		}
		next, err := block.NextBlock2Request(req, bctx)
		if err != nil {
			return nil, err
		}
		next.Token = nil
		next.ID = 0
		resp, err = c.roundTrip(ctx, next, peer)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, &coap.Error{Kind: coap.KindBadMessage, Reason: "block transfer ended without a response"}
		}
		bctx, present, err = block.Get(resp.Options, 2)
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, &coap.Error{Kind: coap.KindBadMessage, Reason: "continuation response missing its Block2 option"}
		}
		req = next
	}
}

// HandleEcho inspects a 4.01 Unauthorized response for an Echo option
// and, if present, retries req once with the echoed value attached,
// per RFC 9175 §2.3. It returns the retried response, or the original
// response if no Echo challenge was present.
func (c *Client) HandleEcho(ctx context.Context, req *coap.Message, resp *coap.Message, peer coap.Peer) (*coap.Message, error) {
	if resp.Code != coap.Unauthorized {
		return resp, nil
	}
	found := resp.Options.Find(coap.Echo)
	if len(found) == 0 {
		return resp, nil
	}
	value := found[0].Value
	opts, err := req.Options.Remove(coap.Echo).Add(coap.Echo, value)
	if err != nil {
		return nil, err
	}
	retry := *req
	retry.Options = opts
	retry.Token = coap.Token(c.tokens.Next())
	retry.ID = 0
	return c.Do(ctx, &retry, peer)
}

// AcceptNotification tracks client-side Observe age ordering for path,
// discarding notifications that are not newer than the last one
// accepted (RFC 7641 §3.4). It returns true if age should be delivered
// to the caller, recording it as the new high-water mark when it does.
func (c *Client) AcceptNotification(path string, age uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, seen := c.observeAges[path]
	if seen && !observe.AgeIsNewer(last, age) {
		return false
	}
	c.observeAges[path] = age
	return true
}
