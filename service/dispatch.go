package service

import (
	"sync"
	"time"

	"github.com/meshlink/coapcore"
	"github.com/meshlink/coapcore/block"
	"github.com/meshlink/coapcore/echo"
	"github.com/meshlink/coapcore/oscore"
)

// Service is the server-side counterpart to Client: it owns a Router, a
// Dedup cache for retransmitted-request detection, the Echo cache used
// to challenge unsafe requests, and the per-peer reassembly state for
// Block1 request bodies. All of it is per-service state, not process
// globals.
type Service struct {
	cfg       *coap.Config
	router    *Router
	dedup     *coap.Dedup
	echoCache *echo.Cache
	echoGen   *echo.Generator
	oscore    *oscore.Pipeline
	log       coap.Logger
	metrics   *coap.Metrics

	mu     sync.Mutex
	block1 map[coap.Peer]*block.Reassembler
}

// NewService builds a Service around router, with dedup and Echo caches
// sized from cfg.
func NewService(cfg *coap.Config, router *Router, log coap.Logger, metrics *coap.Metrics) *Service {
	return &Service{
		cfg:       cfg,
		router:    router,
		dedup:     coap.NewDedup(cfg.DedupCacheSize),
		echoCache: echo.NewCache(cfg.EchoCacheSize, cfg.EchoLifetime),
		echoGen:   echo.NewGenerator(cfg.EchoMaxLen),
		log:       log,
		metrics:   metrics,
		block1:    make(map[coap.Peer]*block.Reassembler),
	}
}

// SetOSCORE registers the OSCORE pipeline as the extension handling the
// OSCORE critical option. Without it, requests carrying the option get
// the unsupported-critical-option treatment.
func (s *Service) SetOSCORE(p *oscore.Pipeline) { s.oscore = p }

// Handle dispatches an inbound request to the registered resource
// handler, after deduplicating retransmissions, unwrapping the OSCORE
// envelope when one is present, rejecting unsupported critical options,
// applying the Echo freshness check for unsafe methods, and honoring
// No-Response before returning a response to the caller. A nil return
// with nil error means no response should be sent.
func (s *Service) Handle(req *coap.Message, peer coap.Peer, now time.Time) (*coap.Message, error) {
	if cached, dup := s.dedup.Check(peer, req.ID); dup {
		s.metrics.IncDedupHits()
		logf(s.log, "coap: %s %s from %s is a duplicate of message id %d", req.Type, req.Code, peer, req.ID)
		if cached != nil {
			resp, err := coap.Parse(cached)
			return resp, err
		}
		return nil, nil
	}

	if len(req.Options.Find(coap.OSCORE)) > 0 {
		if s.oscore == nil {
			return s.rejectBadOption(req, peer, now)
		}
		inner, resp, err := s.oscore.ServerInbound(req, peer, now)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return s.finish(req, peer, resp, now)
		}
		if inner == nil {
			return nil, nil
		}
		req = inner
	}

	if opt := coap.CheckUnsupportedCriticalOptions(req.Options, nil); opt != nil {
		logf(s.log, "coap: rejecting %s from %s: unsupported critical option %d", req.Code, peer, opt.ID)
		return s.rejectBadOption(req, peer, now)
	}

	assembled, resp, err := s.handleBlock1(req, peer, now)
	if err != nil || !assembled {
		return resp, err
	}

	if echo.RequiresFreshness(req.Code) {
		value, present, err := echoValue(req)
		if err != nil {
			return nil, err
		}
		if !present || !s.echoCache.Verify(peer, value, now) {
			challenge, err := s.echoGen.Next()
			if err != nil {
				return nil, err
			}
			s.echoCache.Challenge(peer, challenge, now)
			resp := coap.AckInit(req, coap.Unauthorized)
			resp.Type = echo.ChallengeResponseType(req.Type)
			opts, err := resp.Options.Add(coap.Echo, challenge)
			if err != nil {
				return nil, err
			}
			resp.Options = opts
			return s.finish(req, peer, resp, now)
		}
	}

	handler, ok := s.router.Resolve(req.Path())
	if !ok {
		resp := coap.AckInit(req, coap.NotFound)
		return s.finish(req, peer, resp, now)
	}

	resp, err = handler(req, peer)
	if err != nil {
		return nil, err
	}
	return s.finish(req, peer, resp, now)
}

// rejectBadOption applies the RFC 7252 §5.4.1 policy for a request
// carrying an unsupported critical option: 4.02 Bad Option to CON
// requests, silence for NON requests.
func (s *Service) rejectBadOption(req *coap.Message, peer coap.Peer, now time.Time) (*coap.Message, error) {
	if req.Type != coap.Confirmable {
		return nil, nil
	}
	return s.finish(req, peer, coap.AckInit(req, coap.BadOption), now)
}

// echoValue extracts the request's Echo option, enforcing the RFC 9175
// §2.2 length bound of 1..40 octets before the value is compared
// against the cache.
func echoValue(req *coap.Message) ([]byte, bool, error) {
	found := req.Options.Find(coap.Echo)
	if len(found) == 0 {
		return nil, false, nil
	}
	if err := echo.ValidateLen(found[0].Value); err != nil {
		return nil, true, err
	}
	return found[0].Value, true, nil
}

// handleBlock1 feeds a request carrying a Block1 option into the
// per-peer reassembler. assembled is true once req holds the complete
// body (or never had a Block1 option) and processing should continue;
// otherwise resp is the 2.31 Continue soliciting the next block, or
// the error response for an aborted transfer, and dispatch stops here.
func (s *Service) handleBlock1(req *coap.Message, peer coap.Peer, now time.Time) (assembled bool, resp *coap.Message, err error) {
	bctx, present, err := block.Get(req.Options, 1)
	if err != nil {
		return false, nil, err
	}
	if !present {
		return true, nil, nil
	}

	s.mu.Lock()
	r, ok := s.block1[peer]
	if !ok {
		r = block.NewReassembler(s.cfg.OSCOREMaxUnfragmentedSize)
		s.block1[peer] = r
	}
	s.mu.Unlock()

	complete, err := r.Feed(bctx, req.Options, req.Payload)
	if err != nil {
		s.mu.Lock()
		delete(s.block1, peer)
		s.mu.Unlock()
		if req.Type != coap.Confirmable {
			return false, nil, nil
		}
		code := coap.RequestEntityIncomplete
		if coap.IsKind(err, coap.KindNoMemory) {
			code = coap.RequestEntityTooLarge
		}
		abort, ferr := s.finish(req, peer, coap.AckInit(req, code), now)
		return false, abort, ferr
	}
	if !complete {
		cont := coap.AckInit(req, coap.Continue)
		opts, err := block.Append(cont.Options, 1, bctx)
		if err != nil {
			return false, nil, err
		}
		cont.Options = opts
		resp, err = s.finish(req, peer, cont, now)
		return false, resp, err
	}

	s.mu.Lock()
	delete(s.block1, peer)
	s.mu.Unlock()
	req.Payload = append([]byte(nil), r.Bytes()...)
	req.Options = req.Options.Remove(coap.Block1).Remove(coap.QBlock1).Remove(coap.Size1)
	return true, nil, nil
}

// sliceBlock2 trims resp's payload to the block the request solicited
// (block 0 when no Block2 option is present) whenever the body exceeds
// the block size, appending the matching Block2 option per RFC 7959
// §2.3. A solicited block beyond the end of the body gets 4.02.
func (s *Service) sliceBlock2(req, resp *coap.Message) (*coap.Message, error) {
	bctx, present, err := block.Get(req.Options, 2)
	if err != nil {
		return nil, err
	}
	szx := block.SZX(s.cfg.BlockSZXMax)
	num := uint32(0)
	if present {
		szx = bctx.SZX
		num = bctx.Num
	}
	size := szx.Size()
	if !present && len(resp.Payload) <= size {
		return resp, nil
	}
	start := int(num) * size
	if start > len(resp.Payload) || (start == len(resp.Payload) && len(resp.Payload) > 0) {
		return coap.AckInit(req, coap.BadOption), nil
	}
	end := start + size
	if end > len(resp.Payload) {
		end = len(resp.Payload)
	}
	opts, err := block.Append(resp.Options, 2, block.Context{Num: num, More: end < len(resp.Payload), SZX: szx})
	if err != nil {
		return nil, err
	}
	resp.Options = opts
	resp.Payload = resp.Payload[start:end]
	return resp, nil
}

// finish applies Block2 slicing and the No-Response suppression rule
// before handing resp back to the caller for transmission, and records
// the response in the dedup cache so a retransmitted duplicate of req
// gets the same answer.
func (s *Service) finish(req *coap.Message, peer coap.Peer, resp *coap.Message, now time.Time) (*coap.Message, error) {
	if resp == nil {
		return nil, nil
	}
	resp, err := s.sliceBlock2(req, resp)
	if err != nil {
		return nil, err
	}
	suppress, err := coap.NoResponseCheck(req, resp.Code)
	if err != nil {
		return nil, err
	}
	packet, err := resp.Encode()
	if err != nil {
		return nil, err
	}
	s.dedup.Seen(peer, req.ID, packet, now)
	if suppress {
		return nil, nil
	}
	return resp, nil
}
