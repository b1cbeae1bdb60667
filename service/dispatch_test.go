package service

import (
	"testing"
	"time"

	"github.com/meshlink/coapcore"
	"github.com/meshlink/coapcore/block"
)

func testConfig() *coap.Config {
	cfg := coap.DefaultConfig()
	cfg.EchoMaxLen = 8
	cfg.EchoCacheSize = 8
	cfg.EchoLifetime = time.Minute
	cfg.DedupCacheSize = 8
	return cfg
}

func TestHandleRoutesToRegisteredHandler(t *testing.T) {
	r := NewRouter()
	r.Register("/hello", func(req *coap.Message, peer coap.Peer) (*coap.Message, error) {
		resp := coap.AckInit(req, coap.Content)
		return resp, nil
	})
	svc := NewService(testConfig(), r, nil, nil)

	req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, ID: 1, Token: coap.Token{1}}
	if err := req.SetPath("/hello"); err != nil {
		t.Fatal(err)
	}

	resp, err := svc.Handle(req, coap.Peer("p1"), time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Code != coap.Content {
		t.Fatalf("expected 2.05 Content, got %+v", resp)
	}
}

func TestHandleUnknownPathReturnsNotFound(t *testing.T) {
	svc := NewService(testConfig(), NewRouter(), nil, nil)
	req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, ID: 1, Token: coap.Token{1}}
	req.SetPath("/missing")

	resp, err := svc.Handle(req, coap.Peer("p1"), time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Code != coap.NotFound {
		t.Fatalf("expected 4.04 Not Found, got %+v", resp)
	}
}

// A POST without an Echo option triggers a 4.01 challenge; retrying
// with the returned value is accepted.
func TestHandleChallengesUnsafeMethodThenAccepts(t *testing.T) {
	var accepted int
	r := NewRouter()
	r.Register("/cfg", func(req *coap.Message, peer coap.Peer) (*coap.Message, error) {
		accepted++
		return coap.AckInit(req, coap.Changed), nil
	})
	svc := NewService(testConfig(), r, nil, nil)

	req := &coap.Message{Type: coap.Confirmable, Code: coap.POST, ID: 1, Token: coap.Token{1}}
	req.SetPath("/cfg")

	now := time.Unix(1000, 0)
	resp, err := svc.Handle(req, coap.Peer("p1"), now)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Code != coap.Unauthorized {
		t.Fatalf("expected 4.01 Unauthorized challenge, got %v", resp.Code)
	}
	echoOpts := resp.Options.Find(coap.Echo)
	if len(echoOpts) != 1 {
		t.Fatalf("expected exactly one Echo option in the challenge")
	}
	value := echoOpts[0].Value

	retry := &coap.Message{Type: coap.Confirmable, Code: coap.POST, ID: 2, Token: coap.Token{2}}
	retry.SetPath("/cfg")
	opts, err := retry.Options.Add(coap.Echo, value)
	if err != nil {
		t.Fatal(err)
	}
	retry.Options = opts

	resp2, err := svc.Handle(retry, coap.Peer("p1"), now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if resp2 == nil || resp2.Code != coap.Changed {
		t.Fatalf("expected 2.04 Changed after echoing the challenge, got %+v", resp2)
	}
	if accepted != 1 {
		t.Fatalf("handler should have been invoked exactly once, got %d", accepted)
	}
}

func TestHandleSuppressesResponseViaNoResponse(t *testing.T) {
	r := NewRouter()
	r.Register("/x", func(req *coap.Message, peer coap.Peer) (*coap.Message, error) {
		return coap.AckInit(req, coap.Content), nil
	})
	svc := NewService(testConfig(), r, nil, nil)

	req := &coap.Message{Type: coap.NonConfirmable, Code: coap.GET, ID: 1, Token: coap.Token{1}}
	req.SetPath("/x")
	if err := req.AppendNoResponse(uint8(coap.NoResponseSuppress2xx)); err != nil {
		t.Fatal(err)
	}

	resp, err := svc.Handle(req, coap.Peer("p1"), time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatalf("expected suppressed (nil) response, got %+v", resp)
	}
}

func TestHandleRejectsUnknownCriticalOption(t *testing.T) {
	svc := NewService(testConfig(), NewRouter(), nil, nil)

	// 65001 is odd (critical) and absent from the catalog.
	req := &coap.Message{
		Type:    coap.Confirmable,
		Code:    coap.GET,
		ID:      1,
		Token:   coap.Token{1},
		Options: coap.Options{{ID: 65001, Value: []byte{1}}},
	}
	resp, err := svc.Handle(req, coap.Peer("p1"), time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Code != coap.BadOption {
		t.Fatalf("CON with unknown critical option should get 4.02, got %+v", resp)
	}

	non := &coap.Message{
		Type:    coap.NonConfirmable,
		Code:    coap.GET,
		ID:      2,
		Token:   coap.Token{2},
		Options: coap.Options{{ID: 65001, Value: []byte{1}}},
	}
	resp, err = svc.Handle(non, coap.Peer("p1"), time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatalf("NON with unknown critical option should be dropped silently, got %+v", resp)
	}
}

func TestHandleRejectsOSCOREWithoutPipeline(t *testing.T) {
	svc := NewService(testConfig(), NewRouter(), nil, nil)

	opts, err := coap.Options{}.Add(coap.OSCORE, []byte{0x08, 0x42})
	if err != nil {
		t.Fatal(err)
	}
	req := &coap.Message{Type: coap.Confirmable, Code: coap.POST, ID: 3, Token: coap.Token{3}, Options: opts, Payload: []byte("ct")}

	resp, err := svc.Handle(req, coap.Peer("p1"), time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Code != coap.BadOption {
		t.Fatalf("OSCORE request with no pipeline registered should get 4.02, got %+v", resp)
	}
}

// A FETCH body arriving in two Block1 segments is answered 2.31 until
// complete; the handler then sees the reassembled payload with the
// Block1 option stripped.
func TestHandleReassemblesBlock1Request(t *testing.T) {
	var gotBody []byte
	r := NewRouter()
	r.Register("/search", func(req *coap.Message, peer coap.Peer) (*coap.Message, error) {
		gotBody = append([]byte(nil), req.Payload...)
		if len(req.Options.Find(coap.Block1)) != 0 {
			t.Fatalf("handler must not see the Block1 option")
		}
		return coap.AckInit(req, coap.Content), nil
	})
	svc := NewService(testConfig(), r, nil, nil)

	now := time.Unix(0, 0)
	mkSeg := func(id uint16, num uint32, more bool, payload []byte) *coap.Message {
		req := &coap.Message{Type: coap.Confirmable, Code: coap.FETCH, ID: id, Token: coap.Token{byte(id)}, Payload: payload}
		if err := req.SetPath("/search"); err != nil {
			t.Fatal(err)
		}
		opts, err := block.Append(req.Options, 1, block.Context{Num: num, More: more, SZX: 1})
		if err != nil {
			t.Fatal(err)
		}
		req.Options = opts
		return req
	}

	first := make([]byte, 32)
	resp, err := svc.Handle(mkSeg(1, 0, true, first), coap.Peer("p1"), now)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Code != coap.Continue {
		t.Fatalf("intermediate segment should get 2.31 Continue, got %+v", resp)
	}
	if len(resp.Options.Find(coap.Block1)) != 1 {
		t.Fatalf("the Continue must echo the Block1 option")
	}

	resp, err = svc.Handle(mkSeg(2, 1, false, []byte("tail")), coap.Peer("p1"), now)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Code != coap.Content {
		t.Fatalf("final segment should dispatch, got %+v", resp)
	}
	if len(gotBody) != 36 {
		t.Fatalf("handler saw %d octets, want 36", len(gotBody))
	}
}

// A response body larger than the block size goes out one block at a
// time, each follow-up request soliciting the next block number.
func TestHandleSlicesBlock2Response(t *testing.T) {
	body := make([]byte, 80)
	for i := range body {
		body[i] = byte(i)
	}
	r := NewRouter()
	r.Register("/big", func(req *coap.Message, peer coap.Peer) (*coap.Message, error) {
		resp := coap.AckInit(req, coap.Content)
		resp.Payload = body
		return resp, nil
	})
	cfg := testConfig()
	cfg.BlockSZXMax = 1 // 32-octet blocks
	svc := NewService(cfg, r, nil, nil)

	now := time.Unix(0, 0)
	get := func(id uint16, bctx *block.Context) *coap.Message {
		req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, ID: id, Token: coap.Token{byte(id)}}
		if err := req.SetPath("/big"); err != nil {
			t.Fatal(err)
		}
		if bctx != nil {
			opts, err := block.Append(req.Options, 2, *bctx)
			if err != nil {
				t.Fatal(err)
			}
			req.Options = opts
		}
		return req
	}

	resp, err := svc.Handle(get(1, nil), coap.Peer("p1"), now)
	if err != nil {
		t.Fatal(err)
	}
	bctx, present, err := block.Get(resp.Options, 2)
	if err != nil || !present {
		t.Fatalf("first block should carry Block2: %v", err)
	}
	if bctx.Num != 0 || !bctx.More || len(resp.Payload) != 32 {
		t.Fatalf("block 0: %+v payload=%d", bctx, len(resp.Payload))
	}

	resp, err = svc.Handle(get(2, &block.Context{Num: 2, SZX: 1}), coap.Peer("p1"), now)
	if err != nil {
		t.Fatal(err)
	}
	bctx, _, err = block.Get(resp.Options, 2)
	if err != nil {
		t.Fatal(err)
	}
	if bctx.Num != 2 || bctx.More || len(resp.Payload) != 16 {
		t.Fatalf("final block: %+v payload=%d", bctx, len(resp.Payload))
	}
	if resp.Payload[0] != 64 {
		t.Fatalf("final block should start at offset 64, got first octet %d", resp.Payload[0])
	}

	resp, err = svc.Handle(get(3, &block.Context{Num: 9, SZX: 1}), coap.Peer("p1"), now)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Code != coap.BadOption {
		t.Fatalf("a block beyond the body should get 4.02, got %+v", resp)
	}
}

// An Echo option outside the 1..40 octet bound is rejected as caller
// misuse, not as a wire error.
func TestHandleRejectsOutOfRangeEchoLength(t *testing.T) {
	svc := NewService(testConfig(), NewRouter(), nil, nil)

	req := &coap.Message{
		Type:  coap.Confirmable,
		Code:  coap.POST,
		ID:    1,
		Token: coap.Token{1},
		// Built directly: Options.Add and the parser both enforce the
		// catalog bound, so a zero-length Echo can only come from a
		// caller assembling options by hand.
		Options: coap.Options{{ID: coap.Echo, Value: nil}},
	}
	_, err := svc.Handle(req, coap.Peer("p1"), time.Unix(0, 0))
	if !coap.IsKind(err, coap.KindBadInput) {
		t.Fatalf("expected BadInput for zero-length Echo, got %v", err)
	}
}

func TestHandleDeduplicatesRetransmittedRequest(t *testing.T) {
	calls := 0
	r := NewRouter()
	r.Register("/x", func(req *coap.Message, peer coap.Peer) (*coap.Message, error) {
		calls++
		return coap.AckInit(req, coap.Content), nil
	})
	svc := NewService(testConfig(), r, nil, nil)

	req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, ID: 7, Token: coap.Token{1}}
	req.SetPath("/x")

	now := time.Unix(0, 0)
	first, err := svc.Handle(req, coap.Peer("p1"), now)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Handle(req, coap.Peer("p1"), now)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("handler should run exactly once across retransmissions, got %d calls", calls)
	}
	if first.Code != second.Code || first.ID != second.ID {
		t.Fatalf("retransmitted duplicate should get the identical cached response")
	}
}
