package echo

import (
	"testing"
	"time"

	"github.com/meshlink/coapcore"
)

func TestGeneratorProducesLengthInRange(t *testing.T) {
	g := NewGenerator(8)
	v, err := g.Next()
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 8 {
		t.Fatalf("got length %d, want 8", len(v))
	}
}

func TestGeneratorClampsOutOfRangeLength(t *testing.T) {
	if NewGenerator(0).length != 1 {
		t.Fatalf("length 0 should clamp to 1")
	}
	if NewGenerator(1000).length != 40 {
		t.Fatalf("length 1000 should clamp to 40")
	}
}

func TestValidateLenRejectsOutOfRange(t *testing.T) {
	if err := ValidateLen(nil); !coap.IsKind(err, coap.KindBadInput) {
		t.Fatalf("expected BadInput for zero-length Echo value")
	}
	if err := ValidateLen(make([]byte, 41)); !coap.IsKind(err, coap.KindBadInput) {
		t.Fatalf("expected BadInput for 41-octet Echo value")
	}
	if err := ValidateLen(make([]byte, 40)); err != nil {
		t.Fatalf("40 octets should be accepted: %v", err)
	}
	if err := ValidateLen(make([]byte, 1)); err != nil {
		t.Fatalf("1 octet should be accepted: %v", err)
	}
}

// Server issues a challenge, client retries with the same value and
// is accepted; replaying after the lifetime has elapsed is rejected.
func TestChallengeThenVerify(t *testing.T) {
	c := NewCache(8, 247*time.Second)
	peer := coap.Peer("client1")
	value := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	t0 := time.Unix(1000, 0)
	c.Challenge(peer, value, t0)

	if !c.Verify(peer, value, t0.Add(time.Second)) {
		t.Fatalf("verify should succeed within the freshness window")
	}
	// a subsequent identical verify within the window also succeeds.
	if !c.Verify(peer, value, t0.Add(2*time.Second)) {
		t.Fatalf("repeated verify within the window should succeed")
	}
	// after the lifetime has elapsed from the last successful verify, it
	// should be rejected.
	if c.Verify(peer, value, t0.Add(2*time.Second+248*time.Second)) {
		t.Fatalf("verify should fail once the freshness window has elapsed")
	}
}

func TestVerifyRejectsUnknownValue(t *testing.T) {
	c := NewCache(8, time.Minute)
	if c.Verify(coap.Peer("p"), []byte{9, 9}, time.Unix(0, 0)) {
		t.Fatalf("verify should fail for a value never challenged")
	}
}

func TestVerifyRejectsWrongPeer(t *testing.T) {
	c := NewCache(8, time.Minute)
	value := []byte{1, 2, 3}
	now := time.Unix(100, 0)
	c.Challenge(coap.Peer("a"), value, now)
	if c.Verify(coap.Peer("b"), value, now) {
		t.Fatalf("verify should fail for a different peer presenting the same value")
	}
}

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	c := NewCache(2, time.Minute)
	base := time.Unix(1000, 0)
	c.Challenge(coap.Peer("a"), []byte{1}, base)
	c.Challenge(coap.Peer("b"), []byte{2}, base.Add(time.Second))
	// table is full; a third challenge evicts the oldest entry (a, {1}).
	c.Challenge(coap.Peer("c"), []byte{3}, base.Add(2*time.Second))

	if c.Verify(coap.Peer("a"), []byte{1}, base.Add(3*time.Second)) {
		t.Fatalf("oldest entry should have been evicted")
	}
	if !c.Verify(coap.Peer("b"), []byte{2}, base.Add(3*time.Second)) {
		t.Fatalf("second entry should still be present")
	}
	if !c.Verify(coap.Peer("c"), []byte{3}, base.Add(3*time.Second)) {
		t.Fatalf("newest entry should be present")
	}
}

func TestForgetRemovesEntry(t *testing.T) {
	c := NewCache(4, time.Minute)
	now := time.Unix(0, 0)
	c.Challenge(coap.Peer("a"), []byte{1}, now)
	c.Forget(coap.Peer("a"), []byte{1})
	if c.Verify(coap.Peer("a"), []byte{1}, now) {
		t.Fatalf("verify should fail after Forget")
	}
}

func TestRequiresFreshnessOnlyForUnsafeMethods(t *testing.T) {
	unsafe := []coap.Code{coap.POST, coap.PUT, coap.DELETE, coap.PATCH, coap.IPATCH}
	for _, m := range unsafe {
		if !RequiresFreshness(m) {
			t.Fatalf("%v should require freshness", m)
		}
	}
	if RequiresFreshness(coap.GET) {
		t.Fatalf("GET should not require freshness")
	}
	if RequiresFreshness(coap.FETCH) {
		t.Fatalf("FETCH should not require freshness")
	}
}

func TestChallengeResponseTypeMirrorsRequest(t *testing.T) {
	if ChallengeResponseType(coap.Confirmable) != coap.Acknowledgement {
		t.Fatalf("CON request should get an ACK challenge")
	}
	if ChallengeResponseType(coap.NonConfirmable) != coap.NonConfirmable {
		t.Fatalf("NON request should get a NON challenge")
	}
}
