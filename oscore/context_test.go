package oscore

import (
	"testing"

	"github.com/meshlink/coapcore"
)

func TestSenderSeqNeverRepeats(t *testing.T) {
	ctx := &Context{SenderID: []byte{1}}
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		seq, err := ctx.NextSenderSeq()
		if err != nil {
			t.Fatal(err)
		}
		if seen[seq] {
			t.Fatalf("sequence number %d handed out twice", seq)
		}
		seen[seq] = true
	}
	if ctx.SenderSeq() != 1000 {
		t.Fatalf("persisted counter should be 1000, got %d", ctx.SenderSeq())
	}
}

func TestSenderSeqExhaustion(t *testing.T) {
	ctx := &Context{}
	ctx.RestoreSenderSeq(maxSenderSeq)
	if _, err := ctx.NextSenderSeq(); err != nil {
		t.Fatalf("the last value of the space should still be usable: %v", err)
	}
	if _, err := ctx.NextSenderSeq(); !coap.IsKind(err, coap.KindNoMemory) {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
}

func TestReplayWindowRejectsDuplicates(t *testing.T) {
	ctx := &Context{}
	for _, seq := range []uint64{0, 1, 2, 5, 4} {
		if err := ctx.ReceiveSeq(seq); err != nil {
			t.Fatalf("fresh sequence %d rejected: %v", seq, err)
		}
	}
	for _, seq := range []uint64{0, 2, 5} {
		err := ctx.ReceiveSeq(seq)
		ve, ok := err.(*VerifyError)
		if !ok || ve.Failure != FailureReplay {
			t.Fatalf("replayed sequence %d: want FailureReplay, got %v", seq, err)
		}
	}
	// 3 was skipped and is still inside the window.
	if err := ctx.ReceiveSeq(3); err != nil {
		t.Fatalf("in-window gap should be accepted: %v", err)
	}
}

func TestReplayWindowSlidesOutOldValues(t *testing.T) {
	ctx := &Context{}
	if err := ctx.ReceiveSeq(0); err != nil {
		t.Fatal(err)
	}
	if err := ctx.ReceiveSeq(100); err != nil {
		t.Fatal(err)
	}
	// 100-64 = 36; anything at or below has slid out of the 64-bit window.
	err := ctx.ReceiveSeq(36)
	ve, ok := err.(*VerifyError)
	if !ok || ve.Failure != FailureReplay {
		t.Fatalf("out-of-window sequence: want FailureReplay, got %v", err)
	}
	if err := ctx.ReceiveSeq(37); err != nil {
		t.Fatalf("sequence just inside the window should pass: %v", err)
	}
}

func TestReplayWindowPersistsAndRestores(t *testing.T) {
	ctx := &Context{}
	for _, seq := range []uint64{7, 9, 10} {
		if err := ctx.ReceiveSeq(seq); err != nil {
			t.Fatal(err)
		}
	}
	highest, bitmap := ctx.WindowState()

	restored := &Context{}
	restored.RestoreWindow(highest, bitmap)
	for _, seq := range []uint64{7, 9, 10} {
		if err := restored.ReceiveSeq(seq); err == nil {
			t.Fatalf("sequence %d should still count as seen after restore", seq)
		}
	}
	if err := restored.ReceiveSeq(8); err != nil {
		t.Fatalf("unseen in-window sequence should pass after restore: %v", err)
	}
}

func TestStoreLookup(t *testing.T) {
	s := NewStore()
	ctx := &Context{SenderID: []byte{0x01}, RecipientID: []byte{0x42}}
	s.Add(ctx)

	got, err := s.Lookup([]byte{0x42})
	if err != nil {
		t.Fatal(err)
	}
	if got != ctx {
		t.Fatalf("lookup returned a different context")
	}

	_, err = s.Lookup([]byte{0x99})
	ve, ok := err.(*VerifyError)
	if !ok || ve.Failure != FailureContextNotFound {
		t.Fatalf("unknown kid: want FailureContextNotFound, got %v", err)
	}
	if MapError(err) != coap.Unauthorized {
		t.Fatalf("unknown kid should map to 4.01")
	}

	s.Remove([]byte{0x42})
	if _, err := s.Lookup([]byte{0x42}); err == nil {
		t.Fatalf("removed context should not resolve")
	}
}
