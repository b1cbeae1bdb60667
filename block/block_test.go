package block

import (
	"testing"

	"github.com/meshlink/coapcore"
)

// A Block1 transfer of 150 octets in 32-byte blocks takes five
// iterations; the offset advances by the actual payload length.
func TestBlock1TransferOf150OctetsIn32ByteBlocks(t *testing.T) {
	const total = 150
	const blockSize = 32
	szx := SZXFromSize(blockSize)
	if szx.Size() != blockSize {
		t.Fatalf("SZXFromSize(%d) = %d, want %d", blockSize, szx.Size(), blockSize)
	}

	r := NewReassembler(1024)
	remaining := total
	num := uint32(0)
	var iterations int
	for remaining > 0 {
		n := blockSize
		more := true
		if n >= remaining {
			n = remaining
			more = false
		}
		ctx := Context{Num: num, More: more, SZX: szx}
		complete, err := r.Feed(ctx, coap.Options{}, make([]byte, n))
		if err != nil {
			t.Fatal(err)
		}
		remaining -= n
		num++
		iterations++

		switch iterations {
		case 1, 2, 3, 4:
			if r.Offset() != 32*iterations || complete {
				t.Fatalf("iteration %d: offset=%d complete=%v", iterations, r.Offset(), complete)
			}
		case 5:
			if r.Offset() != 150 || !complete {
				t.Fatalf("iteration 5: offset=%d complete=%v", r.Offset(), complete)
			}
		}
	}
	if iterations != 5 {
		t.Fatalf("expected 5 iterations, got %d", iterations)
	}
}

// A Block2 ETag mismatch aborts the transfer and clears state.
func TestBlock2ETagMismatchAborts(t *testing.T) {
	r := NewReassembler(1024)

	opts0, err := coap.Options{}.Add(coap.ETag, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	ctx0 := Context{Num: 0, More: true, SZX: SZX(0)}
	if complete, err := r.Feed(ctx0, opts0, []byte("abc")); err != nil || complete {
		t.Fatalf("first block should succeed: complete=%v err=%v", complete, err)
	}

	opts1, err := coap.Options{}.Add(coap.ETag, []byte{5, 6, 7, 8})
	if err != nil {
		t.Fatal(err)
	}
	ctx1 := Context{Num: 1, More: false, SZX: SZX(0)}
	_, err = r.Feed(ctx1, opts1, []byte("def"))
	if !coap.IsKind(err, coap.KindBadMessage) {
		t.Fatalf("expected BadMessage on ETag mismatch, got %v", err)
	}
	if r.Offset() != 0 {
		t.Fatalf("reassembler state should be cleared after abort, offset=%d", r.Offset())
	}
}

func TestMultipleETagOptionsRejected(t *testing.T) {
	r := NewReassembler(1024)
	opts, err := coap.Options{}.Add(coap.ETag, []byte{1})
	if err != nil {
		t.Fatal(err)
	}
	opts, err = opts.Add(coap.ETag, []byte{2})
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Feed(Context{Num: 0, More: false}, opts, []byte("x"))
	if !coap.IsKind(err, coap.KindBadMessage) {
		t.Fatalf("expected BadMessage for duplicate ETag options, got %v", err)
	}
}

func TestCumulativeSizeOverflowAbortsAndClears(t *testing.T) {
	r := NewReassembler(10)
	ctx := Context{Num: 0, More: true}
	if _, err := r.Feed(ctx, coap.Options{}, make([]byte, 8)); err != nil {
		t.Fatal(err)
	}
	ctx2 := Context{Num: 1, More: false}
	_, err := r.Feed(ctx2, coap.Options{}, make([]byte, 8))
	if !coap.IsKind(err, coap.KindNoMemory) {
		t.Fatalf("expected NoMemory, got %v", err)
	}
	if r.Offset() != 0 {
		t.Fatalf("state should be cleared, offset=%d", r.Offset())
	}
}

func TestReservedSZXRejected(t *testing.T) {
	_, err := DecodeValue([]byte{0x07}, false)
	if err == nil {
		t.Fatalf("expected error decoding reserved SZX 7")
	}
}

func TestClassicAndQBlockMutualExclusion(t *testing.T) {
	opts, err := coap.Options{}.AddUint(coap.Block1, 0x12)
	if err != nil {
		t.Fatal(err)
	}
	opts, err = opts.AddUint(coap.QBlock1, 0x12)
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(opts); !coap.IsKind(err, coap.KindBadMessage) {
		t.Fatalf("expected BadMessage for mixed Block1/Q-Block1, got %v", err)
	}
}

func TestMissingBlocksCBORSequenceRoundTrip(t *testing.T) {
	nums := []uint64{2, 5, 9, 100}
	enc, err := EncodeMissingBlocks(nums)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecodeMissingBlocks(enc)
	if err != nil {
		t.Fatal(err)
	}
	if len(dec) != len(nums) {
		t.Fatalf("got %d items want %d", len(dec), len(nums))
	}
	for i := range nums {
		if dec[i] != nums[i] {
			t.Fatalf("item %d: got %d want %d", i, dec[i], nums[i])
		}
	}
}

func TestMissingBlocksEncoderRejectsNonAscending(t *testing.T) {
	if _, err := EncodeMissingBlocks([]uint64{5, 5}); err == nil {
		t.Fatalf("expected error for non-ascending (equal) input")
	}
	if _, err := EncodeMissingBlocks([]uint64{5, 3}); err == nil {
		t.Fatalf("expected error for descending input")
	}
}

func TestMissingBlocksDecoderDeduplicates(t *testing.T) {
	a, err := EncodeMissingBlocks([]uint64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncodeMissingBlocks([]uint64{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecodeMissingBlocks(append(a, b...))
	if err != nil {
		t.Fatal(err)
	}
	if len(dec) != 3 {
		t.Fatalf("got %d items, want 3 after de-duplicating repeated 2", len(dec))
	}
}
