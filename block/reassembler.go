package block

import (
	"bytes"

	"github.com/meshlink/coapcore"
)

// Reassembler accumulates a Block1 (request body) or Block2 (response
// body) transfer. It is used symmetrically for both directions: the
// caller feeds successive blocks in order and Reassembler tracks the
// cumulative size, aborting when it would exceed MaxUnfragmentedSize,
// and verifies ETag identity across blocks per RFC 9175 §3.3.
type Reassembler struct {
	maxUnfragmented int
	buf             bytes.Buffer
	offset          int
	etag            []byte
	haveETag        bool
	done            bool
}

// NewReassembler creates a reassembler bounded to maxUnfragmented
// octets of cumulative payload.
func NewReassembler(maxUnfragmented int) *Reassembler {
	return &Reassembler{maxUnfragmented: maxUnfragmented}
}

// Reset clears all accumulated state, as happens after an abort.
func (r *Reassembler) Reset() {
	r.buf.Reset()
	r.offset = 0
	r.etag = nil
	r.haveETag = false
	r.done = false
}

// etagsOf returns the (at most one) ETag option value of opts, failing
// if more than one ETag option is present (RFC 9175 §3.3).
func etagsOf(opts coap.Options) ([]byte, bool, error) {
	etags := opts.Find(coap.ETag)
	switch len(etags) {
	case 0:
		return nil, false, nil
	case 1:
		return etags[0].Value, true, nil
	default:
		return nil, false, &coap.Error{Kind: coap.KindBadMessage, Reason: "multiple ETag options in one block"}
	}
}

// Feed appends one block's payload to the reassembly buffer. ctx
// describes the block just received; opts is the full option set of the
// message it arrived in (used to extract ETag). It advances the running
// offset by the block's actual payload length (which may be shorter
// than SZX's nominal size on the final block) and reports whether the
// transfer is now complete (More == false).
//
// Per RFC 9175 §3.3, the transfer is aborted with BadMessage, and all
// state cleared, if: (a) this block's ETag differs from the first
// block's, (b) this block lacks an ETag when the first block had one,
// or (c) this block carries multiple ETag options. A cumulative size
// that would exceed maxUnfragmented likewise aborts and clears state.
func (r *Reassembler) Feed(ctx Context, opts coap.Options, payload []byte) (complete bool, err error) {
	if r.done {
		r.Reset()
	}
	etag, hasETag, err := etagsOf(opts)
	if err != nil {
		r.Reset()
		return false, err
	}
	if ctx.Num == 0 {
		r.etag = etag
		r.haveETag = hasETag
	} else {
		mismatch := r.haveETag != hasETag || (hasETag && !bytes.Equal(r.etag, etag))
		if mismatch {
			r.Reset()
			return false, &coap.Error{Kind: coap.KindBadMessage, Reason: "ETag inconsistent across blocks"}
		}
	}

	if r.buf.Len()+len(payload) > r.maxUnfragmented {
		r.Reset()
		return false, &coap.Error{Kind: coap.KindNoMemory, Reason: "cumulative block transfer exceeds MAX_UNFRAGMENTED_SIZE"}
	}
	r.buf.Write(payload)
	r.offset += len(payload)

	if !ctx.More {
		r.done = true
		return true, nil
	}
	return false, nil
}

// Offset returns the number of octets received so far.
func (r *Reassembler) Offset() int { return r.offset }

// Bytes returns the reassembled payload. Valid only once Feed has
// reported complete == true.
func (r *Reassembler) Bytes() []byte { return r.buf.Bytes() }

// NextBlockFromOffset computes the block number implied by the current
// offset and a fixed SZX, for resuming a Block2 sequence.
func NextBlockFromOffset(offset int, szx SZX) uint32 {
	return uint32(offset / szx.Size())
}
