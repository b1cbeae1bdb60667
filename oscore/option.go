// Package oscore implements the OSCORE envelope integration points of
// RFC 8613: outer-option well-formedness validation, kid extraction for
// context lookup, the per-peer exchange cache used to protect response
// messages, and the mapping from verifier-reported failures to CoAP
// response codes. The actual AEAD/HKDF/COSE cryptography is an external
// capability (the Verifier interface below); this package only handles
// the envelope.
package oscore

import (
	"github.com/meshlink/coapcore"
)

// Flags are the low-order bits of an OSCORE option's first octet (RFC
// 8613 §6.1): h (kid-context present), k (kid present), and a 3-bit
// Partial-IV length n.
type Flags struct {
	HasKIDContext bool
	HasKID        bool
	PartialIVLen  int
}

// Option is the decoded shape of an OSCORE option value.
type Option struct {
	Flags      Flags
	PartialIV  []byte
	KIDContext []byte
	KID        []byte
}

// Decode parses a single OSCORE option value per RFC 8613 §6.1. A
// zero-length value means flag byte 0 (no Partial-IV, no kid-context,
// no kid) and is valid: it is used on OSCORE responses that reuse the
// request's context implicitly.
func Decode(value []byte) (Option, error) {
	if len(value) == 0 {
		return Option{}, nil
	}
	first := value[0]
	if first&0xe0 != 0 {
		return Option{}, &coap.Error{Kind: coap.KindBadMessage, Reason: "OSCORE option reserved flag bits (5-7) must be zero"}
	}
	n := int(first & 0x07)
	if n > 5 {
		return Option{}, &coap.Error{Kind: coap.KindBadMessage, Reason: "OSCORE option Partial-IV length out of range 0..5"}
	}
	h := first&0x10 != 0
	k := first&0x08 != 0

	if first == 0 {
		return Option{}, &coap.Error{Kind: coap.KindBadMessage, Reason: "OSCORE option non-empty value with flag byte zero"}
	}

	pos := 1
	var opt Option
	opt.Flags = Flags{HasKIDContext: h, HasKID: k, PartialIVLen: n}

	if n > 0 {
		if pos+n > len(value) {
			return Option{}, &coap.Error{Kind: coap.KindBadMessage, Reason: "OSCORE option truncated Partial-IV"}
		}
		opt.PartialIV = value[pos : pos+n]
		pos += n
	}

	if h {
		if pos >= len(value) {
			return Option{}, &coap.Error{Kind: coap.KindBadMessage, Reason: "OSCORE option kid-context indicator set but length byte missing"}
		}
		s := int(value[pos])
		pos++
		if pos+s > len(value) {
			return Option{}, &coap.Error{Kind: coap.KindBadMessage, Reason: "OSCORE option truncated kid-context"}
		}
		opt.KIDContext = value[pos : pos+s]
		pos += s
	}

	if k {
		opt.KID = value[pos:]
	} else if pos != len(value) {
		return Option{}, &coap.Error{Kind: coap.KindBadMessage, Reason: "OSCORE option trailing bytes with kid flag unset"}
	}

	return opt, nil
}

// ExtractKID returns the kid to use for security-context lookup from
// the message's OSCORE option set. It fails with BadMessage, never
// "first wins", if more than one OSCORE option is present: the option
// is not repeatable and a duplicate is a protocol violation.
func ExtractKID(opts coap.Options) ([]byte, error) {
	found := opts.Find(coap.OSCORE)
	switch len(found) {
	case 0:
		return nil, &coap.Error{Kind: coap.KindBadMessage, Reason: "message has no OSCORE option"}
	case 1:
		opt, err := Decode(found[0].Value)
		if err != nil {
			return nil, err
		}
		return opt.KID, nil
	default:
		return nil, &coap.Error{Kind: coap.KindBadMessage, Reason: "duplicate OSCORE options in one message"}
	}
}

// HasPayload reports whether an OSCORE message carries the mandatory
// ciphertext payload (RFC 8613 §4.1: an OSCORE message MUST carry a
// payload).
func HasPayload(payload []byte) bool { return len(payload) > 0 }

// ValidateMessage checks OSCORE-message well-formedness: exactly one
// OSCORE option, its value well-formed, and a non-empty payload.
func ValidateMessage(opts coap.Options, payload []byte) error {
	if _, err := ExtractKID(opts); err != nil {
		return err
	}
	if !HasPayload(payload) {
		return &coap.Error{Kind: coap.KindBadMessage, Reason: "OSCORE message carries no payload"}
	}
	return nil
}
