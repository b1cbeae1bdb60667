// Package block implements the block-wise transfer engine: classic
// Block1/Block2 (RFC 7959) and Q-Block1/Q-Block2 (RFC 9177)
// share a single context shape and reassembly machinery, since the two
// families are mutually exclusive within one message but otherwise
// identical in how they advance an offset and bound cumulative size.
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/meshlink/coapcore"
)

// SZX is the block-size exponent: 0..6 maps to 16..1024 octets; 7 is
// reserved (RFC 7959 §2.2).
type SZX uint8

// Size returns the block payload size in octets this SZX represents.
func (s SZX) Size() int { return 16 << uint(s) }

// Valid reports whether s is in the encodable range 0..6.
func (s SZX) Valid() bool { return s <= 6 }

// SZXFromSize returns the largest SZX whose Size() does not exceed
// size, clamped to [0,6].
func SZXFromSize(size int) SZX {
	szx := SZX(6)
	for szx > 0 && szx.Size() > size {
		szx--
	}
	return szx
}

// Context is the value-type block descriptor shared by Block1, Block2,
// Q-Block1 and Q-Block2. It carries no buffer: the engine does not own
// the reassembly buffer.
type Context struct {
	Num    uint32 // block number (NUM)
	More   bool   // M: more blocks follow
	SZX    SZX
	QBlock bool // true if this is a Q-Block1/Q-Block2 option rather than classic Block1/Block2
}

// EncodeValue encodes ctx as a CoAP uint option value: (NUM << 4) | (M
// << 3) | SZX, in the minimal number of octets.
func (ctx Context) EncodeValue() ([]byte, error) {
	if !ctx.SZX.Valid() {
		return nil, fmt.Errorf("block: SZX %d is reserved", ctx.SZX)
	}
	v := ctx.Num<<4 | boolBit(ctx.More)<<3 | uint32(ctx.SZX)
	switch {
	case v == 0:
		return nil, nil
	case v <= 0xff:
		return []byte{byte(v)}, nil
	case v <= 0xffff:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b, nil
	default:
		b := make([]byte, 3)
		b[0] = byte(v >> 16)
		b[1] = byte(v >> 8)
		b[2] = byte(v)
		return b, nil
	}
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// DecodeValue decodes a Block1/Block2/Q-Block1/Q-Block2 option value.
// qblock must reflect which option number the value came from, since the
// bit layout is identical but the two families must never be mixed in
// one message (enforced by Validate, not here).
func DecodeValue(value []byte, qblock bool) (Context, error) {
	if len(value) > 3 {
		return Context{}, fmt.Errorf("block: option value too long (%d octets)", len(value))
	}
	var v uint32
	for _, b := range value {
		v = v<<8 | uint32(b)
	}
	ctx := Context{
		Num:    v >> 4,
		More:   (v>>3)&1 == 1,
		SZX:    SZX(v & 0x7),
		QBlock: qblock,
	}
	if !ctx.SZX.Valid() {
		return Context{}, fmt.Errorf("block: reserved SZX value 7")
	}
	return ctx, nil
}

// Validate enforces that a message never carries both a classic Block
// option and its Q-Block counterpart; RFC 9177 §4 forbids mixing the
// two families in one message.
func Validate(opts coap.Options) error {
	if len(opts.Find(coap.Block1)) > 0 && len(opts.Find(coap.QBlock1)) > 0 {
		return &coap.Error{Kind: coap.KindBadMessage, Reason: "Block1 and Q-Block1 both present"}
	}
	if len(opts.Find(coap.Block2)) > 0 && len(opts.Find(coap.QBlock2)) > 0 {
		return &coap.Error{Kind: coap.KindBadMessage, Reason: "Block2 and Q-Block2 both present"}
	}
	return nil
}

// optionID returns the option number to use for a block family (1 or 2)
// and Q-Block-ness.
func optionID(family int, qblock bool) coap.OptionID {
	switch {
	case family == 1 && !qblock:
		return coap.Block1
	case family == 1 && qblock:
		return coap.QBlock1
	case family == 2 && !qblock:
		return coap.Block2
	default:
		return coap.QBlock2
	}
}

// Append adds a Block1 (family=1) or Block2 (family=2) option
// representing ctx to opts.
func Append(opts coap.Options, family int, ctx Context) (coap.Options, error) {
	id := optionID(family, ctx.QBlock)
	value, err := ctx.EncodeValue()
	if err != nil {
		return opts, err
	}
	return opts.Remove(id).Add(id, value)
}

// Get extracts the Block1 (family=1) or Block2 (family=2) context from
// opts, preferring the Q-Block variant if present (callers should have
// already run Validate to rule out both being present).
func Get(opts coap.Options, family int) (Context, bool, error) {
	classic := optionID(family, false)
	qb := optionID(family, true)
	if vals := opts.Find(qb); len(vals) > 0 {
		ctx, err := DecodeValue(vals[0].Value, true)
		return ctx, true, err
	}
	if vals := opts.Find(classic); len(vals) > 0 {
		ctx, err := DecodeValue(vals[0].Value, false)
		return ctx, true, err
	}
	return Context{}, false, nil
}

// NextBlock2Request builds the next request in a Block2 solicitation
// sequence: it copies prev's method and Uri-* options and appends a
// Block2 (or Q-Block2, if the transfer is using Q-Block) option with
// (NUM+1, M=0, SZX=current), per RFC 7959 §2.4.
func NextBlock2Request(prev *coap.Message, current Context) (*coap.Message, error) {
	next := &coap.Message{
		Type:  prev.Type,
		Code:  prev.Code,
		ID:    prev.ID,
		Token: prev.Token,
	}
	for _, opt := range prev.Options {
		switch opt.ID {
		case coap.URIHost, coap.URIPort, coap.URIPath, coap.URIQuery, coap.ProxyURI, coap.ProxyScheme:
			var err error
			next.Options, err = next.Options.Add(opt.ID, opt.Value)
			if err != nil {
				return nil, err
			}
		}
	}
	nextCtx := Context{Num: current.Num + 1, More: false, SZX: current.SZX, QBlock: current.QBlock}
	opts, err := Append(next.Options, 2, nextCtx)
	if err != nil {
		return nil, err
	}
	next.Options = opts
	return next, nil
}
