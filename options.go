package coap

import (
	"encoding/binary"
	"sort"
)

// OptionID identifies a CoAP option (RFC 7252 §5.10, plus the
// extensions consumed by this module family).
type OptionID uint16

// Option numbers used by this stack (RFC 7252 §12.2 plus the
// registered extensions).
const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	OSCORE        OptionID = 9
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	HopLimit      OptionID = 16
	Accept        OptionID = 17
	QBlock1       OptionID = 19
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	QBlock2       OptionID = 31
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
	Echo          OptionID = 252
	NoResponse    OptionID = 258
	RequestTag    OptionID = 292
)

// Critical reports whether an option number is critical (odd) or
// elective (even), per RFC 7252 §5.4.1.
func (o OptionID) Critical() bool { return o&1 == 1 }

// Unsafe reports whether a proxy must not forward the message unchanged
// if it does not understand this option (RFC 7252 §5.4.2): it tests the
// 0x02 bit of the option number.
func (o OptionID) Unsafe() bool { return o&2 == 2 }

// ValueFormat is the wire shape of an option's value.
type ValueFormat uint8

const (
	ValueOpaque ValueFormat = iota
	ValueUint
	ValueString
	ValueEmpty
)

// OptionDef carries the catalog entry for a known option: its length
// bounds, value kind and repeatability. The codec consults this table so
// parsing can validate independent of caller code.
type OptionDef struct {
	Name       string
	MinLen     int
	MaxLen     int
	Format     ValueFormat
	Repeatable bool
	StrictUint bool // reject non-minimal uint encodings rather than accept zero-padding
}

// Catalog is the static option table keyed by option number.
var Catalog = map[OptionID]OptionDef{
	IfMatch:       {Name: "If-Match", MinLen: 0, MaxLen: 8, Format: ValueOpaque, Repeatable: true},
	URIHost:       {Name: "Uri-Host", MinLen: 1, MaxLen: 255, Format: ValueString},
	ETag:          {Name: "ETag", MinLen: 1, MaxLen: 8, Format: ValueOpaque, Repeatable: true},
	IfNoneMatch:   {Name: "If-None-Match", MinLen: 0, MaxLen: 0, Format: ValueEmpty},
	Observe:       {Name: "Observe", MinLen: 0, MaxLen: 3, Format: ValueUint},
	URIPort:       {Name: "Uri-Port", MinLen: 0, MaxLen: 2, Format: ValueUint},
	LocationPath:  {Name: "Location-Path", MinLen: 0, MaxLen: 255, Format: ValueString, Repeatable: true},
	OSCORE:        {Name: "OSCORE", MinLen: 0, MaxLen: 255, Format: ValueOpaque},
	URIPath:       {Name: "Uri-Path", MinLen: 0, MaxLen: 255, Format: ValueString, Repeatable: true},
	ContentFormat: {Name: "Content-Format", MinLen: 0, MaxLen: 2, Format: ValueUint, StrictUint: true},
	MaxAge:        {Name: "Max-Age", MinLen: 0, MaxLen: 4, Format: ValueUint},
	URIQuery:      {Name: "Uri-Query", MinLen: 0, MaxLen: 255, Format: ValueString, Repeatable: true},
	HopLimit:      {Name: "Hop-Limit", MinLen: 1, MaxLen: 1, Format: ValueUint, StrictUint: true},
	Accept:        {Name: "Accept", MinLen: 0, MaxLen: 2, Format: ValueUint, StrictUint: true},
	QBlock1:       {Name: "Q-Block1", MinLen: 0, MaxLen: 4, Format: ValueUint},
	LocationQuery: {Name: "Location-Query", MinLen: 0, MaxLen: 255, Format: ValueString, Repeatable: true},
	Block2:        {Name: "Block2", MinLen: 0, MaxLen: 3, Format: ValueUint},
	Block1:        {Name: "Block1", MinLen: 0, MaxLen: 3, Format: ValueUint},
	Size2:         {Name: "Size2", MinLen: 0, MaxLen: 4, Format: ValueUint},
	QBlock2:       {Name: "Q-Block2", MinLen: 0, MaxLen: 4, Format: ValueUint},
	ProxyURI:      {Name: "Proxy-Uri", MinLen: 1, MaxLen: 1034, Format: ValueString},
	ProxyScheme:   {Name: "Proxy-Scheme", MinLen: 1, MaxLen: 255, Format: ValueString},
	Size1:         {Name: "Size1", MinLen: 0, MaxLen: 4, Format: ValueUint},
	Echo:          {Name: "Echo", MinLen: 1, MaxLen: 40, Format: ValueOpaque},
	NoResponse:    {Name: "No-Response", MinLen: 0, MaxLen: 1, Format: ValueUint, StrictUint: true},
	RequestTag:    {Name: "Request-Tag", MinLen: 0, MaxLen: 8, Format: ValueOpaque, Repeatable: true},
}

// Option is a single option instance: a number and its raw value bytes.
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is an ordered collection of option instances. Encode emits
// them in ascending option number as required by RFC 7252 §3.1; callers
// may append them in any order.
type Options []Option

// Add appends a new option instance, enforcing the catalog's
// non-repeatable rule and length bounds for known options.
func (o Options) Add(id OptionID, value []byte) (Options, error) {
	if def, ok := Catalog[id]; ok {
		if !def.Repeatable {
			for _, existing := range o {
				if existing.ID == id {
					return o, newErr(KindBadMessage, "option %s is not repeatable", def.Name)
				}
			}
		}
		if len(value) < def.MinLen || len(value) > def.MaxLen {
			return o, newErr(KindBadInput, "option %s length %d out of bounds [%d,%d]", def.Name, len(value), def.MinLen, def.MaxLen)
		}
	}
	return append(o, Option{ID: id, Value: value}), nil
}

// AddUint appends a uint-valued option, encoded in the minimal number of
// octets per RFC 7252 §3.2: value 0 -> zero-length, value 255 -> one
// octet 0xFF, value 256 -> two octets 0x01 0x00.
func (o Options) AddUint(id OptionID, value uint32) (Options, error) {
	return o.Add(id, encodeUint(value))
}

func encodeUint(value uint32) []byte {
	switch {
	case value == 0:
		return nil
	case value <= 0xff:
		return []byte{byte(value)}
	case value <= 0xffff:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(value))
		return b
	case value <= 0xffffff:
		b := make([]byte, 3)
		b[0] = byte(value >> 16)
		b[1] = byte(value >> 8)
		b[2] = byte(value)
		return b
	default:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, value)
		return b
	}
}

func decodeUint(v []byte, strict bool) (uint32, error) {
	if len(v) > 4 {
		return 0, newErr(KindBadInput, "uint option value too long: %d octets", len(v))
	}
	if strict && len(v) > 0 && v[0] == 0 {
		return 0, newErr(KindBadInput, "non-minimal uint encoding")
	}
	var b [4]byte
	copy(b[4-len(v):], v)
	return binary.BigEndian.Uint32(b[:]), nil
}

// Find returns every option instance with the given number, in the
// order they appear.
func (o Options) Find(id OptionID) []Option {
	var out []Option
	for _, opt := range o {
		if opt.ID == id {
			out = append(out, opt)
		}
	}
	return out
}

// GetUint returns the first option with the given number, decoded as a
// uint. Non-minimal encodings are rejected only when the catalog entry
// marks the option strict; otherwise zero-padding is tolerated for
// robustness.
func (o Options) GetUint(id OptionID) (uint32, bool, error) {
	for _, opt := range o {
		if opt.ID == id {
			def := Catalog[id]
			v, err := decodeUint(opt.Value, def.StrictUint)
			if err != nil {
				return 0, true, err
			}
			return v, true, nil
		}
	}
	return 0, false, nil
}

// Remove deletes every instance of the given option number. Since
// Options stores a number, not a pre-computed delta, removal never needs
// to rewind or recompute anything explicitly: Encode always recomputes
// deltas from the running minimum as it walks the sorted slice, so the
// options following a removed one re-encode correctly for free.
func (o Options) Remove(id OptionID) Options {
	out := o[:0:0]
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	return out
}

// sorted returns a stable copy of o sorted by ascending option number,
// preserving the relative order of repeated options.
func (o Options) sorted() Options {
	cp := make(Options, len(o))
	copy(cp, o)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })
	return cp
}

// marshalOptionHeader writes the 4-bit-nibble-plus-extension encoding of
// a (delta, length) pair per RFC 7252 §3.1, appending to buf and
// returning the updated slice.
func marshalOptionHeader(buf []byte, delta, length int) []byte {
	dNibble, dExt, dExtLen := extendedNibble(delta)
	lNibble, lExt, lExtLen := extendedNibble(length)
	buf = append(buf, byte(dNibble<<4)|byte(lNibble))
	if dExtLen == 1 {
		buf = append(buf, byte(dExt))
	} else if dExtLen == 2 {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(dExt))
		buf = append(buf, b[:]...)
	}
	if lExtLen == 1 {
		buf = append(buf, byte(lExt))
	} else if lExtLen == 2 {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(lExt))
		buf = append(buf, b[:]...)
	}
	return buf
}

// extendedNibble splits a delta/length value into its 4-bit nibble code
// (0..12, 13 or 14) and the extension value/byte-width to follow, per
// RFC 7252 §3.1.
func extendedNibble(v int) (nibble, ext, extLen int) {
	switch {
	case v < 13:
		return v, 0, 0
	case v < 269:
		return 13, v - 13, 1
	default:
		return 14, v - 269, 2
	}
}

// Encode appends the wire encoding of every option in o (sorted into
// ascending option number) to buf, using delta encoding from a running
// minimum (RFC 7252 §3.1).
func (o Options) Encode(buf []byte) ([]byte, error) {
	sorted := o.sorted()
	prev := OptionID(0)
	for _, opt := range sorted {
		if opt.ID < prev {
			return nil, newErr(KindBadInput, "options out of order: %d after %d", opt.ID, prev)
		}
		delta := int(opt.ID) - int(prev)
		buf = marshalOptionHeader(buf, delta, len(opt.Value))
		buf = append(buf, opt.Value...)
		prev = opt.ID
	}
	return buf, nil
}

// decodeExtended reads the extension bytes for a 13/14-coded nibble,
// returning the resolved value and the number of bytes consumed.
func decodeExtended(nibble int, data []byte) (int, int, error) {
	switch nibble {
	case 13:
		if len(data) < 1 {
			return 0, 0, newErr(KindBadMessage, "truncated option extension")
		}
		return int(data[0]) + 13, 1, nil
	case 14:
		if len(data) < 2 {
			return 0, 0, newErr(KindBadMessage, "truncated option extension")
		}
		return int(binary.BigEndian.Uint16(data[:2])) + 269, 2, nil
	case 15:
		return 0, 0, newErr(KindBadMessage, "reserved option nibble 15 (payload marker)")
	default:
		return nibble, 0, nil
	}
}

// DecodeOptions parses options from data until it encounters the payload
// marker (0xFF) or runs out of bytes, validating monotonic option
// numbers and catalog length bounds. It returns the parsed options, the
// number of bytes consumed, and whether a payload marker was seen.
func DecodeOptions(data []byte) (Options, int, bool, error) {
	var opts Options
	pos := 0
	prev := OptionID(0)
	for pos < len(data) {
		first := data[pos]
		if first == 0xff {
			return opts, pos + 1, true, nil
		}
		deltaNibble := int(first >> 4)
		lengthNibble := int(first & 0x0f)
		pos++

		delta, n, err := decodeExtended(deltaNibble, data[pos:])
		if err != nil {
			return nil, 0, false, err
		}
		pos += n

		length, n, err := decodeExtended(lengthNibble, data[pos:])
		if err != nil {
			return nil, 0, false, err
		}
		pos += n

		if pos+length > len(data) {
			return nil, 0, false, newErr(KindBadMessage, "option value truncated")
		}
		id := prev + OptionID(delta)
		value := data[pos : pos+length]
		pos += length

		if def, ok := Catalog[id]; ok {
			if length < def.MinLen || length > def.MaxLen {
				return nil, 0, false, newErr(KindBadMessage, "option %s length %d out of bounds [%d,%d]", def.Name, length, def.MinLen, def.MaxLen)
			}
			if !def.Repeatable {
				for _, existing := range opts {
					if existing.ID == id {
						return nil, 0, false, newErr(KindBadMessage, "duplicate non-repeatable option %s", def.Name)
					}
				}
			}
		}
		opts = append(opts, Option{ID: id, Value: value})
		prev = id
	}
	return opts, pos, false, nil
}
