package coap

import "strings"

const (
	protocolVersion = 1
	headerLen       = 4
)

// Encode serializes m into a CoAP/UDP datagram. It fails with
// ErrBadInput if the token is too long, and with ErrBadInput if the
// option set is not well-formed (handled by Options.Encode).
func (m *Message) Encode() ([]byte, error) {
	if len(m.Token) > MaxTokenLen {
		return nil, newErr(KindBadInput, "token length %d exceeds maximum %d", len(m.Token), MaxTokenLen)
	}
	buf := make([]byte, headerLen, headerLen+len(m.Token)+32)
	buf[0] = byte(protocolVersion<<6) | byte(uint8(m.Type)<<4) | byte(len(m.Token))
	buf[1] = byte(m.Code)
	buf[2] = byte(m.ID >> 8)
	buf[3] = byte(m.ID)
	buf = append(buf, m.Token...)

	buf, err := m.Options.Encode(buf)
	if err != nil {
		return nil, err
	}

	if len(m.Payload) > 0 {
		buf = append(buf, 0xff)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// Parse decodes a CoAP/UDP datagram into a Message. It never mutates
// the input buffer. Token length values 9..15 are reserved and cause a
// BadMessage failure, along with any other wire-format violation.
func Parse(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, newErr(KindBadMessage, "datagram shorter than header (%d bytes)", len(data))
	}
	version := data[0] >> 6
	if version != protocolVersion {
		return nil, newErr(KindBadMessage, "unsupported version %d", version)
	}
	tkl := int(data[0] & 0x0f)
	if tkl > MaxTokenLen {
		return nil, newErr(KindBadMessage, "reserved token length %d", tkl)
	}
	m := &Message{
		Type: Type((data[0] >> 4) & 0x03),
		Code: Code(data[1]),
		ID:   uint16(data[2])<<8 | uint16(data[3]),
	}
	pos := headerLen
	if tkl > 0 {
		if pos+tkl > len(data) {
			return nil, newErr(KindBadMessage, "truncated token")
		}
		m.Token = Token(append([]byte(nil), data[pos:pos+tkl]...))
		pos += tkl
	}

	opts, consumed, hasPayload, err := DecodeOptions(data[pos:])
	if err != nil {
		return nil, err
	}
	m.Options = opts
	pos += consumed

	if hasPayload {
		if pos >= len(data) {
			return nil, newErr(KindBadMessage, "payload marker with no payload")
		}
		m.Payload = append([]byte(nil), data[pos:]...)
	}
	return m, nil
}

// SetPath splits path on '/' and '?' and appends one Uri-Path option
// per non-empty segment before the '?' and one Uri-Query option per
// non-empty segment after. Leading/trailing slashes and a bare '?'
// never produce empty options.
func (m *Message) SetPath(path string) error {
	p := path
	query := ""
	if idx := strings.IndexByte(p, '?'); idx >= 0 {
		query = p[idx+1:]
		p = p[:idx]
	}
	opts := m.Options.Remove(URIPath).Remove(URIQuery)
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		var err error
		opts, err = opts.Add(URIPath, []byte(seg))
		if err != nil {
			return err
		}
	}
	if query != "" {
		for _, seg := range strings.Split(query, "&") {
			if seg == "" {
				continue
			}
			var err error
			opts, err = opts.Add(URIQuery, []byte(seg))
			if err != nil {
				return err
			}
		}
	}
	m.Options = opts
	return nil
}

// Path reassembles the Uri-Path options of m into a "/"-joined string.
func (m *Message) Path() string {
	var segs []string
	for _, opt := range m.Options.Find(URIPath) {
		segs = append(segs, string(opt.Value))
	}
	return "/" + strings.Join(segs, "/")
}

// AckInit builds the empty or piggybacked ACK for a received request,
// mirroring the request's message ID and token.
func AckInit(request *Message, code Code) *Message {
	return &Message{
		Type:  Acknowledgement,
		Code:  code,
		ID:    request.ID,
		Token: request.Token,
	}
}

// CheckUnsupportedCriticalOptions implements the RFC 7252 §5.4.1
// critical-option policy: every
// option number in m.Options not present in known (typically Catalog
// plus any registered extension such as OSCORE) is checked for
// criticality. It returns the first unsupported critical option
// encountered, or nil if none.
func CheckUnsupportedCriticalOptions(opts Options, known map[OptionID]bool) *Option {
	for i := range opts {
		opt := opts[i]
		if known[opt.ID] {
			continue
		}
		if _, ok := Catalog[opt.ID]; ok {
			continue
		}
		if opt.ID.Critical() {
			return &opt
		}
	}
	return nil
}
