package oscore

import (
	"github.com/meshlink/coapcore"
)

// EncodeInner serializes the plaintext ("inner") message of an OSCORE
// envelope per RFC 8613 §5.3: one code octet, the inner options in
// their usual delta encoding, and the payload behind the 0xFF marker.
// The inner message has no header, token or message ID; those stay on
// the outer message.
func EncodeInner(code coap.Code, opts coap.Options, payload []byte) ([]byte, error) {
	buf := []byte{byte(code)}
	buf, err := opts.Encode(buf)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		buf = append(buf, 0xff)
		buf = append(buf, payload...)
	}
	return buf, nil
}

// DecodeInner parses the plaintext of a verified OSCORE envelope back
// into its code, options and payload.
func DecodeInner(data []byte) (coap.Code, coap.Options, []byte, error) {
	if len(data) < 1 {
		return 0, nil, nil, &coap.Error{Kind: coap.KindBadMessage, Reason: "OSCORE plaintext shorter than its code octet"}
	}
	code := coap.Code(data[0])
	opts, consumed, hasPayload, err := coap.DecodeOptions(data[1:])
	if err != nil {
		return 0, nil, nil, err
	}
	var payload []byte
	if hasPayload {
		rest := data[1+consumed:]
		if len(rest) == 0 {
			return 0, nil, nil, &coap.Error{Kind: coap.KindBadMessage, Reason: "OSCORE plaintext payload marker with no payload"}
		}
		payload = rest
	}
	return code, opts, payload, nil
}
