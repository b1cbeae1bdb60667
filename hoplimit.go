package coap

// AppendHopLimit appends a Hop-Limit option (RFC 8768, option 16) with
// the given value. It refuses value 0, since a Hop-Limit of zero has
// already been exhausted.
func (m *Message) AppendHopLimit(value uint8) error {
	if value == 0 {
		return newErr(KindBadInput, "hop-limit value must not be 0")
	}
	opts, err := m.Options.Remove(HopLimit).AddUint(HopLimit, uint32(value))
	if err != nil {
		return err
	}
	m.Options = opts
	return nil
}

// GetHopLimit returns the Hop-Limit option value, if present. A
// Hop-Limit option whose length is anything other than 1 is a
// BadMessage, per the catalog bound enforced during Parse; GetHopLimit
// additionally re-validates the length for callers that built the
// Options slice by hand.
func (m *Message) GetHopLimit() (uint8, bool, error) {
	opts := m.Options.Find(HopLimit)
	if len(opts) == 0 {
		return 0, false, nil
	}
	if len(opts[0].Value) != 1 {
		return 0, true, newErr(KindBadMessage, "hop-limit option length must be 1")
	}
	return opts[0].Value[0], true, nil
}

// ProxyUpdate implements the RFC 8768 proxy helper: it decrements an
// existing Hop-Limit by 1, returning ErrUnreachable if it would reach
// zero, or inserts the option with defaultValue (or 16 if defaultValue
// is 0) when absent.
func ProxyUpdate(m *Message, defaultValue uint8) error {
	value, present, err := m.GetHopLimit()
	if err != nil {
		return err
	}
	if !present {
		if defaultValue == 0 {
			defaultValue = 16
		}
		return m.AppendHopLimit(defaultValue)
	}
	if value <= 1 {
		return ErrUnreachable
	}
	return m.AppendHopLimit(value - 1)
}

// NoResponseClass identifies the response-class bits of the No-Response
// bitmask (RFC 7967).
type NoResponseClass uint8

const (
	NoResponseSuppress2xx NoResponseClass = 1 << 1
	NoResponseSuppress4xx NoResponseClass = 1 << 3
	NoResponseSuppress5xx NoResponseClass = 1 << 4
)

// AppendNoResponse appends a No-Response option with the given bitmask.
// A zero-length (empty) option means "interested in all classes" and is
// represented by calling this with mask 0 as well; use
// m.Options.Remove(NoResponse) to omit the option entirely and preserve
// RFC 7252 defaults.
func (m *Message) AppendNoResponse(mask uint8) error {
	opts, err := m.Options.Remove(NoResponse).AddUint(NoResponse, uint32(mask))
	if err != nil {
		return err
	}
	m.Options = opts
	return nil
}

// NoResponseCheck implements no_response_check: it reports whether the
// server should suppress a response of candidateCode given the request's
// No-Response option. Absent option: never suppress (RFC 7252
// defaults). Present with length > 1: BadInput. Empty value (mask 0):
// never suppress, matching "interested in all classes".
func NoResponseCheck(request *Message, candidateCode Code) (bool, error) {
	opts := request.Options.Find(NoResponse)
	if len(opts) == 0 {
		return false, nil
	}
	if len(opts[0].Value) > 1 {
		return false, newErr(KindBadInput, "no-response option length must be 0 or 1")
	}
	var mask uint8
	if len(opts[0].Value) == 1 {
		mask = opts[0].Value[0]
	}
	if mask == 0 {
		return false, nil
	}
	var class NoResponseClass
	switch candidateCode.Class() {
	case 2:
		class = NoResponseSuppress2xx
	case 4:
		class = NoResponseSuppress4xx
	case 5:
		class = NoResponseSuppress5xx
	default:
		return false, nil
	}
	return uint8(class)&mask != 0, nil
}
