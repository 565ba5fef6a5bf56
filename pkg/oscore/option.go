package oscore

// Wire limits of the OSCORE option fields.
const (
	MaxPIVLength        = 5
	MaxKIDLength        = 7
	MaxKIDContextLength = 16
)

// Flag bits of the first option byte (RFC 8613 Section 6.1).
const (
	flagPIVLengthMask = 0x07
	flagKID           = 0x08
	flagKIDContext    = 0x10
	flagReserved      = 0xe0
)

// Option is the decoded OSCORE option.
type Option struct {
	// PIV is the partial IV, big-endian without leading zeros (a zero
	// sequence number is the single byte 0x00). Empty when absent.
	PIV []byte

	// KID is the sender id of the message's author. HasKID distinguishes
	// an absent kid from a present, empty one.
	KID    []byte
	HasKID bool

	// KIDContext is the id context, nil when absent.
	KIDContext []byte
}

// Encode serializes the option. An option without fields encodes to the
// empty byte string.
func (o *Option) Encode() []byte {
	if len(o.PIV) == 0 && !o.HasKID && o.KIDContext == nil {
		return []byte{}
	}
	flags := byte(len(o.PIV)) & flagPIVLengthMask
	if o.HasKID {
		flags |= flagKID
	}
	if o.KIDContext != nil {
		flags |= flagKIDContext
	}
	out := make([]byte, 0, 2+len(o.PIV)+len(o.KIDContext)+len(o.KID))
	out = append(out, flags)
	out = append(out, o.PIV...)
	if o.KIDContext != nil {
		out = append(out, byte(len(o.KIDContext)))
		out = append(out, o.KIDContext...)
	}
	if o.HasKID {
		out = append(out, o.KID...)
	}
	return out
}

// ParseOption decodes an OSCORE option value. Every failure wraps
// ErrMalformedEnvelope.
func ParseOption(b []byte) (Option, error) {
	var o Option
	if len(b) == 0 {
		return o, nil
	}
	flags := b[0]
	if flags&flagReserved != 0 {
		return o, malformed("reserved flag bits set")
	}
	n := int(flags & flagPIVLengthMask)
	if n > MaxPIVLength {
		return o, malformed("partial iv length %d", n)
	}
	rest := b[1:]
	if len(rest) < n {
		return o, malformed("truncated partial iv")
	}
	if n > 0 {
		o.PIV = append([]byte{}, rest[:n]...)
	}
	rest = rest[n:]

	if flags&flagKIDContext != 0 {
		if len(rest) < 1 {
			return o, malformed("missing kid context length")
		}
		s := int(rest[0])
		rest = rest[1:]
		if s > MaxKIDContextLength || len(rest) < s {
			return o, malformed("kid context length %d", s)
		}
		o.KIDContext = append([]byte{}, rest[:s]...)
		rest = rest[s:]
	}

	if flags&flagKID != 0 {
		if len(rest) > MaxKIDLength {
			return o, malformed("kid length %d", len(rest))
		}
		o.KID = append([]byte{}, rest...)
		o.HasKID = true
	} else if len(rest) > 0 {
		return o, malformed("trailing bytes without kid flag")
	}
	return o, nil
}
