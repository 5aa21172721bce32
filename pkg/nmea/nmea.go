// Package nmea holds the NMEA-0183 sentence data model: the senblk
// record passed between interfaces, checksum calculation and
// enforcement, the framing state machine and TAG block generation.
package nmea

// SenMax is the maximum length of a sentence excluding CR/LF.
const SenMax = 80

// SenBufSize leaves room for a sentence plus CR/LF and a short
// checksum tail added under the "add" policy.
const SenBufSize = SenMax + 4

// TagMax bounds a generated TAG block.
const TagMax = 80

// Senblk is the unit of data moved through queues: one framed
// sentence (terminated with CRLF) plus the id of the interface it
// arrived on.
type Senblk struct {
	Len  int
	Src  uint32
	Data [SenBufSize]byte
}

// Bytes returns the sentence payload.
func (s *Senblk) Bytes() []byte {
	return s.Data[:s.Len]
}

// Set copies b into the senblk, truncating at the buffer size.
func (s *Senblk) Set(b []byte) {
	if len(b) > SenBufSize {
		b = b[:SenBufSize]
	}
	s.Len = copy(s.Data[:], b)
}

// CopyFrom copies payload, length and source from another senblk.
func (s *Senblk) CopyFrom(src *Senblk) {
	s.Len = src.Len
	s.Src = src.Src
	copy(s.Data[:], src.Data[:src.Len])
}

// Checksum computes the XOR checksum over buf. Callers pass the bytes
// strictly between the leading delimiter and the '*' separator.
func Checksum(buf []byte) byte {
	var c byte
	for _, b := range buf {
		c ^= b
	}
	return c
}

const hexDigits = "0123456789ABCDEF"

// AppendChecksum appends "*HH" for the body bytes after the delimiter.
func AppendChecksum(dst []byte, body []byte) []byte {
	c := Checksum(body)
	return append(dst, '*', hexDigits[c>>4], hexDigits[c&0xf])
}

// ChecksumPolicy selects how inbound sentence checksums are treated.
type ChecksumPolicy int

const (
	// ChecksumNone ignores checksums entirely.
	ChecksumNone ChecksumPolicy = iota
	// ChecksumUndef means "not configured": interfaces fall back to
	// the global policy during initialization.
	ChecksumUndef
	// ChecksumStrict requires a checksum and verifies it.
	ChecksumStrict
	// ChecksumLoose verifies a checksum only if one is present.
	ChecksumLoose
	// ChecksumAdd verifies if present, computes and appends if missing.
	ChecksumAdd
	// ChecksumAddOnly computes if missing but never rejects.
	ChecksumAddOnly
)

func hexVal(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	}
	return 0, false
}

// Enforce applies a checksum policy to a framed sentence (payload
// ends in CRLF). It returns false if the sentence must be dropped.
// Under Add/AddOnly the senblk may be rewritten to carry a computed
// checksum. Zero-length payloads are admitted unchecked.
func Enforce(s *Senblk, how ChecksumPolicy) bool {
	switch how {
	case ChecksumStrict, ChecksumLoose, ChecksumAdd, ChecksumAddOnly:
	default:
		return true
	}

	if s.Len < 4 {
		// Nothing between delimiter and CRLF to check.
		return true
	}

	var sum byte
	// XOR everything up to where a well-formed "*HH\r\n" tail would
	// begin, then look for the separator.
	i := 1
	end := s.Len - 5
	for ; i < end; i++ {
		sum ^= s.Data[i]
	}

	if i < 1 || i >= s.Len || s.Data[i] != '*' {
		// No checksum, or an incomplete one.
		if how == ChecksumStrict {
			return false
		}
		for end = s.Len - 2; i >= 1 && i < end; i++ {
			sum ^= s.Data[i]
			if i+1 < s.Len && s.Data[i+1] == '*' {
				// Truncated checksum after the separator.
				return how == ChecksumAddOnly
			}
		}
		if how == ChecksumLoose {
			return true
		}
		// Add the checksum before the CRLF.
		if s.Len > SenMax-1 {
			return false
		}
		body := s.Data[1 : s.Len-2]
		tail := AppendChecksum(nil, body)
		copy(s.Data[s.Len-2:], tail)
		s.Data[s.Len+1] = '\r'
		s.Data[s.Len+2] = '\n'
		s.Len += 3
		return true
	}

	if how == ChecksumAddOnly {
		return true
	}

	hi, ok1 := hexVal(s.Data[i+1])
	lo, ok2 := hexVal(s.Data[i+2])
	if !ok1 || !ok2 {
		return false
	}
	return sum == hi<<4|lo
}
