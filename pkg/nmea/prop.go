package nmea

// Proprietary control sentences understood by the engine carry the
// $PKPX talker/formatter prefix.
const propPrefix = "$PKPX"

// HeartbeatSentence is pushed to an interface's queue on each
// heartbeat event.
const HeartbeatSentence = "$PKPXI,HB*7C\r\n"

// IsProp reports whether a sentence belongs to the proprietary
// control family.
func IsProp(s *Senblk) bool {
	if s == nil || s.Len < len(propPrefix)+1 {
		return false
	}
	return string(s.Data[:len(propPrefix)]) == propPrefix
}

// PropResult is the outcome of handling a proprietary sentence.
type PropResult int

const (
	// PropInvalid marks an unrecognised or malformed control sentence.
	PropInvalid PropResult = iota
	// PropForward means the (possibly rewritten) senblk should be
	// fanned out as usual.
	PropForward
	// PropDrop means the sentence was valid but must not be forwarded.
	PropDrop
)

// HandleProp processes a proprietary sentence in place. A version
// query ($PKPXQ,V) is rewritten into the matching response sentence;
// informational sentences are dropped; commands and responses are
// rejected.
func HandleProp(s *Senblk, version string) PropResult {
	if s.Data[6] != ',' {
		return PropInvalid
	}
	switch s.Data[5] {
	case 'Q':
		if s.Data[7] != 'V' {
			return PropInvalid
		}
		resp := append(s.Data[:0], "$PKPXR,"...)
		resp = append(resp, version...)
		resp = AppendChecksum(resp, resp[1:])
		resp = append(resp, '\r', '\n')
		s.Len = len(resp)
		s.Src = 0
		return PropForward
	case 'I':
		return PropDrop
	case 'C', 'R':
		return PropInvalid
	default:
		return PropInvalid
	}
}
