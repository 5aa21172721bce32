package nmea

type frameState int

const (
	stateNoData frameState = iota
	stateSenProc
	stateTagProc
	stateTagSeen
	stateCR
)

// Framer runs the per-byte sentence framing state machine. Bytes are
// fed in transport-sized chunks; each completed sentence (always
// terminated with CRLF, synthesized if necessary) is handed to the
// emit callback. Inbound TAG blocks are consumed and discarded.
//
// In strict mode a sentence only terminates on CR followed by LF. In
// loose mode a lone CR, LF or NUL terminates and CRLF is appended.
// With nocr set a lone LF terminates and the CR is synthesized.
type Framer struct {
	Strict bool
	NoCR   bool

	state  frameState
	buf    [SenBufSize]byte
	tagbuf [TagMax]byte
	n      int
	max    int
}

// Reset returns the framer to its initial state, dropping any
// partially assembled sentence.
func (f *Framer) Reset() {
	f.state = stateNoData
	f.n = 0
}

// Feed consumes a chunk of raw bytes, invoking emit once per
// completed sentence. The slice passed to emit is only valid for the
// duration of the call.
func (f *Framer) Feed(p []byte, emit func([]byte)) {
	lax := 0
	if !f.Strict || f.NoCR {
		lax = 1
	}
	for _, b := range p {
		switch b {
		case '$', '!':
			f.state = stateSenProc
			f.buf[0] = b
			f.n = 1
			f.max = SenMax - lax
			continue
		case '\\':
			if f.state == stateTagProc {
				f.state = stateTagSeen
			} else {
				f.state = stateTagProc
				f.tagbuf[0] = b
				f.n = 1
				f.max = TagMax - 1
			}
			continue
		case '\r', '\n', 0:
			switch f.state {
			case stateSenProc:
				if !f.Strict || (f.NoCR && b == '\n') {
					f.buf[f.n] = '\r'
					f.buf[f.n+1] = '\n'
					emit(f.buf[:f.n+2])
					f.state = stateNoData
				} else if !f.NoCR && b == '\r' {
					f.buf[f.n] = b
					f.n++
					f.state = stateCR
				} else {
					f.state = stateNoData
				}
			case stateCR:
				if b == '\n' {
					f.buf[f.n] = b
					emit(f.buf[:f.n+1])
				}
				f.state = stateNoData
			default:
				f.state = stateNoData
			}
			continue
		}

		if f.state != stateSenProc && f.state != stateTagProc {
			f.state = stateNoData
			continue
		}

		if f.n >= f.max {
			// Over-long sentence: drop it.
			f.state = stateNoData
			continue
		}
		if f.state == stateTagProc {
			f.tagbuf[f.n] = b
		} else {
			f.buf[f.n] = b
		}
		f.n++
	}
}
