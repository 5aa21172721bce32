package nmea

// AISFragment describes the fragmentation header of an AIS VDM/VDO
// sentence, used when coalescing multi-part groups into a single UDP
// datagram.
type AISFragment struct {
	NFrags byte
	Frag   byte
	SeqID  byte
	Chan   byte
}

// ParseAIS inspects a sentence for a VDM/VDO formatter and, when the
// leading fields have the expected shape, extracts the fragment
// header. Returns false for anything that is not a well-formed AIS
// fragment.
func ParseAIS(sen []byte) (AISFragment, bool) {
	var f AISFragment

	if len(sen) < 13 {
		return f, false
	}
	if !(sen[3] == 'V' && sen[4] == 'D' && (sen[5] == 'M' || sen[5] == 'O')) {
		return f, false
	}
	p := sen[6:]

	if p[0] != ',' || p[1] < '0' || p[1] > '9' {
		return f, false
	}
	f.NFrags = p[1] - '0'

	if p[2] != ',' || p[3] < '0' || p[3] > '9' {
		return f, false
	}
	f.Frag = p[3] - '0'

	if p[4] != ',' {
		return f, false
	}
	p = p[5:]
	if p[0] == ',' {
		f.SeqID = 0
		p = p[1:]
	} else {
		if p[0] < '0' || p[0] > '9' || p[1] != ',' {
			return f, false
		}
		f.SeqID = p[0] - '0'
		p = p[2:]
	}

	if len(p) < 2 || p[1] != ',' {
		return f, false
	}
	f.Chan = p[0]
	return f, true
}
