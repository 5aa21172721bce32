package udp

import (
	"net"

	"github.com/seamux/seamux/pkg/nmea"
)

// cBufSize holds up to ten fragments of a multi-part AIS group.
const cBufSize = 810

// coalescer batches the fragments of a multi-part AIS VDM/VDO group
// so the whole group leaves in one datagram. Receivers that bind
// fragments to datagram boundaries lose groups that are split across
// packets; this keeps them intact.
type coalescer struct {
	buf    [cBufSize]byte
	offset int
	seqid  byte
	frag   byte
	chann  byte
}

func (cp *coalescer) flush(conn *net.UDPConn) error {
	_, err := conn.Write(cp.buf[:cp.offset])
	cp.offset, cp.frag, cp.seqid = 0, 0, 0
	return err
}

func (cp *coalescer) store(tag, payload []byte) {
	cp.offset += copy(cp.buf[cp.offset:], tag)
	cp.offset += copy(cp.buf[cp.offset:], payload)
}

// add inspects a sentence and, when it belongs to a multi-part AIS
// group, stores or sends it. Returns true when the sentence has been
// consumed (stored or sent); false means the caller should transmit
// it as an ordinary datagram.
func (cp *coalescer) add(conn *net.UDPConn, tag, payload []byte) (bool, error) {
	f, ok := nmea.ParseAIS(payload)
	if !ok {
		return false, nil
	}
	if cp.offset == 0 && f.NFrags == 1 {
		return false, nil
	}

	if cp.offset > 0 {
		cp.frag++
		if cp.offset+len(tag)+len(payload) > cBufSize ||
			cp.seqid != f.SeqID || cp.frag != f.Frag || cp.chann != f.Chan {
			// Not a continuation of the buffered group: flush what we
			// have and start over.
			if err := cp.flush(conn); err != nil {
				return false, err
			}
			if f.Frag != 1 || f.NFrags == 1 {
				return false, nil
			}
			cp.seqid, cp.chann, cp.frag = f.SeqID, f.Chan, 1
		}
	} else {
		cp.seqid, cp.chann, cp.frag = f.SeqID, f.Chan, 1
	}

	cp.store(tag, payload)

	if f.Frag == f.NFrags {
		if err := cp.flush(conn); err != nil {
			return false, err
		}
	} else {
		cp.seqid = f.SeqID
	}
	return true, nil
}
