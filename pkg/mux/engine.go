package mux

import (
	log "github.com/sirupsen/logrus"

	"github.com/seamux/seamux/pkg/nmea"
	"github.com/seamux/seamux/pkg/version"
)

// Default engine queue capacity.
const DefQSize = 16

// RunEngine is the heart of the multiplexer. Inputs push onto the
// engine's queue; the engine pops senblks and copies each to every
// output queue except the source's own (unless that output asked for
// loopback). A nil senblk from the queue is the shutdown token: it
// is forwarded to every output queue and the engine exits.
func RunEngine(e *Iface) {
	l := e.Lists

	for {
		el := e.Q.Next()
		var sptr *nmea.Senblk
		if el != nil {
			sptr = &el.Blk
		}

		if nmea.IsProp(sptr) {
			if nmea.HandleProp(sptr, version.Version) != nmea.PropForward {
				e.Q.Free(el)
				continue
			}
		}

		if e.OFilter.Active(sptr) {
			l.Mu.Lock()
			for _, o := range l.Outputs {
				if o.Q == nil {
					continue
				}
				if sptr == nil || sptr.Src != o.ID || o.HasFlag(FlagLoopback) {
					o.Q.Push(sptr)
				}
			}
			l.Mu.Unlock()
		}

		if sptr == nil {
			break
		}
		e.Q.Free(el)
	}

	log.Debug("engine: queue inactive, exiting")
	if e.done != nil {
		close(e.done)
	}
}
