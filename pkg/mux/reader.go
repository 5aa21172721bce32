package mux

import (
	log "github.com/sirupsen/logrus"

	"github.com/seamux/seamux/pkg/nmea"
)

// BufSize is the chunk size for transport reads.
const BufSize = 4096

// DoRead is the generic input loop: it pulls raw bytes through the
// transport's ReadBuf hook, frames them into sentences, applies the
// checksum policy and input filter, and pushes accepted senblks onto
// the engine queue.
func DoRead(ifa *Iface) {
	buf := make([]byte, BufSize)
	framer := nmea.Framer{
		Strict: ifa.Strict != StrictLoose,
		NoCR:   ifa.HasFlag(FlagNoCR),
	}

	var blk nmea.Senblk
	for !ifa.Stopped() {
		n, err := ifa.ReadBuf(ifa, buf)
		if n > 0 {
			framer.Feed(buf[:n], func(sen []byte) {
				blk.Set(sen)
				blk.Src = ifa.ID
				if ifa.Checksum != nmea.ChecksumNone && !nmea.Enforce(&blk, ifa.Checksum) {
					return
				}
				if !ifa.IFilter.Accept(&blk) {
					return
				}
				CountReceived(ifa.Name)
				ifa.Q.Push(&blk)
			})
		}
		if err != nil || n <= 0 {
			if err != nil && !ifa.Stopped() {
				log.Debugf("%s: read failed: %s", ifa.Name, err)
			}
			break
		}
	}
}
