package tcp

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/seamux/seamux/pkg/mux"
)

// listenerInfo is the transport state for a TCP server interface.
type listenerInfo struct {
	ln    net.Listener
	qsize int
}

func listenerCleanup(ifa *mux.Iface) {
	ifa.Info.(*listenerInfo).ln.Close()
}

func listenerInterrupt(ifa *mux.Iface) {
	ifa.Info.(*listenerInfo).ln.Close()
}

// NewConn wraps an established connection in a sub-interface
// carrying the parent's identity plus a descriptor-derived minor id.
// Filters, checksum policy, framing mode and tag flags are inherited.
// The new interface (and its pair, for bidirectional parents) is
// linked onto the initialized list and its goroutine started.
func NewConn(c net.Conn, parent *mux.Iface, dir mux.Direction) (*mux.Iface, error) {
	info := &Info{conn: c, qsize: DefQSize}
	if pi, ok := parent.Info.(*listenerInfo); ok {
		info.qsize = pi.qsize
	}

	newifa := &mux.Iface{
		ID:        minorID(parent, c),
		Name:      parent.Name,
		Type:      mux.TypeTCP,
		Direction: dir,
		Checksum:  parent.Checksum,
		Strict:    parent.Strict,
		Flags:     parent.Flags,
		TagFlags:  parent.TagFlags,
		IFilter:   parent.IFilter,
		OFilter:   parent.OFilter,
		Lists:     parent.Lists,
		Info:      info,
		Read:      readClient,
		Write:     writeTCP,
		ReadBuf:   readBuf,
		Cleanup:   cleanup,
		Dup:       dup,
		Interrupt: interrupt,
	}

	if dir == mux.In {
		newifa.Q = parent.Lists.Engine.Q
	} else {
		setNoDelay(c, true)
		newifa.NewQueue(info.qsize)
		if dir == mux.Both {
			pair, err := mux.IfDup(newifa)
			if err != nil {
				return nil, err
			}
			newifa.Direction = mux.Out
			pair.Direction = mux.In
			pair.Q = parent.Lists.Engine.Q
			parent.Lists.LinkToInitialized(pair)
			mux.Spawn(pair)
		}
	}

	parent.Lists.LinkToInitialized(newifa)
	mux.Spawn(newifa)
	return newifa, nil
}

// serve accepts connections for the life of the listener, spawning a
// sub-interface per connection.
func serve(ifa *mux.Iface) {
	info := ifa.Info.(*listenerInfo)

	for !ifa.Stopped() {
		c, err := info.ln.Accept()
		if err != nil {
			if !ifa.Stopped() {
				log.Errorf("%s: accept failed: %s", ifa.Name, err)
			}
			break
		}
		newifa, err := NewConn(c, ifa, ifa.Direction)
		if err != nil {
			log.Warnf("%s: %s", ifa.Name, err)
			c.Close()
			continue
		}
		log.Debugf("%s: new connection id %x received from %s",
			ifa.Name, newifa.ID, c.RemoteAddr())
	}
}

func initServer(ifa *mux.Iface, info *Info, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to open tcp server for %s: %w", addr, err)
	}
	ifa.Info = &listenerInfo{ln: ln, qsize: info.qsize}
	ifa.Read = serve
	ifa.Write = serve
	ifa.Cleanup = listenerCleanup
	ifa.Interrupt = listenerInterrupt
	log.Debugf("%s: listening on %s", ifa.Name, addr)
	return nil
}
