package mux

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/seamux/seamux/pkg/names"
)

// IOLists tracks every interface through its lifecycle. One mutex
// guards all four lists; it is the outermost lock in the system
// (queue locks nest inside, filter state innermost).
type IOLists struct {
	Mu sync.Mutex

	Initialized []*Iface
	Inputs      []*Iface
	Outputs     []*Iface
	Dead        []*Iface

	Engine   *Iface
	Events   *EventMgr
	Registry *names.Registry

	initCond *sync.Cond
	deadCond *sync.Cond

	// shuttingDown is set once a shutdown trigger has been seen so
	// the engine queue is only closed once.
	shuttingDown bool
}

// NewIOLists returns an initialized lifecycle list set.
func NewIOLists() *IOLists {
	l := &IOLists{}
	l.initCond = sync.NewCond(&l.Mu)
	l.deadCond = sync.NewCond(&l.Mu)
	return l
}

func remove(list []*Iface, ifa *Iface) []*Iface {
	for i, x := range list {
		if x == ifa {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// LinkToInitialized adds an interface (typically a dynamically
// spawned sub-connection) to the initialized list.
func (l *IOLists) LinkToInitialized(ifa *Iface) {
	l.Mu.Lock()
	ifa.Lists = l
	l.Initialized = append(l.Initialized, ifa)
	l.Mu.Unlock()
}

// StartInterface is the body of every interface goroutine: it moves
// the interface from the initialized list to inputs or outputs,
// waits for the startup barrier, then runs the transport's read or
// write loop. On return the interface is unlinked, its resources
// released and the record placed on the dead list for the supervisor
// to reap.
func StartInterface(ifa *Iface) {
	defer ifa.destroy()

	l := ifa.Lists
	l.Mu.Lock()
	l.Initialized = remove(l.Initialized, ifa)

	if ifa.Direction == None {
		// Told to exit before we ever started.
		if len(l.Initialized) == 0 {
			l.initCond.Broadcast()
		}
		l.Mu.Unlock()
		return
	}

	if ifa.Direction == In {
		l.Inputs = append(l.Inputs, ifa)
	} else {
		l.Outputs = append(l.Outputs, ifa)
	}

	if len(l.Initialized) == 0 {
		l.initCond.Broadcast()
	} else {
		for len(l.Initialized) > 0 {
			l.initCond.Wait()
		}
	}
	l.Mu.Unlock()

	if ifa.Direction == In {
		ifa.Read(ifa)
	} else {
		ifa.Write(ifa)
	}
}

// destroy unlinks an exiting interface, releases its transport and
// queue resources, de-couples it from its pair and hands the record
// to the supervisor via the dead list.
func (ifa *Iface) destroy() {
	l := ifa.Lists

	log.Debugf("%s: cleaning up exiting %s id %x", ifa.Name, ifa.Direction.String(), ifa.ID)

	if ifa.Heartbeat > 0 && ifa.Q != nil && l.Events != nil {
		l.Events.RemoveFor(ifa)
	}

	l.Mu.Lock()
	ifa.unlink()
	l.Dead = append(l.Dead, ifa)
	l.deadCond.Broadcast()
	l.Mu.Unlock()

	if ifa.done != nil {
		close(ifa.done)
	}
}

// unlink removes the interface from its I/O list, shutting the
// engine queue down when the last input goes, then frees interface
// data. Caller holds the lists mutex.
func (ifa *Iface) unlink() {
	l := ifa.Lists

	switch ifa.Direction {
	case In:
		l.Inputs = remove(l.Inputs, ifa)
	case Out, Both:
		l.Outputs = remove(l.Outputs, ifa)
	}

	if ifa.Direction != Out && len(l.Inputs) == 0 && !l.shuttingDown {
		// The last input is gone. Unless a bidirectional listener may
		// still spawn new ones, ask the engine to drain and stop.
		listener := false
		for _, o := range l.Outputs {
			if o.Direction == Both {
				listener = true
				break
			}
		}
		if !listener && l.Engine != nil && l.Engine.Q != nil {
			l.shuttingDown = true
			l.Engine.Q.Push(nil)
		}
	}

	ifa.freeData()
}

// freeData runs the transport cleanup and detaches the pair. The
// lists mutex is held to serialize shared-state teardown between the
// two members of a pair.
func (ifa *Iface) freeData() {
	if ifa.Info != nil && ifa.Cleanup != nil {
		ifa.Cleanup(ifa)
	}

	if p := ifa.Pair; p != nil {
		p.Pair = nil
		ifa.Pair = nil
		if p.Direction == Out {
			if p.Q != nil {
				p.Q.Push(nil)
			}
		} else {
			if p.done != nil {
				p.Stop()
			} else {
				// Pair goroutine never started.
				p.Direction = None
			}
		}
	}
}
