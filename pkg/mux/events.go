package mux

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/seamux/seamux/pkg/nmea"
)

// EventType identifies what an event does when due.
type EventType int

// EvtHeartbeat is the only event type currently defined: it pushes
// a proprietary heartbeat sentence to the target interface's queue.
const EvtHeartbeat EventType = iota

// Event is one scheduled (possibly periodic) action.
type Event struct {
	Type   EventType
	Iface  *Iface
	Handle func(*Iface)
	Period time.Duration
	When   time.Time
}

// EventMgr runs a single goroutine over a time-ordered event list.
type EventMgr struct {
	mu     sync.Mutex
	events []*Event

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewEventMgr returns an event manager ready to Run.
func NewEventMgr() *EventMgr {
	return &EventMgr{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Add schedules an event. A zero when means "now". For heartbeat
// events the period is taken from the interface.
func (m *EventMgr) Add(t EventType, ifa *Iface, when time.Time) {
	e := &Event{Type: t, Iface: ifa, When: when}
	if when.IsZero() {
		e.When = time.Now()
	}
	switch t {
	case EvtHeartbeat:
		e.Handle = heartbeat
		e.Period = ifa.Heartbeat
	}

	m.mu.Lock()
	m.events = append(m.events, e)
	m.sortLocked()
	m.mu.Unlock()
	m.kick()
}

// RemoveFor unlinks every event attached to an interface.
func (m *EventMgr) RemoveFor(ifa *Iface) {
	m.mu.Lock()
	kept := m.events[:0]
	for _, e := range m.events {
		if e.Iface != ifa {
			kept = append(kept, e)
		}
	}
	m.events = kept
	m.mu.Unlock()
	m.kick()
}

func (m *EventMgr) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *EventMgr) sortLocked() {
	sort.SliceStable(m.events, func(i, j int) bool {
		return m.events[i].When.Before(m.events[j].When)
	})
}

// Run processes events until Stop is called. When the list is empty
// it sleeps until an Add; otherwise it waits for the head event to
// come due, invokes its handler, and reschedules periodic events by
// advancing their due time one period.
func (m *EventMgr) Run() {
	defer close(m.done)

	for {
		m.mu.Lock()
		if len(m.events) == 0 {
			m.mu.Unlock()
			select {
			case <-m.wake:
				continue
			case <-m.stop:
				return
			}
		}

		head := m.events[0]
		if d := time.Until(head.When); d > 0 {
			m.mu.Unlock()
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-m.wake:
				timer.Stop()
			case <-m.stop:
				timer.Stop()
				return
			}
			continue
		}

		if head.Period > 0 {
			head.When = head.When.Add(head.Period)
			m.sortLocked()
		} else {
			m.events = m.events[1:]
		}
		m.mu.Unlock()

		head.Handle(head.Iface)
	}
}

// Stop terminates the manager and waits for its goroutine to exit.
func (m *EventMgr) Stop() {
	close(m.stop)
	<-m.done
}

// heartbeat pushes the fixed proprietary heartbeat sentence to the
// interface's queue. Push is drop-oldest so this never blocks.
func heartbeat(ifa *Iface) {
	var blk nmea.Senblk
	blk.Set([]byte(nmea.HeartbeatSentence))
	log.Tracef("%s: heartbeat", ifa.Name)
	ifa.Q.Push(&blk)
}
