// Package mux contains the multiplexing core: the interface model
// and its lifecycle lists, the engine fan-out loop, the generic
// framing reader, the event manager and the supervisor.
package mux

import (
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/seamux/seamux/pkg/filter"
	"github.com/seamux/seamux/pkg/ioq"
	"github.com/seamux/seamux/pkg/nmea"
)

// Direction is an interface's I/O direction. Bidirectional
// interfaces are split into an In/Out pair during initialization;
// None marks an interface told to exit before starting.
type Direction int

const (
	None Direction = iota
	In
	Out
	Both
)

func (d Direction) String() string {
	switch d {
	case In:
		return "input"
	case Out:
		return "output"
	case Both:
		return "bidirectional"
	}
	return "inactive"
}

// IfType identifies the transport variant of an interface.
type IfType int

const (
	TypeGlobal IfType = iota
	TypeFile
	TypeSerial
	TypePTY
	TypeTCP
	TypeUDP
	TypeBroadcast
	TypeMulticast
	TypeGoFree
	TypeSeaTalk
)

var typeNames = map[IfType]string{
	TypeGlobal:    "global",
	TypeFile:      "file",
	TypeSerial:    "serial",
	TypePTY:       "pty",
	TypeTCP:       "tcp",
	TypeUDP:       "udp",
	TypeBroadcast: "broadcast",
	TypeMulticast: "multicast",
	TypeGoFree:    "gofree",
	TypeSeaTalk:   "seatalk",
}

func (t IfType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type%d", int(t))
}

// Flags are per-interface behaviour switches.
type Flags uint32

const (
	// FlagPersist survives transport failures by reconnect/reopen.
	FlagPersist Flags = 1 << iota
	// FlagIPersist also retries the initial connection (deferred DNS).
	FlagIPersist
	// FlagLoopback delivers an interface's own sentences back to it.
	FlagLoopback
	// FlagOptional turns init failure into a warning instead of a
	// fatal error.
	FlagOptional
	// FlagNoCR terminates output sentences with a bare LF.
	FlagNoCR
)

// Strictness values for Iface.Strict.
const (
	StrictUnset  = -1
	StrictLoose  = 0
	StrictFramed = 1
)

// Iface is one endpoint of the multiplexer. Transport packages fill
// in Info and the hook functions during init; everything else is
// owned by the core. A bidirectional interface is realized as two
// Iface records cross-linked through Pair, sharing transport state.
type Iface struct {
	ID        uint32
	Name      string
	Type      IfType
	Direction Direction
	Checksum  nmea.ChecksumPolicy
	Strict    int
	Flags     Flags
	TagFlags  nmea.TagFlags
	Heartbeat time.Duration
	QSize     int

	Q       *ioq.Queue
	IFilter *filter.Filter
	OFilter *filter.Filter
	Pair    *Iface
	Lists   *IOLists

	// Info holds transport state; Options carries the unconsumed
	// transport options until init eats them.
	Info    any
	Options map[string]string

	// Transport hooks.
	Read      func(*Iface)
	Write     func(*Iface)
	ReadBuf   func(*Iface, []byte) (int, error)
	Cleanup   func(*Iface)
	Dup       func(any) (any, error)
	Interrupt func(*Iface)

	stopped atomic.Bool
	done    chan struct{}
}

// Stopped reports whether the interface has been told to exit.
// Transport loops check this at their suspension points.
func (ifa *Iface) Stopped() bool {
	return ifa.stopped.Load()
}

// Stop marks the interface stopped and closes its transport
// descriptor so blocked I/O returns. Safe to call more than once.
func (ifa *Iface) Stop() {
	if ifa.stopped.Swap(true) {
		return
	}
	if ifa.Interrupt != nil {
		ifa.Interrupt(ifa)
	}
}

// Done returns a channel closed when the interface goroutine has
// fully exited; used by spawners that need to join a child.
func (ifa *Iface) Done() <-chan struct{} {
	return ifa.done
}

// HasFlag tests an interface flag.
func (ifa *Iface) HasFlag(f Flags) bool {
	return ifa.Flags&f != 0
}

// GetTag builds the TAG block for an outbound senblk per the
// interface's tag flags, or nil when tagging is off.
func (ifa *Iface) GetTag(s *nmea.Senblk) []byte {
	if ifa.TagFlags == 0 {
		return nil
	}
	name := ifa.Name
	if ifa.TagFlags&nmea.TagISrc != 0 && ifa.Lists != nil && ifa.Lists.Registry != nil {
		if n := ifa.Lists.Registry.Name(s.Src); n != "" {
			name = n
		}
	}
	return nmea.Tag(ifa.TagFlags, name, time.Now())
}

// IfDup creates the second member of a bidirectional pair, sharing
// transport state through the Dup hook and the filters by reference.
// The duplicate never carries its own heartbeat.
func IfDup(ifa *Iface) (*Iface, error) {
	dup := &Iface{
		ID:        ifa.ID,
		Name:      ifa.Name,
		Type:      ifa.Type,
		Direction: ifa.Direction,
		Checksum:  ifa.Checksum,
		Strict:    ifa.Strict,
		Flags:     ifa.Flags,
		TagFlags:  ifa.TagFlags,
		QSize:     ifa.QSize,
		IFilter:   ifa.IFilter,
		OFilter:   ifa.OFilter,
		Lists:     ifa.Lists,
		Read:      ifa.Read,
		Write:     ifa.Write,
		ReadBuf:   ifa.ReadBuf,
		Cleanup:   ifa.Cleanup,
		Dup:       ifa.Dup,
		Interrupt: ifa.Interrupt,
	}
	if ifa.Dup != nil {
		info, err := ifa.Dup(ifa.Info)
		if err != nil {
			return nil, fmt.Errorf("interface duplication failed: %w", err)
		}
		dup.Info = info
	}
	ifa.Pair = dup
	dup.Pair = ifa
	return dup, nil
}

// NewQueue attaches an output queue of the given size to the
// interface, wiring the overflow counter into the metrics.
func (ifa *Iface) NewQueue(size int) {
	drops := QueueDrops(ifa.Name)
	ifa.Q = ioq.New(ifa.Name, size, func() {
		drops.Inc()
		log.Debugf("%s: dropped senblk", ifa.Name)
	})
}
