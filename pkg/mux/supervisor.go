package mux

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/seamux/seamux/pkg/names"
	"github.com/seamux/seamux/pkg/nmea"
)

// InitFunc binds an interface to its transport: it consumes the
// remaining options, acquires descriptors, attaches a queue for
// outputs and installs the I/O hooks. For bidirectional interfaces
// it splits the record into an Out/In pair via IfDup.
type InitFunc func(*Iface) error

// Supervisor owns the main thread's work: interface initialization,
// id and name assignment, goroutine spawning, two-phase graceful
// shutdown and reaping of dead interfaces.
type Supervisor struct {
	Lists       *IOLists
	Inits       map[IfType]InitFunc
	GracePeriod time.Duration

	parsed []*Iface

	// Shutdown state, guarded by Lists.Mu.
	die        bool
	phase1Done bool
	phase2     bool
	phase2Done bool
}

// NewSupervisor returns a supervisor with an empty interface set.
func NewSupervisor(inits map[IfType]InitFunc) *Supervisor {
	l := NewIOLists()
	l.Registry = names.NewRegistry()
	return &Supervisor{
		Lists:       l,
		Inits:       inits,
		GracePeriod: 3 * time.Second,
	}
}

// Add queues a parsed interface for initialization.
func (s *Supervisor) Add(ifa *Iface) {
	s.parsed = append(s.parsed, ifa)
}

// Spawn starts an interface goroutine, giving the record a join
// channel first. Used both by the supervisor at startup and by
// transports spawning dynamic sub-connections.
func Spawn(ifa *Iface) {
	ifa.done = make(chan struct{})
	go StartInterface(ifa)
}

// Init assigns ids, registers names, runs each transport's init
// function and links the results onto the initialized list. Called
// once, single-threaded, before Run.
func (s *Supervisor) Init() error {
	l := s.Lists
	engine := l.Engine

	for i, ifa := range s.parsed {
		if i >= names.MaxInterfaces {
			return fmt.Errorf("too many interfaces")
		}
		ifa.ID = uint32(i+1) << names.MinorBits
		if ifa.Name == "" {
			ifa.Name = fmt.Sprintf("_%s-id%d", ifa.Type, i+1)
		}
		if err := l.Registry.Insert(ifa.Name, ifa.ID); err != nil {
			return err
		}
		ifa.Lists = l

		fn := s.Inits[ifa.Type]
		if fn == nil {
			return fmt.Errorf("no transport registered for interface type %s", ifa.Type)
		}
		if err := fn(ifa); err != nil {
			if !ifa.HasFlag(FlagOptional) {
				return fmt.Errorf("failed to initialize interface %s: %w", ifa.Name, err)
			}
			log.Warnf("skipping optional interface %s: %s", ifa.Name, err)
			continue
		}

		// Init may have split a bidirectional interface into a pair.
		members := []*Iface{ifa}
		if ifa.Pair != nil {
			members = append(members, ifa.Pair)
		}
		for _, m := range members {
			if m.Direction == In {
				m.Q = engine.Q
			}
			if m.Checksum == nmea.ChecksumUndef {
				m.Checksum = engine.Checksum
			}
			if m.Strict == StrictUnset {
				if engine.Strict != StrictUnset {
					m.Strict = engine.Strict
				} else if m.Type == TypeFile {
					m.Strict = StrictLoose
				} else {
					m.Strict = StrictFramed
				}
			}
			m.Lists = l
			l.Initialized = append(l.Initialized, m)
		}
		log.Debugf("%s: initialised", ifa.Name)
	}

	// Now that every name has an id, resolve filter references.
	if err := engine.OFilter.Resolve(l.Registry); err != nil {
		return err
	}
	for _, ifa := range l.Initialized {
		if err := ifa.IFilter.Resolve(l.Registry); err != nil {
			return err
		}
		if err := ifa.OFilter.Resolve(l.Registry); err != nil {
			return err
		}
	}

	for _, ifa := range l.Initialized {
		if ifa.Heartbeat > 0 && ifa.Q != nil {
			if l.Events == nil {
				l.Events = NewEventMgr()
			}
			l.Events.Add(EvtHeartbeat, ifa, time.Time{})
		}
	}

	return nil
}

// lowerNoFile caps the open-file limit so connection minors always
// fit in the low id bits.
func lowerNoFile() {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		log.Warnf("could not read resource limits: %s", err)
		return
	}
	if lim.Cur > 1<<names.MinorBits {
		log.Debugf("lowering NOFILE from %d to %d", lim.Cur, 1<<names.MinorBits)
		lim.Cur = 1 << names.MinorBits
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			log.Warnf("could not set file descriptor limit: %s", err)
		}
	}
}

// Shutdown requests a graceful stop; called from the signal handler.
func (s *Supervisor) Shutdown() {
	l := s.Lists
	l.Mu.Lock()
	s.die = true
	l.deadCond.Broadcast()
	l.Mu.Unlock()
}

// gracePeriodExpired flips the supervisor into phase two of the
// shutdown: remaining output data is forfeit.
func (s *Supervisor) gracePeriodExpired() {
	l := s.Lists
	l.Mu.Lock()
	s.phase2 = true
	l.deadCond.Broadcast()
	l.Mu.Unlock()
}

// Run spawns the engine and one goroutine per interface, then acts
// as the reaper: it joins dead interfaces as they exit and
// orchestrates the two-phase graceful shutdown. It returns when
// every interface has been reaped; the event manager is stopped
// last.
func (s *Supervisor) Run() error {
	l := s.Lists
	lowerNoFile()

	l.Mu.Lock()

	gotInputs := false
	for _, ifa := range l.Initialized {
		if ifa.Direction == In || ifa.Direction == Both {
			gotInputs = true
			break
		}
	}

	l.Engine.done = make(chan struct{})
	go RunEngine(l.Engine)

	for _, ifa := range append([]*Iface(nil), l.Initialized...) {
		Spawn(ifa)
	}

	for len(l.Initialized) > 0 {
		l.initCond.Wait()
	}

	// Deferred until after the startup barrier to avoid deadlock on
	// the lists mutex.
	if !gotInputs {
		log.Error("no inputs")
		l.shuttingDown = true
		l.Engine.Q.Push(nil)
		s.die = true
	}

	eventsRunning := false
	if l.Events != nil && !s.die {
		eventsRunning = true
		go l.Events.Run()
	}

	for len(l.Inputs) > 0 || len(l.Outputs) > 0 || len(l.Dead) > 0 {
		if len(l.Dead) == 0 && !s.pendingWork() {
			l.deadCond.Wait()
		}

		if (s.die || len(l.Outputs) == 0) && !s.phase1Done {
			s.phase1Done = true
			log.Info("shutting down")
			for _, in := range l.Inputs {
				in.Stop()
			}
			for _, o := range l.Outputs {
				if o.Q == nil {
					o.Stop()
				}
			}
			if s.GracePeriod > 0 {
				time.AfterFunc(s.GracePeriod, s.gracePeriodExpired)
			} else {
				s.phase2 = true
			}
		}

		if s.phase2 && !s.phase2Done {
			s.phase2Done = true
			for _, o := range l.Outputs {
				if o.Q != nil {
					o.Q.Flush()
					o.Q.Push(nil)
					o.Stop()
				}
			}
		}

		for len(l.Dead) > 0 {
			d := l.Dead[0]
			l.Dead = l.Dead[1:]
			l.Mu.Unlock()
			if d.done != nil {
				<-d.done
			}
			l.Mu.Lock()
		}
	}
	l.Mu.Unlock()

	if eventsRunning {
		l.Events.Stop()
	}

	log.Info("exiting")
	return nil
}

// pendingWork reports (with the lists mutex held) whether a shutdown
// phase still needs to run.
func (s *Supervisor) pendingWork() bool {
	l := s.Lists
	if (s.die || len(l.Outputs) == 0) && !s.phase1Done {
		return true
	}
	if s.phase2 && !s.phase2Done {
		return true
	}
	return false
}
