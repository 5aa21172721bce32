package mux

import (
	"fmt"
	"strings"
	"time"

	"github.com/seamux/seamux/pkg/config"
	"github.com/seamux/seamux/pkg/filter"
	"github.com/seamux/seamux/pkg/ioq"
	"github.com/seamux/seamux/pkg/nmea"
)

var typeFromString = map[string]IfType{
	"file":      TypeFile,
	"serial":    TypeSerial,
	"pty":       TypePTY,
	"tcp":       TypeTCP,
	"udp":       TypeUDP,
	"broadcast": TypeBroadcast,
	"multicast": TypeMulticast,
	"gofree":    TypeGoFree,
	"seatalk":   TypeSeaTalk,
}

func parseChecksum(val string) (nmea.ChecksumPolicy, error) {
	switch strings.ToLower(val) {
	case "":
		return nmea.ChecksumUndef, nil
	case "no":
		return nmea.ChecksumNone, nil
	case "yes", "strict":
		return nmea.ChecksumStrict, nil
	case "loose":
		return nmea.ChecksumLoose, nil
	case "add":
		return nmea.ChecksumAdd, nil
	case "addonly":
		return nmea.ChecksumAddOnly, nil
	}
	return 0, fmt.Errorf("checksum option must be one of: 'yes', 'no', 'strict', 'loose', 'add', 'addonly'")
}

// FromSpec converts a parsed configuration entry into an interface
// record ready for transport initialization.
func FromSpec(spec *config.Interface) (*Iface, error) {
	typ, ok := typeFromString[strings.ToLower(spec.Type)]
	if !ok {
		return nil, fmt.Errorf("unrecognised interface type %q", spec.Type)
	}

	ifa := &Iface{
		Type:    typ,
		Name:    strings.ToLower(spec.Name),
		Strict:  StrictUnset,
		QSize:   spec.QSize,
		Options: spec.Options,
	}
	if ifa.Options == nil {
		ifa.Options = make(map[string]string)
	}

	switch strings.ToLower(spec.Direction) {
	case "", "both":
		ifa.Direction = Both
	case "in":
		ifa.Direction = In
	case "out":
		ifa.Direction = Out
	default:
		return nil, fmt.Errorf("bad direction %q", spec.Direction)
	}

	var err error
	if ifa.Checksum, err = parseChecksum(spec.Checksum); err != nil {
		return nil, err
	}
	if spec.Strict != nil {
		if *spec.Strict {
			ifa.Strict = StrictFramed
		} else {
			ifa.Strict = StrictLoose
		}
	}

	switch strings.ToLower(spec.Persist) {
	case "yes":
		ifa.Flags |= FlagPersist
	case "fromstart":
		ifa.Flags |= FlagPersist | FlagIPersist
	}
	if spec.Optional {
		ifa.Flags |= FlagOptional
	}
	if spec.Loopback {
		ifa.Flags |= FlagLoopback
	}
	if spec.NoCR {
		ifa.Flags |= FlagNoCR
	}

	switch strings.ToLower(spec.Timestamp) {
	case "":
	case "s":
		ifa.TagFlags |= nmea.TagTS
	case "ms":
		ifa.TagFlags |= nmea.TagTS | nmea.TagMS
	default:
		return nil, fmt.Errorf("timestamp must be \"s\" or \"ms\", not %q", spec.Timestamp)
	}
	switch strings.ToLower(spec.SrcTag) {
	case "", "no":
	case "yes":
		ifa.TagFlags |= nmea.TagSrc
	case "input":
		ifa.TagFlags |= nmea.TagSrc | nmea.TagISrc
	default:
		return nil, fmt.Errorf("srctag must be \"yes\", \"no\" or \"input\", not %q", spec.SrcTag)
	}

	if spec.Heartbeat > 0 {
		ifa.Heartbeat = time.Duration(spec.Heartbeat) * time.Second
	}

	if spec.IFilter != "" {
		if ifa.IFilter, err = filter.Parse(spec.IFilter); err != nil {
			return nil, err
		}
	}
	if spec.OFilter != "" {
		if ifa.OFilter, err = filter.Parse(spec.OFilter); err != nil {
			return nil, err
		}
	}

	return ifa, nil
}

// Configure applies a full configuration to the supervisor: engine
// settings, engine-side failover rules and the interface list.
func (s *Supervisor) Configure(cfg *config.Config) error {
	g := cfg.Global

	engine := &Iface{
		Name:   "engine",
		Type:   TypeGlobal,
		Strict: StrictUnset,
	}
	var err error
	if engine.Checksum, err = parseChecksum(g.Checksum); err != nil {
		return err
	}
	if engine.Checksum == nmea.ChecksumUndef {
		engine.Checksum = nmea.ChecksumNone
	}
	if g.Strict != nil {
		if *g.Strict {
			engine.Strict = StrictFramed
		} else {
			engine.Strict = StrictLoose
		}
	}

	qsize := g.QSize
	if qsize <= 0 {
		qsize = DefQSize
	}
	drops := QueueDrops(engine.Name)
	engine.Q = ioq.New(engine.Name, qsize, func() { drops.Inc() })

	if len(g.Failover) > 0 {
		engine.OFilter = &filter.Filter{}
		for _, spec := range g.Failover {
			if err := engine.OFilter.AddFailover(spec); err != nil {
				return err
			}
		}
	}

	if g.GracePeriod != nil {
		s.GracePeriod = time.Duration(*g.GracePeriod) * time.Second
	}

	engine.Lists = s.Lists
	s.Lists.Engine = engine

	for i := range cfg.Interfaces {
		ifa, err := FromSpec(&cfg.Interfaces[i])
		if err != nil {
			return err
		}
		s.Add(ifa)
	}
	return nil
}
