// Package serial implements serial-line and pseudo-terminal
// interfaces on top of the goserial termios bindings.
package serial

import (
	"errors"
	"fmt"
	"os"

	goserial "github.com/daedaluz/goserial"
	log "github.com/sirupsen/logrus"

	"github.com/seamux/seamux/pkg/mux"
)

// DefQSize is the default output queue capacity for serial lines.
const DefQSize = 16

// Info is the transport state shared (by duplication) between the
// two members of a bidirectional serial pair.
type Info struct {
	port     *goserial.Port
	slave    *goserial.Port
	saved    *goserial.Termios
	slaveLnk string
}

var baudRates = map[string]goserial.CFlag{
	"2400":   goserial.B2400,
	"4800":   goserial.B4800,
	"9600":   goserial.B9600,
	"19200":  goserial.B19200,
	"38400":  goserial.B38400,
	"57600":  goserial.B57600,
	"115200": goserial.B115200,
}

func dup(info any) (any, error) {
	old := info.(*Info)
	return &Info{port: old.port, slave: old.slave, saved: old.saved, slaveLnk: old.slaveLnk}, nil
}

func cleanup(ifa *mux.Iface) {
	info := ifa.Info.(*Info)
	// The surviving member of a pair restores the line and closes
	// the descriptor.
	if ifa.Pair == nil {
		if info.saved != nil && !ifa.Stopped() {
			if err := info.port.SetAttr(goserial.TCSAFLUSH, info.saved); err != nil {
				if ifa.Type != mux.TypePTY {
					log.Warnf("failed to restore serial line: %s", err)
				}
			}
		}
		if info.slaveLnk != "" {
			if err := os.Remove(info.slaveLnk); err != nil {
				log.Errorf("failed to remove link %s: %s", info.slaveLnk, err)
			}
		}
		if info.slave != nil {
			info.slave.Close()
		}
		info.port.Close()
	}
}

func interrupt(ifa *mux.Iface) {
	ifa.Info.(*Info).port.Close()
}

func readBuf(ifa *mux.Iface, buf []byte) (int, error) {
	return ifa.Info.(*Info).port.Read(buf)
}

func read(ifa *mux.Iface) {
	mux.DoRead(ifa)
}

func write(ifa *mux.Iface) {
	info := ifa.Info.(*Info)

	for !ifa.Stopped() {
		el := ifa.Q.Next()
		if el == nil {
			break
		}
		sptr := &el.Blk

		if !ifa.OFilter.Accept(sptr) {
			ifa.Q.Free(el)
			continue
		}

		if err := writeAll(info, ifa.GetTag(sptr), sptr.Bytes()); err != nil {
			if !ifa.Stopped() {
				log.Errorf("%s: write failed: %s", ifa.Name, err)
			}
			ifa.Q.Free(el)
			break
		}
		mux.CountSent(ifa.Name)
		ifa.Q.Free(el)
	}
}

func writeAll(info *Info, tag, payload []byte) error {
	for _, b := range [][]byte{tag, payload} {
		for len(b) > 0 {
			n, err := info.port.Write(b)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// setup puts the line into raw 8N1 at the requested speed, saving
// the previous attributes for restoration at cleanup. With parmrk
// set, parity errors are flagged in the byte stream (SeaTalk).
func setup(port *goserial.Port, baud goserial.CFlag, parmrk bool) (*goserial.Termios, error) {
	saved, err := port.GetAttr()
	if err != nil {
		return nil, fmt.Errorf("failed to get terminal attributes: %w", err)
	}

	attrs := *saved
	attrs.MakeRaw()
	attrs.Iflag |= goserial.IGNBRK | goserial.INPCK
	if parmrk {
		attrs.Iflag |= goserial.PARMRK
		attrs.Cflag |= goserial.PARENB
	} else {
		attrs.Iflag &^= goserial.PARMRK
		attrs.Cflag &^= goserial.PARENB
	}
	attrs.Cflag &^= goserial.CSTOPB | goserial.CSIZE
	attrs.Cflag |= goserial.CS8 | goserial.CLOCAL | goserial.CREAD
	attrs.SetSpeed(baud)
	attrs.Cc[goserial.VMIN] = 1
	attrs.Cc[goserial.VTIME] = 0

	if err := port.SetAttr(goserial.TCSANOW, &attrs); err != nil {
		return nil, fmt.Errorf("failed to set up serial line: %w", err)
	}

	// Read the attributes back to check the hardware accepted them.
	check, err := port.GetAttr()
	if err != nil {
		return nil, fmt.Errorf("failed to re-read serial line attributes: %w", err)
	}
	if check.Cflag != attrs.Cflag || check.Iflag != attrs.Iflag {
		return nil, errors.New("failed to correctly set up serial line")
	}
	return saved, nil
}

func parseBaud(val string) (goserial.CFlag, error) {
	b, ok := baudRates[val]
	if !ok {
		return 0, fmt.Errorf("unsupported baud rate %q", val)
	}
	return b, nil
}

// Init opens and configures a serial device.
func Init(ifa *mux.Iface) error {
	var device string
	baud := goserial.B4800

	for key, val := range ifa.Options {
		switch key {
		case "filename", "device":
			device = val
		case "baud":
			b, err := parseBaud(val)
			if err != nil {
				return err
			}
			baud = b
		default:
			return fmt.Errorf("unknown interface option %s", key)
		}
	}
	if device == "" {
		return errors.New("must specify a device for serial interfaces")
	}

	port, err := goserial.Open(device, nil)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", device, err)
	}

	info := &Info{port: port}
	ifa.Info = info

	if info.saved, err = setup(port, baud, false); err != nil {
		port.Close()
		return err
	}

	installHooks(ifa)
	return finish(ifa)
}

func installHooks(ifa *mux.Iface) {
	ifa.Read = read
	ifa.Write = write
	ifa.ReadBuf = readBuf
	ifa.Cleanup = cleanup
	ifa.Dup = dup
	ifa.Interrupt = interrupt
}

// finish attaches the output queue and splits bidirectional
// interfaces into a pair.
func finish(ifa *mux.Iface) error {
	if ifa.Direction != mux.In {
		q := ifa.QSize
		if q <= 0 {
			q = DefQSize
		}
		ifa.NewQueue(q)
	}
	if ifa.Direction == mux.Both {
		pair, err := mux.IfDup(ifa)
		if err != nil {
			return err
		}
		ifa.Direction = mux.Out
		pair.Direction = mux.In
	}
	return nil
}
