// Package seatalk implements an experimental input for Raymarine
// SeaTalk buses, translating the parity-marked byte stream into NMEA
// sentences. Output is not supported.
package seatalk

import (
	"errors"
	"fmt"

	goserial "github.com/daedaluz/goserial"
	log "github.com/sirupsen/logrus"

	"github.com/seamux/seamux/pkg/mux"
	"github.com/seamux/seamux/pkg/nmea"
)

const maxMsgLen = 3 + 15

// Info is the SeaTalk transport state.
type Info struct {
	port  *goserial.Port
	saved *goserial.Termios
}

func cleanup(ifa *mux.Iface) {
	info := ifa.Info.(*Info)
	if info.saved != nil && !ifa.Stopped() {
		if err := info.port.SetAttr(goserial.TCSAFLUSH, info.saved); err != nil {
			log.Warnf("failed to restore serial line: %s", err)
		}
	}
	info.port.Close()
}

func interrupt(ifa *mux.Iface) {
	ifa.Info.(*Info).port.Close()
}

// st2nmea translates one SeaTalk datagram into an NMEA sentence.
// Only water depth (0x00) and water temperature (0x23) are handled.
// Returns nil for datagrams with no translation.
func st2nmea(st []byte) []byte {
	var body string

	switch st[0] {
	case 0x00:
		val := int(st[4])<<8 + int(st[3])
		body = fmt.Sprintf("$IIDBT,%.1f,f,%.1f,m,%.1f,F",
			float64(val)/10.0, float64(val)*0.03048, float64(val)/60.0)
	case 0x23:
		if st[2]&0x40 != 0 {
			// Transducer not functional.
			return nil
		}
		body = fmt.Sprintf("$IIMTW,%d,C", int8(st[3]))
	default:
		return nil
	}

	out := nmea.AppendChecksum([]byte(body), []byte(body[1:]))
	return append(out, '\r', '\n')
}

// read decodes the SeaTalk byte stream. With space parity and PARMRK
// set, a command byte (which arrives with a parity error) appears as
// 0xFF 0x00 followed by the byte itself; everything else is data.
func read(ifa *mux.Iface) {
	info := ifa.Info.(*Info)

	buf := make([]byte, mux.BufSize)
	stdata := make([]byte, maxMsgLen)
	var blk nmea.Senblk

	perr := false
	noComm := true
	pos, toRead := 0, 0

	for !ifa.Stopped() {
		n, err := info.port.Read(buf)
		if n <= 0 || err != nil {
			if err != nil && !ifa.Stopped() {
				log.Debugf("%s: read failed: %s", ifa.Name, err)
			}
			break
		}
		for _, b := range buf[:n] {
			if b == 0xff {
				if perr {
					perr = false
					continue
				}
				perr = true
				continue
			}
			if b == 0 && perr {
				// Parity error marker: next byte is a command.
				pos = 0
				noComm = false
				toRead = 3
				perr = false
				continue
			}
			perr = false

			if noComm {
				continue
			}
			stdata[pos] = b
			if toRead--; toRead == 0 {
				if sen := st2nmea(stdata); sen != nil {
					blk.Set(sen)
					blk.Src = ifa.ID
					if ifa.IFilter.Accept(&blk) {
						mux.CountReceived(ifa.Name)
						ifa.Q.Push(&blk)
					}
				}
				noComm = true
				continue
			}
			if pos == 1 {
				// Attribute byte: low nibble is the remaining length.
				toRead = int(b&0xf) + 1
			}
			pos++
		}
	}
}

func write(ifa *mux.Iface) {
	// Writing SeaTalk is not supported.
}

// Init opens a SeaTalk bus: 4800 baud, space parity with PARMRK so
// command bytes are distinguishable from data.
func Init(ifa *mux.Iface) error {
	if ifa.Direction != mux.In {
		return errors.New("only inbound seatalk connections supported at present")
	}

	var device string
	for key, val := range ifa.Options {
		switch key {
		case "filename", "device":
			device = val
		default:
			return fmt.Errorf("unknown interface option %s", key)
		}
	}
	if device == "" {
		return errors.New("must specify a device for seatalk interfaces")
	}

	port, err := goserial.Open(device, nil)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", device, err)
	}

	info := &Info{port: port}
	ifa.Info = info

	saved, err := port.GetAttr()
	if err != nil {
		port.Close()
		return fmt.Errorf("failed to get terminal attributes: %w", err)
	}
	attrs := *saved
	attrs.MakeRaw()
	attrs.Iflag |= goserial.IGNBRK | goserial.INPCK | goserial.PARMRK
	attrs.Cflag &^= goserial.CSTOPB | goserial.CSIZE | goserial.PARODD
	attrs.Cflag |= goserial.CS8 | goserial.CLOCAL | goserial.CREAD | goserial.PARENB | goserial.CMSPAR
	attrs.SetSpeed(goserial.B4800)
	attrs.Cc[goserial.VMIN] = 1
	attrs.Cc[goserial.VTIME] = 0

	if err := port.SetAttr(goserial.TCSANOW, &attrs); err != nil {
		port.Close()
		return fmt.Errorf("failed to set up serial line: %w", err)
	}
	info.saved = saved

	ifa.Read = read
	ifa.Write = write
	ifa.Cleanup = cleanup
	ifa.Interrupt = interrupt
	return nil
}
