package serial

import (
	"fmt"
	"os"

	goserial "github.com/daedaluz/goserial"
	log "github.com/sirupsen/logrus"

	"github.com/seamux/seamux/pkg/mux"
)

// InitPTY creates a pseudo-terminal in master mode: the multiplexer
// owns the master side and other programs attach to the slave,
// optionally through a named symlink that is removed at cleanup.
// Slave mode (attaching to an existing pty) takes a device like a
// plain serial line.
func InitPTY(ifa *mux.Iface) error {
	var device, link string
	mode := "master"
	baud := goserial.B4800

	for key, val := range ifa.Options {
		switch key {
		case "filename", "device":
			device = val
		case "link":
			link = val
		case "mode":
			if val != "master" && val != "slave" {
				return fmt.Errorf("pty mode must be \"master\" or \"slave\", not %q", val)
			}
			mode = val
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

	if mode == "slave" {
		if device == "" {
			return fmt.Errorf("must specify a device for slave mode pty interfaces")
		}
		ifa.Options = map[string]string{"filename": device, "baud": baudName(baud)}
		return Init(ifa)
	}

	termios := &goserial.Termios{}
	termios.MakeRaw()
	termios.Cflag |= goserial.CS8 | goserial.CLOCAL | goserial.CREAD
	termios.SetSpeed(baud)
	termios.Cc[goserial.VMIN] = 1
	termios.Cc[goserial.VTIME] = 0

	master, slave, err := goserial.OpenPTY(termios, nil)
	if err != nil {
		return fmt.Errorf("error opening pty: %w", err)
	}

	slaveName := fmt.Sprintf("/proc/self/fd/%d", slave.Fd())
	if name, err := os.Readlink(slaveName); err == nil {
		slaveName = name
	}

	info := &Info{port: master, slave: slave}
	ifa.Info = info

	if link != "" {
		if err := os.Symlink(slaveName, link); err != nil {
			master.Close()
			slave.Close()
			return fmt.Errorf("could not create link %s: %w", link, err)
		}
		info.slaveLnk = link
		log.Infof("%s: slave pty %s linked to %s", ifa.Name, slaveName, link)
	} else {
		log.Infof("%s: slave pty is %s", ifa.Name, slaveName)
	}

	installHooks(ifa)
	return finish(ifa)
}

func baudName(b goserial.CFlag) string {
	for name, flag := range baudRates {
		if flag == b {
			return name
		}
	}
	return "4800"
}
