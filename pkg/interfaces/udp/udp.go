// Package udp implements UDP interfaces: unicast, broadcast and
// multicast, with optional coalescing of multi-part AIS groups into
// single datagrams on output.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/seamux/seamux/pkg/config"
	"github.com/seamux/seamux/pkg/mux"
)

// DefQSize is the default output queue capacity for UDP interfaces.
const DefQSize = 16

type udpMode int

const (
	modeUnspec udpMode = iota
	modeUnicast
	modeBroadcast
	modeMulticast
)

// Info is the per-member UDP transport state. Bidirectional
// interfaces use separate sockets for the two members since one
// socket cannot usually be bound for receive and connected for send
// at once.
type Info struct {
	conn     *net.UDPConn
	mode     udpMode
	group    *net.UDPAddr
	ifi      *net.Interface
	ignore   *net.UDPAddr
	coalesce *coalescer
	qsize    int
}

func dup(info any) (any, error) {
	old := info.(*Info)
	// The receive socket is created by init after the split; only
	// shared addressing state carries over. Outbound members keep
	// the coalesce buffer, inbound ones the ignore address.
	return &Info{mode: old.mode, group: old.group, ifi: old.ifi, qsize: old.qsize}, nil
}

func cleanup(ifa *mux.Iface) {
	info := ifa.Info.(*Info)
	// Skip the group leave when Stop already closed the socket.
	if info.mode == modeMulticast && ifa.Direction == mux.In && info.group != nil && !ifa.Stopped() {
		if info.conn != nil {
			pc := ipv4.NewPacketConn(info.conn)
			if info.group.IP.To4() == nil {
				pc6 := ipv6.NewPacketConn(info.conn)
				if err := pc6.LeaveGroup(info.ifi, &net.UDPAddr{IP: info.group.IP}); err != nil {
					log.Errorf("leaving multicast group failed: %s", err)
				}
			} else if err := pc.LeaveGroup(info.ifi, &net.UDPAddr{IP: info.group.IP}); err != nil {
				log.Errorf("leaving multicast group failed: %s", err)
			}
		}
	}
	if info.conn != nil {
		info.conn.Close()
	}
}

func interrupt(ifa *mux.Iface) {
	info := ifa.Info.(*Info)
	if info.conn != nil {
		info.conn.Close()
	}
}

// readBuf receives one datagram. On broadcast interfaces datagrams
// from our own send socket are suppressed so bidirectional broadcast
// doesn't loop.
func readBuf(ifa *mux.Iface, buf []byte) (int, error) {
	info := ifa.Info.(*Info)
	for {
		n, src, err := info.conn.ReadFromUDP(buf)
		if err != nil {
			return 0, err
		}
		if ig := info.ignore; ig != nil && src != nil &&
			src.Port == ig.Port && src.IP.Equal(ig.IP) {
			continue
		}
		return n, nil
	}
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

		tag := ifa.GetTag(sptr)

		if info.coalesce != nil {
			handled, err := info.coalesce.add(info.conn, tag, sptr.Bytes())
			if err != nil {
				if !ifa.Stopped() {
					log.Errorf("%s: write failed: %s", ifa.Name, err)
				}
				ifa.Q.Free(el)
				break
			}
			if handled {
				mux.CountSent(ifa.Name)
				ifa.Q.Free(el)
				continue
			}
		}

		if err := sendDatagram(info.conn, tag, sptr.Bytes()); err != nil {
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

// sendDatagram emits the tag block and sentence as one datagram.
func sendDatagram(conn *net.UDPConn, tag, payload []byte) error {
	var err error
	if len(tag) > 0 {
		buf := make([]byte, 0, len(tag)+len(payload))
		buf = append(buf, tag...)
		buf = append(buf, payload...)
		_, err = conn.Write(buf)
	} else {
		_, err = conn.Write(payload)
	}
	return err
}

func parseMode(val string) (udpMode, error) {
	switch val {
	case "unicast":
		return modeUnicast, nil
	case "broadcast":
		return modeBroadcast, nil
	case "multicast":
		return modeMulticast, nil
	}
	return modeUnspec, fmt.Errorf("invalid UDP mode %q", val)
}

// reuseControl sets the address-reuse socket options (and best-effort
// device binding) on a listening socket before bind.
func reuseControl(device string, reusePort bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		c.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				serr = err
				return
			}
			if reusePort {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					serr = err
					return
				}
			}
			if device != "" {
				// Binding to the device needs privilege; failure is
				// not fatal.
				if err := unix.BindToDevice(int(fd), device); err != nil {
					log.Debugf("BINDTODEVICE failed on device %s: %s", device, err)
				}
			}
		})
		return serr
	}
}

// broadcastControl enables SO_BROADCAST on an outbound socket.
func broadcastControl(device string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		c.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
				serr = err
				return
			}
			if device != "" {
				if err := unix.BindToDevice(int(fd), device); err != nil {
					log.Debugf("BINDTODEVICE failed on device %s: %s", device, err)
				}
			}
		})
		return serr
	}
}

// Init binds a UDP interface. The mode is taken from the type option
// or inferred from the address: multicast ranges select multicast,
// the all-ones address selects broadcast, anything else unicast.
func Init(ifa *mux.Iface) error {
	info := &Info{qsize: DefQSize}
	ifa.Info = info

	var (
		address  string
		service  string
		device   string
		coalesce bool
	)

	for key, val := range ifa.Options {
		switch key {
		case "device":
			device = val
		case "address", "group":
			address = val
		case "port":
			if err := config.ValidatePort(val); err != nil {
				return err
			}
			service = val
		case "coalesce":
			switch val {
			case "ais", "yes":
				coalesce = true
			case "no":
			default:
				return fmt.Errorf("unrecognized value for coalesce: %s", val)
			}
		case "qsize":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid queue size specified: %s", val)
			}
			info.qsize = n
		case "type":
			m, err := parseMode(val)
			if err != nil {
				return err
			}
			info.mode = m
		default:
			return fmt.Errorf("unknown interface option %s", key)
		}
	}

	// Defaults forced by the transport variant the config named.
	switch ifa.Type {
	case mux.TypeBroadcast:
		if info.mode == modeUnspec {
			info.mode = modeBroadcast
		}
	case mux.TypeMulticast:
		if info.mode == modeUnspec {
			info.mode = modeMulticast
		}
	}

	if service == "" {
		service = strconv.Itoa(config.DefaultPort)
	}
	port, _ := strconv.Atoi(service)

	if device != "" {
		ifi, err := net.InterfaceByName(device)
		if err != nil {
			return fmt.Errorf("no interface %s found: %w", device, err)
		}
		info.ifi = ifi
	}

	var ip net.IP
	if address != "" {
		ips, err := net.LookupIP(address)
		if err != nil || len(ips) == 0 {
			return fmt.Errorf("lookup failed for address %s: %w", address, err)
		}
		ip = ips[0]
		if info.mode == modeUnspec {
			switch {
			case ip.IsMulticast():
				info.mode = modeMulticast
			case ip.Equal(net.IPv4bcast):
				info.mode = modeBroadcast
			default:
				info.mode = modeUnicast
			}
		}
		if info.mode == modeMulticast && !ip.IsMulticast() {
			return fmt.Errorf("%s is not a multicast address", address)
		}
	} else {
		switch {
		case info.mode == modeMulticast:
			return errors.New("must specify an address for multicast interfaces")
		case info.mode == modeBroadcast && ifa.Direction != mux.In:
			ip = net.IPv4bcast
		case ifa.Direction == mux.In:
			// Listen on the wildcard address.
		default:
			return errors.New("no address specified")
		}
	}
	if info.mode == modeUnspec {
		info.mode = modeUnicast
	}

	target := &net.UDPAddr{IP: ip, Port: port}
	if info.mode == modeMulticast {
		info.group = target
	}

	if ifa.Direction != mux.In {
		if err := initOutput(ifa, info, target, device, coalesce); err != nil {
			return err
		}
	}

	ifa.Read = read
	ifa.Write = write
	ifa.ReadBuf = readBuf
	ifa.Cleanup = cleanup
	ifa.Dup = dup
	ifa.Interrupt = interrupt

	inInfo := info
	if ifa.Direction == mux.Both {
		pair, err := mux.IfDup(ifa)
		if err != nil {
			return err
		}
		ifa.Direction = mux.Out
		pair.Direction = mux.In
		inInfo = pair.Info.(*Info)
		if info.mode == modeBroadcast {
			// Suppress our own datagrams on the read side.
			if la, ok := info.conn.LocalAddr().(*net.UDPAddr); ok {
				inInfo.ignore = la
			}
		}
	}

	if ifa.Direction == mux.In || ifa.Pair != nil {
		if err := initInput(ifa, inInfo, target, device, port); err != nil {
			return err
		}
	}
	return nil
}

func initOutput(ifa *mux.Iface, info *Info, target *net.UDPAddr, device string, coalesce bool) error {
	if target.IP == nil {
		return errors.New("no address specified")
	}

	var control func(string, string, syscall.RawConn) error
	if info.mode == modeBroadcast {
		control = broadcastControl(device)
	} else if device != "" {
		control = reuseControl(device, false)
	}

	d := net.Dialer{Control: control}
	c, err := d.Dial("udp", target.String())
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	info.conn = c.(*net.UDPConn)

	if info.mode == modeMulticast {
		if target.IP.To4() != nil {
			pc := ipv4.NewPacketConn(info.conn)
			if info.ifi != nil {
				if err := pc.SetMulticastInterface(info.ifi); err != nil {
					return fmt.Errorf("failed to set multicast interface: %w", err)
				}
			}
			if ifa.Direction == mux.Both {
				if err := pc.SetMulticastLoopback(false); err != nil {
					return fmt.Errorf("failed to disable multicast loopback: %w", err)
				}
			}
		} else {
			pc := ipv6.NewPacketConn(info.conn)
			if info.ifi != nil {
				if err := pc.SetMulticastInterface(info.ifi); err != nil {
					return fmt.Errorf("failed to set multicast interface: %w", err)
				}
			}
			if ifa.Direction == mux.Both {
				if err := pc.SetMulticastLoopback(false); err != nil {
					return fmt.Errorf("failed to disable multicast loopback: %w", err)
				}
			}
		}
	}

	q := ifa.QSize
	if q <= 0 {
		q = info.qsize
	}
	ifa.NewQueue(q)

	if coalesce {
		info.coalesce = &coalescer{}
	}

	log.Debugf("%s: output address %s", ifa.Name, target)
	return nil
}

func initInput(ifa *mux.Iface, info *Info, target *net.UDPAddr, device string, port int) error {
	laddr := &net.UDPAddr{Port: port}
	reusePort := info.mode != modeUnicast

	switch info.mode {
	case modeMulticast:
		// Bind the group address so unrelated traffic to the port is
		// not delivered.
		laddr.IP = target.IP
	case modeUnicast:
		if ifa.Direction == mux.In && target.IP != nil {
			laddr.IP = target.IP
		}
	}

	lc := net.ListenConfig{Control: reuseControl(device, reusePort)}
	pc, err := lc.ListenPacket(context.Background(), "udp", laddr.String())
	if err != nil {
		return fmt.Errorf("bind failed for udp interface %s: %w", ifa.Name, err)
	}
	info.conn = pc.(*net.UDPConn)

	if info.mode == modeMulticast {
		group := &net.UDPAddr{IP: target.IP}
		if target.IP.To4() != nil {
			if err := ipv4.NewPacketConn(info.conn).JoinGroup(info.ifi, group); err != nil {
				return fmt.Errorf("failed to join multicast group %s: %w", target.IP, err)
			}
		} else {
			if err := ipv6.NewPacketConn(info.conn).JoinGroup(info.ifi, group); err != nil {
				return fmt.Errorf("failed to join multicast group %s: %w", target.IP, err)
			}
		}
	}

	log.Debugf("udp interface %s listening on %s", ifa.Name, laddr)
	return nil
}
