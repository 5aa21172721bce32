// Package discovery implements a service-discovery input: it joins
// the announcement multicast group used by GoFree-style chart
// plotters and maintains a TCP connection to whichever peer is
// currently announcing an nmea-0183 service.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/seamux/seamux/pkg/interfaces/tcp"
	"github.com/seamux/seamux/pkg/mux"
)

// Well-known announcement group and port.
const (
	DefGroup = "239.2.1.1"
	DefPort  = 2052

	// serviceName is the announced service we dial.
	serviceName = "nmea-0183"

	// replaceAfter is the hysteresis before a changed endpoint
	// replaces the current connection.
	replaceAfter = 2 * time.Second
)

const recvBufSize = 2048

// Info is the discovery transport state.
type Info struct {
	conn  *net.UDPConn
	group *net.UDPAddr
	ifi   *net.Interface
}

// announcement is the subset of the JSON datagram we consume.
type announcement struct {
	IP       string `json:"IP"`
	Services []struct {
		Service string `json:"Service"`
		Port    int    `json:"Port"`
	} `json:"Services"`
}

// endpoint extracts the nmea-0183 service address from an
// announcement datagram.
func endpoint(data []byte) (*net.TCPAddr, error) {
	var ann announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		return nil, err
	}
	ip := net.ParseIP(ann.IP)
	if ip == nil {
		return nil, fmt.Errorf("bad IP %q in announcement", ann.IP)
	}
	for _, svc := range ann.Services {
		if svc.Service != serviceName {
			continue
		}
		if svc.Port == 0 {
			return nil, errors.New("announcement carries no usable port")
		}
		return &net.TCPAddr{IP: ip, Port: svc.Port}, nil
	}
	return nil, fmt.Errorf("no %s service announced", serviceName)
}

func cleanup(ifa *mux.Iface) {
	info := ifa.Info.(*Info)
	if info.conn != nil {
		// The group leave only makes sense while the socket is open;
		// Stop closes it first on interrupt.
		if !ifa.Stopped() {
			if err := ipv4.NewPacketConn(info.conn).LeaveGroup(info.ifi, &net.UDPAddr{IP: info.group.IP}); err != nil {
				log.Errorf("leaving announcement group failed: %s", err)
			}
		}
		info.conn.Close()
	}
}

func interrupt(ifa *mux.Iface) {
	info := ifa.Info.(*Info)
	if info.conn != nil {
		info.conn.Close()
	}
}

// read listens for announcements, dialing and replacing the TCP
// child connection as the announced endpoint appears and moves. A
// changed endpoint only displaces the current one after a short
// hysteresis so transient double announcements don't flap the
// connection.
func read(ifa *mux.Iface) {
	info := ifa.Info.(*Info)
	buf := make([]byte, recvBufSize)

	var (
		child    *mux.Iface
		curr     *net.TCPAddr
		currSeen time.Time
	)

	for !ifa.Stopped() {
		n, _, err := info.conn.ReadFromUDP(buf)
		if err != nil {
			if !ifa.Stopped() {
				log.Errorf("%s: receive failed: %s", ifa.Name, err)
			}
			break
		}

		addr, err := endpoint(buf[:n])
		if err != nil {
			log.Tracef("%s: ignoring announcement: %s", ifa.Name, err)
			continue
		}
		seen := time.Now()

		if child != nil {
			replace := false
			if !addr.IP.Equal(curr.IP) || addr.Port != curr.Port {
				replace = seen.Sub(currSeen) > replaceAfter
			}
			if !replace {
				select {
				case <-child.Done():
					// Connection died; fall through and re-dial.
				default:
					continue
				}
			} else {
				child.Stop()
				<-child.Done()
			}
			child = nil
		}

		child = dial(ifa, addr)
		curr, currSeen = addr, seen
	}

	if child != nil {
		child.Stop()
		<-child.Done()
	}
}

// dial opens a TCP input sub-interface to an announced peer.
func dial(ifa *mux.Iface, addr *net.TCPAddr) *mux.Iface {
	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		log.Warnf("%s: could not connect to %s: %s", ifa.Name, addr, err)
		return nil
	}
	child, err := tcp.NewConn(c, ifa, mux.In)
	if err != nil {
		log.Warnf("%s: %s", ifa.Name, err)
		c.Close()
		return nil
	}
	log.Debugf("%s: connected to peer at %s", ifa.Name, addr)
	return child
}

func write(ifa *mux.Iface) {
	// Discovery interfaces are input only.
}

// Init joins the announcement group.
func Init(ifa *mux.Iface) error {
	if ifa.Direction != mux.In {
		return errors.New("discovery interfaces must be \"in\" only")
	}

	group := DefGroup
	port := DefPort
	var device string

	for key, val := range ifa.Options {
		switch key {
		case "device":
			device = val
		case "address", "group":
			group = val
		case "port":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 || n > 65535 {
				return fmt.Errorf("port %q out of range", val)
			}
			port = n
		default:
			return fmt.Errorf("unknown interface option %s", key)
		}
	}

	ip := net.ParseIP(group)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("%s is not an IPv4 multicast group", group)
	}

	info := &Info{group: &net.UDPAddr{IP: ip, Port: port}}
	ifa.Info = info

	if device != "" {
		ifi, err := net.InterfaceByName(device)
		if err != nil {
			return fmt.Errorf("no interface %s found: %w", device, err)
		}
		info.ifi = ifi
	}

	lc := net.ListenConfig{Control: reuse}
	pc, err := lc.ListenPacket(context.Background(), "udp4", info.group.String())
	if err != nil {
		return fmt.Errorf("could not bind announcement socket: %w", err)
	}
	info.conn = pc.(*net.UDPConn)

	if err := ipv4.NewPacketConn(info.conn).JoinGroup(info.ifi, &net.UDPAddr{IP: ip}); err != nil {
		info.conn.Close()
		return fmt.Errorf("failed to join announcement group %s: %w", group, err)
	}

	ifa.Read = read
	ifa.Write = write
	ifa.Cleanup = cleanup
	ifa.Interrupt = interrupt
	return nil
}
