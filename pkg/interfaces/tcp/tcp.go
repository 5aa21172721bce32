// Package tcp implements TCP client and server interfaces, including
// the persist/reconnect protocol shared by the two members of a
// bidirectional pair.
package tcp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/seamux/seamux/pkg/config"
	"github.com/seamux/seamux/pkg/mux"
	"github.com/seamux/seamux/pkg/names"
)

// Defaults for TCP interfaces, mirroring long-standing practice for
// marine feeds.
const (
	DefQSize     = 128
	DefSendTime  = 30 * time.Second
	DefSndBuf    = 2048
	DefKeepIdle  = 30
	DefKeepIntvl = 10
	DefKeepCnt   = 3
	DefRetry     = 5 * time.Second
	gpsdPort     = "2947"
	gpsdPreamble = `?WATCH={"enable":true,"nmea":true}`
)

var reconnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "seamux_tcp_reconnects_total",
		Help: "Completed persist-mode TCP reconnections.",
	},
	[]string{"interface"},
)

// shared is the reconnect record jointly owned by the reader and
// writer of a persist-mode pair. At most one party repairs the
// connection at a time ("fixing"); the critical counter tells the
// second party in trouble to take over the fixer role rather than
// wait forever.
type shared struct {
	mu sync.Mutex
	fv *sync.Cond

	// Deferred-connect target, cleared once resolved.
	host, port string
	// Resolved dial target for reconnections.
	addr string

	retry     time.Duration
	keepalive bool
	keepidle  int
	keepintvl int
	keepcnt   int
	sndbuf    int
	nodelay   bool
	timeout   time.Duration
	preamble  []byte

	critical int
	fixing   bool
	donewith int
}

// Info is the per-member transport state; the conn is mirrored
// between pair members on reconnect so both use the same socket.
type Info struct {
	conn     net.Conn
	qsize    int
	shared   *shared
	preamble []byte
}

func dup(info any) (any, error) {
	old := info.(*Info)
	n := &Info{conn: old.conn, qsize: old.qsize, shared: old.shared, preamble: old.preamble}
	if n.shared != nil {
		n.shared.donewith = 0
	}
	return n, nil
}

func cleanup(ifa *mux.Iface) {
	info := ifa.Info.(*Info)
	if sh := info.shared; sh != nil {
		// The lists mutex serializes pair cleanup; the first member
		// out just flags the record.
		if sh.donewith == 0 {
			sh.donewith++
			return
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

// connFD extracts the descriptor number, used for sub-connection
// minor ids and raw socket options.
func connFD(c net.Conn) int {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return 0
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0
	}
	fd := 0
	raw.Control(func(h uintptr) { fd = int(h) })
	return fd
}

// establishKeepalive applies the keepalive knobs and send buffer to
// a (re)connected socket.
func establishKeepalive(c net.Conn, sh *shared) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	if sh.keepalive {
		if err := tc.SetKeepAlive(true); err != nil {
			log.Errorf("could not enable keepalives on tcp socket: %s", err)
			return
		}
		raw, err := tc.SyscallConn()
		if err != nil {
			return
		}
		raw.Control(func(h uintptr) {
			fd := int(h)
			if sh.keepidle > 0 {
				if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, sh.keepidle); err != nil {
					log.Errorf("could not set tcp keepidle: %s", err)
				}
			}
			if sh.keepintvl > 0 {
				if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, sh.keepintvl); err != nil {
					log.Errorf("could not set tcp keepintvl: %s", err)
				}
			}
			if sh.keepcnt > 0 {
				if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, sh.keepcnt); err != nil {
					log.Errorf("could not set tcp keepcnt: %s", err)
				}
			}
		})
	}
	if sh.timeout > 0 && sh.sndbuf > 0 {
		if err := tc.SetWriteBuffer(sh.sndbuf); err != nil {
			log.Errorf("could not set tcp send buffer: %s", err)
		}
	}
}

func setNoDelay(c net.Conn, on bool) {
	if tc, ok := c.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(on); err != nil {
			log.Errorf("could not adjust Nagle on tcp connection: %s", err)
		}
	}
}

// sendPreamble writes the verbatim preamble bytes before any
// sentence traffic.
func sendPreamble(c net.Conn, preamble []byte) error {
	for len(preamble) > 0 {
		n, err := c.Write(preamble)
		if err != nil {
			return err
		}
		preamble = preamble[n:]
	}
	return nil
}

// transient classifies connect errors we keep retrying on in persist
// mode.
func transient(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETDOWN) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func needsSleep(err error) bool {
	// A timeout reported by the dialer itself already waited, so the
	// next attempt follows at once; everything else, including a
	// kernel-level ETIMEDOUT, sleeps the retry interval first.
	if errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var ne net.Error
	return !(errors.As(err, &ne) && ne.Timeout())
}

// Init binds a TCP interface in client or server mode.
func Init(ifa *mux.Iface) error {
	info := &Info{qsize: DefQSize}
	ifa.Info = info

	var (
		host, port string
		conntype   = "client"
		retry      = DefRetry
		keepalive  = -1
		keepidle   int
		keepintvl  int
		keepcnt    int
		sndbuf     = DefSndBuf
		nodelay    = true
		timeout    = time.Duration(-1)
		gpsd       bool
		preamble   []byte
	)

	for key, val := range ifa.Options {
		switch key {
		case "address":
			host = val
		case "mode":
			if val != "client" && val != "server" {
				return fmt.Errorf("unknown tcp mode %s (must be 'client' or 'server')", val)
			}
			conntype = val
		case "port":
			if err := config.ValidatePort(val); err != nil {
				return err
			}
			port = val
		case "retry":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid retry value %s", val)
			}
			if !ifa.HasFlag(mux.FlagPersist) {
				return errors.New("retry only valid with persist option")
			}
			retry = time.Duration(n) * time.Second
		case "qsize":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid queue size specified: %s", val)
			}
			info.qsize = n
		case "keepalive":
			if !ifa.HasFlag(mux.FlagPersist) {
				return errors.New("keepalive only valid with persist option")
			}
			switch val {
			case "yes":
				keepalive = 1
			case "no":
				keepalive = 0
			default:
				return errors.New("keepalive must be \"yes\" or \"no\"")
			}
		case "keepidle":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid keepidle value specified: %s", val)
			}
			keepidle = n
		case "keepintvl":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid keepintvl value specified: %s", val)
			}
			keepintvl = n
		case "keepcnt":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid keepcnt value specified: %s", val)
			}
			keepcnt = n
		case "timeout":
			if !ifa.HasFlag(mux.FlagPersist) {
				return errors.New("timeout only valid with persist option")
			}
			if ifa.Direction == mux.In {
				return errors.New("timeout option is for sending tcp data only (not receiving)")
			}
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid timeout value specified: %s", val)
			}
			timeout = time.Duration(n) * time.Second
		case "sndbuf":
			if !ifa.HasFlag(mux.FlagPersist) {
				return errors.New("sndbuf only valid with persist option")
			}
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid sndbuf size value specified: %s", val)
			}
			sndbuf = n
		case "gpsd":
			switch val {
			case "yes":
				gpsd = true
				if port == "" {
					port = gpsdPort
				}
			case "no":
			default:
				return fmt.Errorf("invalid option \"gpsd=%s\"", val)
			}
		case "preamble":
			if preamble != nil {
				return errors.New("can only specify preamble once")
			}
			p, err := ParsePreamble(val)
			if err != nil {
				return fmt.Errorf("could not parse preamble %s: %w", val, err)
			}
			preamble = p
		case "nodelay":
			switch val {
			case "yes":
				nodelay = true
			case "no":
				nodelay = false
			default:
				return fmt.Errorf("invalid option \"nodelay=%s\"", val)
			}
		default:
			return fmt.Errorf("unknown interface option %s", key)
		}
	}

	if ifa.HasFlag(mux.FlagPersist) {
		if keepalive == -1 {
			keepalive = 1
			if keepidle == 0 {
				keepidle = DefKeepIdle
			}
			if keepintvl == 0 {
				keepintvl = DefKeepIntvl
			}
			if keepcnt == 0 {
				keepcnt = DefKeepCnt
			}
		}
		if timeout == -1 {
			timeout = DefSendTime
		}
	}

	if conntype == "client" {
		if host == "" {
			return errors.New("must specify address for tcp client mode")
		}
		if gpsd {
			if preamble != nil {
				return errors.New("can't specify preamble with gpsd mode")
			}
			preamble, _ = ParsePreamble(gpsdPreamble)
		}
	} else {
		if ifa.HasFlag(mux.FlagPersist) {
			return errors.New("persist option not valid for tcp servers")
		}
		if preamble != nil {
			return errors.New("preamble option not valid for servers")
		}
		if gpsd {
			return errors.New("gpsd mode not valid for servers")
		}
	}

	if port == "" {
		port = strconv.Itoa(config.DefaultPort)
	}
	addr := net.JoinHostPort(host, port)

	if conntype == "server" {
		return initServer(ifa, info, addr)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		if !ifa.HasFlag(mux.FlagIPersist) {
			return fmt.Errorf("failed to open tcp connection for %s: %w", addr, err)
		}
		log.Debugf("%s: initial connection to %s failed", ifa.Name, addr)
		conn = nil
	}
	info.conn = conn

	if ifa.HasFlag(mux.FlagPersist) {
		sh := &shared{
			retry:     retry,
			keepalive: keepalive == 1,
			keepidle:  keepidle,
			keepintvl: keepintvl,
			keepcnt:   keepcnt,
			sndbuf:    sndbuf,
			nodelay:   nodelay,
			timeout:   timeout,
			preamble:  preamble,
			donewith:  1,
		}
		sh.fv = sync.NewCond(&sh.mu)
		if conn != nil {
			sh.addr = addr
		} else {
			sh.host, sh.port = host, port
		}
		info.shared = sh
	} else {
		info.preamble = preamble
	}

	if conn != nil {
		if ifa.HasFlag(mux.FlagPersist) {
			establishKeepalive(conn, info.shared)
		}
		if ifa.Direction != mux.In && nodelay {
			setNoDelay(conn, true)
		}
		if preamble != nil {
			if err := sendPreamble(conn, preamble); err != nil {
				return fmt.Errorf("preamble write failed: %w", err)
			}
		}
		ifa.Read = readClient
		ifa.Write = writeTCP
	} else {
		ifa.Read = delayedConnect
		ifa.Write = delayedConnect
	}
	ifa.ReadBuf = readBuf
	ifa.Cleanup = cleanup
	ifa.Dup = dup
	ifa.Interrupt = interrupt

	if ifa.Direction != mux.In {
		ifa.NewQueue(info.qsize)
	}
	if ifa.Direction == mux.Both {
		pair, err := mux.IfDup(ifa)
		if err != nil {
			return err
		}
		ifa.Direction = mux.Out
		pair.Direction = mux.In
	}

	log.Debugf("%s: initialised", ifa.Name)
	return nil
}

// minorID derives a sub-connection id from the parent id and the
// connection's descriptor. The supervisor caps the open-file limit
// so the minor always fits.
func minorID(parent *mux.Iface, c net.Conn) uint32 {
	return parent.ID + uint32(connFD(c)&names.MinorMask)
}
