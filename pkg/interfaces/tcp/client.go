package tcp

import (
	"errors"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/seamux/seamux/pkg/mux"
)

var errConnLost = errors.New("tcp connection lost")

// readClient is the Read hook for connected clients.
func readClient(ifa *mux.Iface) {
	mux.DoRead(ifa)
}

// redial closes the current socket and dials the stored target until
// it succeeds, sleeping the retry interval between attempts and
// giving up only on non-transient errors. The shared mutex is held
// by the caller. On success the socket options, preamble and pair
// mirror are re-established.
func redial(ifa *mux.Iface, sleepFirst bool) error {
	info := ifa.Info.(*Info)
	sh := info.shared

	if sleepFirst {
		time.Sleep(sh.retry)
	}

	for {
		if ifa.Stopped() {
			return errConnLost
		}
		if info.conn != nil {
			info.conn.Close()
		}
		log.Tracef("%s: reconnecting...", ifa.Name)
		conn, err := net.Dial("tcp", sh.addr)
		if err == nil {
			info.conn = conn
			break
		}
		if !transient(err) {
			return err
		}
		if needsSleep(err) {
			time.Sleep(sh.retry)
		}
	}

	log.Debugf("%s: reconnected", ifa.Name)
	reconnects.WithLabelValues(ifa.Name).Inc()

	if sh.nodelay {
		setNoDelay(info.conn, true)
	}
	establishKeepalive(info.conn, sh)
	if p := ifa.Pair; p != nil {
		p.Info.(*Info).conn = info.conn
	}
	if sh.preamble != nil {
		if err := sendPreamble(info.conn, sh.preamble); err != nil {
			log.Errorf("%s: preamble write failed: %s", ifa.Name, err)
		}
	}
	if ifa.Q != nil {
		log.Tracef("%s: flushing queue", ifa.Name)
		ifa.Q.Flush()
	}
	return nil
}

// fix runs the persist-mode repair protocol after a failed read or
// write: if the partner is already fixing, wait for it; if both
// members are now in trouble, take the fixer role. Called with the
// shared mutex held on entry and exit.
func fix(ifa *mux.Iface, sleepFirst bool) {
	info := ifa.Info.(*Info)
	sh := info.shared

	if sh.fixing {
		sh.fv.Signal()
		sh.fv.Wait()
		sh.critical--
		return
	}

	if sh.critical == 2 {
		// Both parties have hit the failure: we become the fixer,
		// shut the socket down so the partner unblocks, and wait for
		// it to reach the rendezvous.
		sh.fixing = true
		if info.conn != nil {
			info.conn.Close()
		}
		sh.fv.Wait()
	}

	if err := redial(ifa, sleepFirst); err != nil {
		if p := ifa.Pair; p != nil {
			p.Info.(*Info).conn = nil
		}
		info.conn = nil
		if !ifa.Stopped() {
			log.Errorf("%s: failed to reconnect tcp connection: %s", ifa.Name, err)
		}
	}
	if sh.fixing {
		sh.fixing = false
		sh.fv.Signal()
	}
	sh.critical--
}

// readBuf reads from the connection. In persist mode a failed read
// triggers the shared reconnect protocol and the read is retried on
// the new socket.
func readBuf(ifa *mux.Iface, buf []byte) (int, error) {
	info := ifa.Info.(*Info)
	persist := ifa.HasFlag(mux.FlagPersist)

	for {
		if persist {
			sh := info.shared
			sh.mu.Lock()
			if info.conn == nil {
				sh.mu.Unlock()
				return 0, errConnLost
			}
			sh.critical++
			sh.mu.Unlock()
		}

		n, err := info.conn.Read(buf)
		if n > 0 {
			if persist {
				sh := info.shared
				sh.mu.Lock()
				sh.critical--
				if sh.fixing {
					sh.fv.Signal()
				}
				sh.mu.Unlock()
			}
			return n, nil
		}

		if err == nil {
			err = errConnLost
		}
		log.Debugf("%s: read failed: %s", ifa.Name, err)
		if !persist || ifa.Stopped() {
			return 0, err
		}

		sh := info.shared
		sh.mu.Lock()
		fix(ifa, true)
		dead := info.conn == nil
		sh.mu.Unlock()
		if dead {
			return 0, errConnLost
		}
	}
}

// writeTCP drains the output queue to the connection. In persist
// mode write failures run the reconnect protocol; a timed-out send
// skips the retry sleep since the timeout itself already waited.
func writeTCP(ifa *mux.Iface) {
	info := ifa.Info.(*Info)
	persist := ifa.HasFlag(mux.FlagPersist)

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

		if persist {
			sh := info.shared
			sh.mu.Lock()
			if info.conn == nil {
				sh.mu.Unlock()
				ifa.Q.Free(el)
				break
			}
			sh.critical++
			sh.mu.Unlock()
		}

		err := writeConn(info, ifa.GetTag(sptr), sptr.Bytes())
		if err == nil {
			mux.CountSent(ifa.Name)
			if persist {
				sh := info.shared
				sh.mu.Lock()
				sh.critical--
				if sh.fixing {
					sh.fv.Signal()
				}
				sh.mu.Unlock()
			}
			ifa.Q.Free(el)
			continue
		}

		log.Debugf("%s id %x: write failed: %s", ifa.Name, ifa.ID, err)
		if !persist {
			ifa.Q.Free(el)
			break
		}

		var ne net.Error
		timedOut := errors.As(err, &ne) && ne.Timeout()
		sh := info.shared
		sh.mu.Lock()
		fix(ifa, !timedOut)
		dead := info.conn == nil
		sh.mu.Unlock()
		ifa.Q.Free(el)
		if dead {
			break
		}
	}
}

// writeConn writes the optional tag block and the sentence, applying
// the configured send deadline in persist mode.
func writeConn(info *Info, tag, payload []byte) error {
	c := info.conn
	if sh := info.shared; sh != nil && sh.timeout > 0 {
		c.SetWriteDeadline(time.Now().Add(sh.timeout))
		defer c.SetWriteDeadline(time.Time{})
	}
	for _, b := range [][]byte{tag, payload} {
		for len(b) > 0 {
			n, err := c.Write(b)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// delayedConnect handles a client whose initial DNS lookup or
// connect failed in persist-from-start mode: it keeps retrying on
// the interface goroutine and transitions to normal reading or
// writing once connected.
func delayedConnect(ifa *mux.Iface) {
	info := ifa.Info.(*Info)
	sh := info.shared

	sh.mu.Lock()
	for sh.host != "" && !ifa.Stopped() {
		addr := net.JoinHostPort(sh.host, sh.port)
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				log.Errorf("%s: lookup failed for %s: %s", ifa.Name, addr, err)
				sh.mu.Unlock()
				return
			}
			log.Tracef("%s: delayed connect failed (sleeping)", ifa.Name)
			time.Sleep(sh.retry)
			continue
		}

		info.conn = conn
		sh.addr = addr
		sh.host, sh.port = "", ""
		if sh.nodelay {
			setNoDelay(conn, true)
		}
		establishKeepalive(conn, sh)
		if p := ifa.Pair; p != nil {
			p.Info.(*Info).conn = conn
		}
		if sh.preamble != nil {
			if err := sendPreamble(conn, sh.preamble); err != nil {
				log.Errorf("%s: preamble write failed: %s", ifa.Name, err)
			}
		}
		log.Debugf("%s: completed delayed connect", ifa.Name)
	}
	sh.mu.Unlock()

	if ifa.Stopped() || info.conn == nil {
		return
	}
	if ifa.Direction == mux.In {
		mux.DoRead(ifa)
	} else {
		writeTCP(ifa)
	}
}
