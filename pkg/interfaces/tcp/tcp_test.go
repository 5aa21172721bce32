package tcp

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/seamux/seamux/pkg/ioq"
	"github.com/seamux/seamux/pkg/mux"
	"github.com/seamux/seamux/pkg/nmea"
)

func push(q interface{ Push(*nmea.Senblk) }, s string) {
	blk := &nmea.Senblk{}
	blk.Set([]byte(s))
	q.Push(blk)
}

func listen(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	return ln, port
}

func TestClientInitAndWrite(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ifa := &mux.Iface{
		Name:      "plotter",
		Type:      mux.TypeTCP,
		Direction: mux.Out,
		Options:   map[string]string{"address": "127.0.0.1", "port": port},
	}
	if err := Init(ifa); err != nil {
		t.Fatalf("init: %s", err)
	}

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("no connection accepted")
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		ifa.Write(ifa)
		close(done)
	}()

	push(ifa.Q, "$GPRMC,1*07\r\n")
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("server read: %s", err)
	}
	if line != "$GPRMC,1*07\r\n" {
		t.Errorf("unexpected line %q", line)
	}

	ifa.Q.Push(nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not exit on queue shutdown")
	}
	ifa.Cleanup(ifa)
}

func TestClientPreambleOnConnect(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()

	got := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		n, _ := c.Read(buf)
		got <- string(buf[:n])
	}()

	ifa := &mux.Iface{
		Name:      "gpsd",
		Type:      mux.TypeTCP,
		Direction: mux.In,
		Options:   map[string]string{"address": "127.0.0.1", "port": port, "gpsd": "yes"},
	}
	// gpsd=yes would default the port; explicit port wins.
	if err := Init(ifa); err != nil {
		t.Fatalf("init: %s", err)
	}
	defer ifa.Cleanup(ifa)

	select {
	case s := <-got:
		if !strings.HasPrefix(s, "?WATCH=") {
			t.Errorf("expected gpsd watch preamble, got %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no preamble received")
	}
}

// TestPersistReconnect restarts the server side and checks the
// persist-mode writer reconnects, re-emits its preamble and resumes
// sending.
func TestPersistReconnect(t *testing.T) {
	ln, port := listen(t)

	ifa := &mux.Iface{
		Name:      "persisted",
		Type:      mux.TypeTCP,
		Direction: mux.Out,
		Flags:     mux.FlagPersist,
		Options: map[string]string{
			"address":  "127.0.0.1",
			"port":     port,
			"retry":    "1",
			"preamble": "HELO\\r\\n",
		},
	}

	first := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			first <- c
		}
	}()

	if err := Init(ifa); err != nil {
		t.Fatalf("init: %s", err)
	}

	conn1 := <-first
	r1 := bufio.NewReader(conn1)
	if line, _ := r1.ReadString('\n'); line != "HELO\r\n" {
		t.Fatalf("expected preamble on first connection, got %q", line)
	}

	done := make(chan struct{})
	go func() {
		ifa.Write(ifa)
		close(done)
	}()

	push(ifa.Q, "$GPRMC,1*07\r\n")
	if line, _ := r1.ReadString('\n'); line != "$GPRMC,1*07\r\n" {
		t.Fatalf("first connection did not receive sentence, got %q", line)
	}

	// Drop the connection and the listener, then bring the listener
	// back on the same port for the reconnect.
	conn1.Close()
	ln.Close()

	ln2, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		t.Fatalf("relisten: %s", err)
	}
	defer ln2.Close()

	second := make(chan net.Conn, 1)
	go func() {
		c, err := ln2.Accept()
		if err == nil {
			second <- c
		}
	}()

	// Keep pushing until the writer notices the dead socket and
	// reconnects.
	go func() {
		for i := 0; i < 50; i++ {
			push(ifa.Q, "$GPGGA,"+strconv.Itoa(i)+"\r\n")
			time.Sleep(100 * time.Millisecond)
		}
	}()

	var conn2 net.Conn
	select {
	case conn2 = <-second:
	case <-time.After(10 * time.Second):
		t.Fatal("client did not reconnect")
	}
	defer conn2.Close()

	r2 := bufio.NewReader(conn2)
	line, err := r2.ReadString('\n')
	if err != nil {
		t.Fatalf("read after reconnect: %s", err)
	}
	if line != "HELO\r\n" {
		t.Fatalf("expected preamble after reconnect, got %q", line)
	}
	if line, err = r2.ReadString('\n'); err != nil || !strings.HasPrefix(line, "$GPGGA,") {
		t.Fatalf("expected sentence after reconnect, got %q (%v)", line, err)
	}

	ifa.Stop()
	ifa.Q.Push(nil)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not exit")
	}
}

func TestServerSpawnsSubInterface(t *testing.T) {
	l := mux.NewIOLists()
	engine := &mux.Iface{Name: "engine"}
	engine.Q = ioq.New("engine", 16, nil)
	engineQ := engine.Q
	l.Engine = engine

	// Find a free port for the server to listen on.
	probe, port := listen(t)
	probe.Close()

	parent := &mux.Iface{
		Name:      "server",
		Type:      mux.TypeTCP,
		Direction: mux.In,
		Lists:     l,
		Options:   map[string]string{"mode": "server", "address": "127.0.0.1", "port": port},
	}
	if err := Init(parent); err != nil {
		t.Fatalf("init: %s", err)
	}

	addr := parent.Info.(*listenerInfo).ln.Addr().String()

	serveDone := make(chan struct{})
	go func() {
		parent.Read(parent)
		close(serveDone)
	}()

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	defer c.Close()

	if _, err := c.Write([]byte("$GPRMC,1*07\r\n")); err != nil {
		t.Fatalf("write: %s", err)
	}

	el := engineQ.Next()
	if el == nil {
		t.Fatal("engine queue shut down unexpectedly")
	}
	if got := string(el.Blk.Bytes()); got != "$GPRMC,1*07\r\n" {
		t.Errorf("unexpected sentence %q", got)
	}
	if el.Blk.Src&0xffff0000 != parent.ID&0xffff0000 {
		t.Errorf("sub-connection id %x does not carry parent major", el.Blk.Src)
	}
	if el.Blk.Src == parent.ID {
		t.Error("sub-connection should carry a non-zero minor id")
	}
	engineQ.Free(el)

	parent.Stop()
	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server loop did not exit")
	}
	parent.Cleanup(parent)
}
