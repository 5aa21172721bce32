package mux

import (
	"strings"
	"testing"
	"time"

	"github.com/seamux/seamux/pkg/filter"
	"github.com/seamux/seamux/pkg/ioq"
	"github.com/seamux/seamux/pkg/names"
	"github.com/seamux/seamux/pkg/nmea"
	"github.com/seamux/seamux/pkg/version"
)

func blk(s string, src uint32) *nmea.Senblk {
	b := &nmea.Senblk{Src: src}
	b.Set([]byte(s))
	return b
}

// drain collects everything queued until the shutdown token.
func drain(t *testing.T, q *ioq.Queue) []string {
	t.Helper()
	var got []string
	for {
		el := q.Next()
		if el == nil {
			return got
		}
		got = append(got, string(el.Blk.Bytes()))
		q.Free(el)
	}
}

func newEngineFixture(outs ...*Iface) (*Iface, *IOLists) {
	l := NewIOLists()
	engine := &Iface{Name: "engine", Type: TypeGlobal, Lists: l}
	engine.Q = ioq.New("engine", 16, nil)
	engine.done = make(chan struct{})
	l.Engine = engine
	l.Outputs = append(l.Outputs, outs...)
	return engine, l
}

func newOut(id uint32, name string, flags Flags) *Iface {
	o := &Iface{ID: id, Name: name, Direction: Out, Flags: flags}
	o.Q = ioq.New(name, 16, nil)
	return o
}

func TestEngineFanOutExclusion(t *testing.T) {
	srcA := uint32(1) << 16
	outX := newOut(uint32(2)<<16, "x", 0)
	outY := newOut(uint32(3)<<16, "y", 0)
	outA := newOut(srcA, "a", 0)

	engine, _ := newEngineFixture(outX, outY, outA)
	go RunEngine(engine)

	engine.Q.Push(blk("$AAVDM,1,1,,A,x,0*00\r\n", srcA))
	engine.Q.Push(nil)
	<-engine.done

	for _, c := range []struct {
		out  *Iface
		want int
	}{{outX, 1}, {outY, 1}, {outA, 0}} {
		got := drain(t, c.out.Q)
		if len(got) != c.want {
			t.Errorf("%s: expected %d sentences, got %d", c.out.Name, c.want, len(got))
		}
	}
}

func TestEngineLoopback(t *testing.T) {
	src := uint32(1) << 16
	out := newOut(src, "x", FlagLoopback)

	engine, _ := newEngineFixture(out)
	go RunEngine(engine)

	engine.Q.Push(blk("$GPRMC,1*07\r\n", src))
	engine.Q.Push(nil)
	<-engine.done

	if got := drain(t, out.Q); len(got) != 1 {
		t.Errorf("expected loopback delivery, got %d sentences", len(got))
	}
}

func TestEngineVersionQuery(t *testing.T) {
	out := newOut(uint32(2)<<16, "x", 0)
	engine, _ := newEngineFixture(out)
	go RunEngine(engine)

	engine.Q.Push(blk("$PKPXQ,V*30\r\n", uint32(1)<<16))
	engine.Q.Push(nil)
	<-engine.done

	got := drain(t, out.Q)
	if len(got) != 1 {
		t.Fatalf("expected 1 response, got %d", len(got))
	}
	if !strings.HasPrefix(got[0], "$PKPXR,"+version.Version) {
		t.Errorf("unexpected response %q", got[0])
	}
}

func TestEngineInformationalDropped(t *testing.T) {
	out := newOut(uint32(2)<<16, "x", 0)
	engine, _ := newEngineFixture(out)
	go RunEngine(engine)

	engine.Q.Push(blk(nmea.HeartbeatSentence, uint32(1)<<16))
	engine.Q.Push(nil)
	<-engine.done

	if got := drain(t, out.Q); len(got) != 0 {
		t.Errorf("informational sentence must not be forwarded, got %v", got)
	}
}

func TestEngineShutdownPropagates(t *testing.T) {
	out := newOut(uint32(2)<<16, "x", 0)
	engine, _ := newEngineFixture(out)
	go RunEngine(engine)

	engine.Q.Push(nil)
	<-engine.done

	if out.Q.Active() {
		t.Error("shutdown token did not propagate to output queue")
	}
}

func TestEngineFailoverFilter(t *testing.T) {
	gps1 := uint32(1) << 16
	gps2 := uint32(2) << 16
	out := newOut(uint32(3)<<16, "x", 0)

	engine, l := newEngineFixture(out)
	l.Registry = names.NewRegistry()
	l.Registry.Insert("gps1", gps1)
	l.Registry.Insert("gps2", gps2)

	engine.OFilter = &filter.Filter{}
	if err := engine.OFilter.AddFailover("**RMC:0:gps1:2:gps2"); err != nil {
		t.Fatalf("addfailover: %s", err)
	}
	if err := engine.OFilter.Resolve(l.Registry); err != nil {
		t.Fatalf("resolve: %s", err)
	}

	go RunEngine(engine)
	engine.Q.Push(blk("$GPRMC,1*00\r\n", gps1))
	time.Sleep(10 * time.Millisecond)
	engine.Q.Push(blk("$GPRMC,2*00\r\n", gps2))
	engine.Q.Push(nil)
	<-engine.done

	got := drain(t, out.Q)
	if len(got) != 1 || !strings.Contains(got[0], ",1*") {
		t.Errorf("expected only the gps1 sentence, got %v", got)
	}
}
