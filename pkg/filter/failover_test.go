package filter

import (
	"testing"
	"time"

	"github.com/seamux/seamux/pkg/names"
)

func TestAddFailover(t *testing.T) {
	cases := []struct {
		name    string
		spec    string
		wantErr bool
	}{
		{name: "two sources", spec: "**RMC:0:gps1:2:gps2"},
		{name: "single source", spec: "GPGGA:1:gps1"},
		{name: "malformed", spec: "**RMC:0", wantErr: true},
		{name: "bad delay", spec: "**RMC:x:gps1", wantErr: true},
		{name: "overlong tag", spec: "TOOLONG:0:gps1", wantErr: true},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			f := &Filter{}
			err := f.AddFailover(c.spec)
			if c.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if f.Kind != TypeFailover {
				t.Error("filter kind not failover")
			}
		})
	}
}

func TestFailoverOrdering(t *testing.T) {
	f := &Filter{}
	if err := f.AddFailover("**RMC:5:slow:0:fast:2:mid"); err != nil {
		t.Fatalf("addfailover: %s", err)
	}
	got := []string{}
	for _, src := range f.Fail[0].Sources {
		got = append(got, src.Name)
	}
	want := []string{"fast", "mid", "slow"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestFailover(t *testing.T) {
	const (
		gps1 = uint32(1) << names.MinorBits
		gps2 = uint32(2) << names.MinorBits
		gps3 = uint32(3) << names.MinorBits
	)
	reg := names.NewRegistry()
	reg.Insert("gps1", gps1)
	reg.Insert("gps2", gps2)

	newFilter := func(t *testing.T, spec string) *Filter {
		t.Helper()
		f := &Filter{}
		if err := f.AddFailover(spec); err != nil {
			t.Fatalf("addfailover: %s", err)
		}
		if err := f.Resolve(reg); err != nil {
			t.Fatalf("resolve: %s", err)
		}
		return f
	}

	t.Run("primary always passes", func(t *testing.T) {
		f := newFilter(t, "**RMC:0:gps1:1:gps2")
		if !f.Active(blk("$GPRMC,1\r\n", gps1)) {
			t.Error("primary source must pass")
		}
	})

	t.Run("unmatched tag passes", func(t *testing.T) {
		f := newFilter(t, "**RMC:0:gps1:1:gps2")
		if !f.Active(blk("$GPGGA,1\r\n", gps2)) {
			t.Error("unmatched tag must pass")
		}
	})

	t.Run("unlisted source dropped", func(t *testing.T) {
		f := newFilter(t, "**RMC:0:gps1:1:gps2")
		if f.Active(blk("$GPRMC,1\r\n", gps3)) {
			t.Error("source not in the rule must be dropped")
		}
	})

	t.Run("secondary suppressed then takes over", func(t *testing.T) {
		f := newFilter(t, "**RMC:0:gps1:1:gps2")

		// gps1 speaks: it has priority.
		if !f.Active(blk("$GPRMC,1\r\n", gps1)) {
			t.Fatal("gps1 must pass")
		}
		// gps2 is suppressed while gps1 is fresh.
		if f.Active(blk("$GPRMC,2\r\n", gps2)) {
			t.Fatal("gps2 must be suppressed while gps1 is active")
		}

		// After gps1 goes quiet for longer than gps2's failover
		// delay, gps2 takes over.
		time.Sleep(1100 * time.Millisecond)
		if !f.Active(blk("$GPRMC,3\r\n", gps2)) {
			t.Fatal("gps2 must pass after gps1 goes quiet")
		}

		// gps1 comes back: gps2 is suppressed again.
		if !f.Active(blk("$GPRMC,4\r\n", gps1)) {
			t.Fatal("gps1 must pass on resumption")
		}
		if f.Active(blk("$GPRMC,5\r\n", gps2)) {
			t.Error("gps2 must be suppressed once gps1 resumes")
		}
	})
}
