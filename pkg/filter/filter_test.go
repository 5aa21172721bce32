package filter

import (
	"testing"
	"time"

	"github.com/seamux/seamux/pkg/names"
	"github.com/seamux/seamux/pkg/nmea"
)

func blk(s string, src uint32) *nmea.Senblk {
	b := &nmea.Senblk{Src: src}
	b.Set([]byte(s))
	return b
}

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		spec    string
		wantErr bool
		rules   int
	}{
		{name: "accept deny chain", spec: "+GPRMC:-all", rules: 2},
		{name: "wildcards", spec: "+**RMC", rules: 1},
		{name: "short tag padded", spec: "-GP", rules: 1},
		{name: "with source", spec: "+GPRMC%gps1:-all", rules: 2},
		{name: "rate limit", spec: "+GPGGA~5", rules: 1},
		{name: "missing sign", spec: "GPRMC", wantErr: true},
		{name: "overlong tag", spec: "+TOOLONG", wantErr: true},
		{name: "empty rule", spec: "+GPRMC:", wantErr: true},
		{name: "limit on deny", spec: "-GPGGA~5", wantErr: true},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			f, err := Parse(c.spec)
			if c.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if len(f.Rules) != c.rules {
				t.Errorf("expected %d rules, got %d", c.rules, len(f.Rules))
			}
		})
	}
}

func TestAccept(t *testing.T) {
	const (
		gps1 = uint32(1) << names.MinorBits
		gps2 = uint32(2) << names.MinorBits
	)

	reg := names.NewRegistry()
	reg.Insert("gps1", gps1)
	reg.Insert("gps2", gps2)

	cases := []struct {
		name string
		spec string
		sen  string
		src  uint32
		want bool
	}{
		{name: "first match accepts", spec: "+GPRMC:-all", sen: "$GPRMC,1\r\n", want: true},
		{name: "deny all tail", spec: "+GPRMC:-all", sen: "$GPGGA,1\r\n", want: false},
		{name: "wildcard tag", spec: "-**RMC", sen: "$HCRMC,1\r\n", want: false},
		{name: "no match passes", spec: "-GPGGA", sen: "$GPRMC,1\r\n", want: true},
		{name: "source specific deny", spec: "-GPRMC%gps1", sen: "$GPRMC,1\r\n", src: gps1, want: false},
		{name: "other source passes", spec: "-GPRMC%gps1", sen: "$GPRMC,1\r\n", src: gps2, want: true},
		{name: "minor bits ignored", spec: "-GPRMC%gps1", sen: "$GPRMC,1\r\n", src: gps1 | 42, want: false},
		{name: "short sentence no match", spec: "-GP", sen: "$GP\r\n", want: true},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			f, err := Parse(c.spec)
			if err != nil {
				t.Fatalf("parse: %s", err)
			}
			if err := f.Resolve(reg); err != nil {
				t.Fatalf("resolve: %s", err)
			}
			if got := f.Accept(blk(c.sen, c.src)); got != c.want {
				t.Errorf("expected %v, got %v", c.want, got)
			}
		})
	}
}

func TestAcceptEmptySentence(t *testing.T) {
	f, _ := Parse("+all")
	if f.Accept(blk("\r\n", 0)) {
		t.Error("empty sentence must be dropped")
	}
}

func TestAcceptNilFilter(t *testing.T) {
	var f *Filter
	if !f.Accept(blk("$GPRMC,1\r\n", 0)) {
		t.Error("nil filter must pass everything")
	}
}

func TestLimit(t *testing.T) {
	f, err := Parse("+GPGGA~1")
	if err != nil {
		t.Fatalf("parse: %s", err)
	}

	if !f.Accept(blk("$GPGGA,1\r\n", 0)) {
		t.Fatal("first sentence must pass")
	}
	if f.Accept(blk("$GPGGA,2\r\n", 0)) {
		t.Fatal("second sentence within the interval must be dropped")
	}
	time.Sleep(1100 * time.Millisecond)
	if !f.Accept(blk("$GPGGA,3\r\n", 0)) {
		t.Error("sentence after the interval must pass")
	}
}

func TestResolveUnknownSource(t *testing.T) {
	f, err := Parse("+GPRMC%nosuch")
	if err != nil {
		t.Fatalf("parse: %s", err)
	}
	if err := f.Resolve(names.NewRegistry()); err == nil {
		t.Error("expected error for unknown source")
	}
}
