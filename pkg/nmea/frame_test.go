package nmea

import (
	"strings"
	"testing"

	"github.com/go-test/deep"
)

func feed(f *Framer, chunks ...string) []string {
	var got []string
	for _, c := range chunks {
		f.Feed([]byte(c), func(sen []byte) {
			got = append(got, string(sen))
		})
	}
	return got
}

func TestFramer(t *testing.T) {
	cases := []struct {
		name   string
		strict bool
		nocr   bool
		in     []string
		want   []string
	}{
		{
			name:   "strict crlf",
			strict: true,
			in:     []string{"$GPRMC,1*07\r\n"},
			want:   []string{"$GPRMC,1*07\r\n"},
		},
		{
			name:   "strict lone lf dropped",
			strict: true,
			in:     []string{"$GPRMC,1*07\n$GPGGA,2\r\n"},
			want:   []string{"$GPGGA,2\r\n"},
		},
		{
			name: "loose lone lf terminates",
			in:   []string{"$GPRMC,1\n"},
			want: []string{"$GPRMC,1\r\n"},
		},
		{
			name: "loose lone cr terminates",
			in:   []string{"$GPRMC,1\r$GPGGA,2\n"},
			want: []string{"$GPRMC,1\r\n", "$GPGGA,2\r\n"},
		},
		{
			name:   "nocr lf terminates",
			strict: true,
			nocr:   true,
			in:     []string{"$GPRMC,1\n"},
			want:   []string{"$GPRMC,1\r\n"},
		},
		{
			name:   "split across reads",
			strict: true,
			in:     []string{"$GPR", "MC,1", "*07\r", "\n"},
			want:   []string{"$GPRMC,1*07\r\n"},
		},
		{
			name:   "garbage between sentences ignored",
			strict: true,
			in:     []string{"noise\x00$GPRMC,1*07\r\nmore"},
			want:   []string{"$GPRMC,1*07\r\n"},
		},
		{
			name:   "bang delimiter",
			strict: true,
			in:     []string{"!AIVDM,1,1,,A,x,0*00\r\n"},
			want:   []string{"!AIVDM,1,1,,A,x,0*00\r\n"},
		},
		{
			name:   "tag block consumed",
			strict: true,
			in:     []string{"\\s:gps1*00\\$GPRMC,1*07\r\n"},
			want:   []string{"$GPRMC,1*07\r\n"},
		},
		{
			name:   "restart mid sentence",
			strict: true,
			in:     []string{"$GPRMC,junk$GPGGA,2\r\n"},
			want:   []string{"$GPGGA,2\r\n"},
		},
		{
			name:   "overlong dropped",
			strict: true,
			in:     []string{"$" + strings.Repeat("A", 100) + "\r\n$GPGGA,2\r\n"},
			want:   []string{"$GPGGA,2\r\n"},
		},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			f := &Framer{Strict: c.strict, NoCR: c.nocr}
			got := feed(f, c.in...)
			if diff := deep.Equal(got, c.want); diff != nil {
				t.Error(diff)
			}
		})
	}
}

func TestFramerMaxLength(t *testing.T) {
	// An 80-byte sentence (including the delimiter) plus CRLF must
	// still pass in strict mode.
	body := "$" + strings.Repeat("A", SenMax-1)
	f := &Framer{Strict: true}
	got := feed(f, body+"\r\n")
	if len(got) != 1 {
		t.Fatalf("expected 1 sentence, got %d", len(got))
	}
	if got[0] != body+"\r\n" {
		t.Errorf("unexpected sentence %q", got[0])
	}
}
