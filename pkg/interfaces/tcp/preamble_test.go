package tcp

import (
	"strings"
	"testing"
)

func TestParsePreamble(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain", in: "HELLO", want: "HELLO"},
		{name: "crlf escapes", in: "HELLO\\r\\n", want: "HELLO\r\n"},
		{name: "hex escape", in: "\\x02START\\x03", want: "\x02START\x03"},
		{name: "octal escape", in: "\\101\\102", want: "AB"},
		{name: "short octal", in: "\\7Z", want: "\aZ"},
		{name: "quoted", in: "\\\"x\\\"", want: "\"x\""},
		{name: "backslash", in: "a\\\\b", want: "a\\b"},
		{name: "gpsd watch", in: gpsdPreamble, want: `?WATCH={"enable":true,"nmea":true}`},
		{name: "trailing backslash", in: "oops\\", wantErr: true},
		{name: "bad hex", in: "\\xZZ", wantErr: true},
		{name: "octal overflow", in: "\\777", wantErr: true},
		{name: "too long", in: strings.Repeat("A", MaxPreamble+1), wantErr: true},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			got, err := ParsePreamble(c.in)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if string(got) != c.want {
				t.Errorf("expected %q, got %q", c.want, got)
			}
		})
	}
}
