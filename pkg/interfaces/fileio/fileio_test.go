package fileio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/seamux/seamux/pkg/mux"
	"github.com/seamux/seamux/pkg/nmea"
)

func push(ifa *mux.Iface, s string) {
	blk := &nmea.Senblk{}
	blk.Set([]byte(s))
	ifa.Q.Push(blk)
}

func TestWriteFile(t *testing.T) {
	cases := []struct {
		name string
		nocr bool
		in   []string
		want string
	}{
		{
			name: "plain",
			in:   []string{"$GPRMC,1*07\r\n", "$GPGGA,2\r\n"},
			want: "$GPRMC,1*07\r\n$GPGGA,2\r\n",
		},
		{
			name: "nocr strips carriage returns",
			nocr: true,
			in:   []string{"$GPRMC,1*07\r\n"},
			want: "$GPRMC,1*07\n",
		},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.nmea")
			ifa := &mux.Iface{
				Name:      "dst",
				Type:      mux.TypeFile,
				Direction: mux.Out,
				Options:   map[string]string{"filename": path},
			}
			if c.nocr {
				ifa.Flags |= mux.FlagNoCR
			}
			if err := Init(ifa); err != nil {
				t.Fatalf("init: %s", err)
			}

			for _, s := range c.in {
				push(ifa, s)
			}
			ifa.Q.Push(nil)
			ifa.Write(ifa)
			ifa.Cleanup(ifa)

			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("readback: %s", err)
			}
			if string(got) != c.want {
				t.Errorf("expected %q, got %q", c.want, got)
			}
		})
	}
}

func TestWriteFileAppendAndTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.nmea")
	if err := os.WriteFile(path, []byte("$OLD,1\r\n"), 0644); err != nil {
		t.Fatal(err)
	}

	run := func(appendOpt string, sentence string) {
		t.Helper()
		ifa := &mux.Iface{
			Name:      "dst",
			Type:      mux.TypeFile,
			Direction: mux.Out,
			Options:   map[string]string{"filename": path, "append": appendOpt},
		}
		if err := Init(ifa); err != nil {
			t.Fatalf("init: %s", err)
		}
		push(ifa, sentence)
		ifa.Q.Push(nil)
		ifa.Write(ifa)
		ifa.Cleanup(ifa)
	}

	run("yes", "$NEW,2\r\n")
	got, _ := os.ReadFile(path)
	if string(got) != "$OLD,1\r\n$NEW,2\r\n" {
		t.Fatalf("append mode clobbered the file: %q", got)
	}

	run("no", "$NEW,3\r\n")
	got, _ = os.ReadFile(path)
	if string(got) != "$NEW,3\r\n" {
		t.Errorf("truncate mode did not truncate: %q", got)
	}
}

func TestReadFileInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.nmea")
	if err := os.WriteFile(path, []byte("$GPRMC,1*07\r\n"), 0644); err != nil {
		t.Fatal(err)
	}

	ifa := &mux.Iface{
		Name:      "src",
		Type:      mux.TypeFile,
		Direction: mux.In,
		Options:   map[string]string{"filename": path},
	}
	if err := Init(ifa); err != nil {
		t.Fatalf("init: %s", err)
	}
	defer ifa.Cleanup(ifa)

	buf := make([]byte, 64)
	n, err := ifa.ReadBuf(ifa, buf)
	if err != nil || n == 0 {
		t.Fatalf("readbuf: n=%d err=%v", n, err)
	}
	if string(buf[:n]) != "$GPRMC,1*07\r\n" {
		t.Errorf("unexpected data %q", buf[:n])
	}

	// Without persist, EOF ends the interface.
	if _, err := ifa.ReadBuf(ifa, buf); err == nil {
		t.Error("expected EOF error at end of file")
	}
}

func TestInitErrors(t *testing.T) {
	cases := []struct {
		name string
		ifa  *mux.Iface
	}{
		{
			name: "both on regular file",
			ifa: &mux.Iface{
				Direction: mux.Both,
				Options:   map[string]string{"filename": "/tmp/whatever"},
			},
		},
		{
			name: "persist on stdio",
			ifa: &mux.Iface{
				Direction: mux.In,
				Flags:     mux.FlagPersist,
				Options:   map[string]string{},
			},
		},
		{
			name: "missing input file",
			ifa: &mux.Iface{
				Direction: mux.In,
				Options:   map[string]string{"filename": "/nonexistent/input"},
			},
		},
		{
			name: "unknown option",
			ifa: &mux.Iface{
				Direction: mux.In,
				Options:   map[string]string{"shoesize": "11"},
			},
		},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			c.ifa.Type = mux.TypeFile
			if err := Init(c.ifa); err == nil {
				t.Error("expected error")
			}
		})
	}
}
