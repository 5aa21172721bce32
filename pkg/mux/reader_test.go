package mux

import (
	"io"
	"testing"

	"github.com/seamux/seamux/pkg/filter"
	"github.com/seamux/seamux/pkg/ioq"
	"github.com/seamux/seamux/pkg/nmea"
)

// chunkReader hands out pre-cooked raw reads then EOF.
func chunkReader(chunks ...string) func(*Iface, []byte) (int, error) {
	i := 0
	return func(_ *Iface, buf []byte) (int, error) {
		if i >= len(chunks) {
			return 0, io.EOF
		}
		n := copy(buf, chunks[i])
		i++
		return n, nil
	}
}

func TestDoRead(t *testing.T) {
	cases := []struct {
		name     string
		checksum nmea.ChecksumPolicy
		strict   int
		ifilter  string
		chunks   []string
		want     []string
	}{
		{
			name:     "strict checksum filters bad sentences",
			checksum: nmea.ChecksumStrict,
			strict:   StrictFramed,
			chunks:   []string{"$GPRMC,1*56\r\n$GPRMC,2*FF\r\n"},
			want:     []string{"$GPRMC,1*56\r\n"},
		},
		{
			name:     "loose passes unchecksummed",
			checksum: nmea.ChecksumLoose,
			strict:   StrictLoose,
			chunks:   []string{"$GPRMC,1\n"},
			want:     []string{"$GPRMC,1\r\n"},
		},
		{
			name:     "input filter drops",
			checksum: nmea.ChecksumNone,
			strict:   StrictFramed,
			ifilter:  "-GPGGA",
			chunks:   []string{"$GPGGA,1\r\n$GPRMC,2\r\n"},
			want:     []string{"$GPRMC,2\r\n"},
		},
		{
			name:     "split reads reassembled",
			checksum: nmea.ChecksumNone,
			strict:   StrictFramed,
			chunks:   []string{"$GPR", "MC,1\r", "\n"},
			want:     []string{"$GPRMC,1\r\n"},
		},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			q := ioq.New("engine", 16, nil)
			ifa := &Iface{
				ID:       uint32(1) << 16,
				Name:     "in",
				Checksum: c.checksum,
				Strict:   c.strict,
				Q:        q,
				ReadBuf:  chunkReader(c.chunks...),
			}
			if c.ifilter != "" {
				f, err := filter.Parse(c.ifilter)
				if err != nil {
					t.Fatalf("parse filter: %s", err)
				}
				ifa.IFilter = f
			}

			DoRead(ifa)
			q.Push(nil)

			var got []string
			for {
				el := q.Next()
				if el == nil {
					break
				}
				if el.Blk.Src != ifa.ID {
					t.Errorf("sentence carries src %x, expected %x", el.Blk.Src, ifa.ID)
				}
				got = append(got, string(el.Blk.Bytes()))
				q.Free(el)
			}
			if len(got) != len(c.want) {
				t.Fatalf("expected %v, got %v", c.want, got)
			}
			for i := range c.want {
				if got[i] != c.want[i] {
					t.Errorf("expected %q, got %q", c.want[i], got[i])
				}
			}
		})
	}
}
