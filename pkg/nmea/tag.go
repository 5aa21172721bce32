package nmea

import (
	"strconv"
	"time"
)

// TagFlags select which fields a generated TAG block carries.
type TagFlags uint32

const (
	// TagTS adds a seconds-resolution unix timestamp ("c:").
	TagTS TagFlags = 1 << iota
	// TagMS extends the timestamp to millisecond resolution.
	TagMS
	// TagSrc adds the source name ("s:").
	TagSrc
	// TagISrc uses the originating interface's registered name rather
	// than the emitting interface's.
	TagISrc
)

// DefSrcName is substituted for auto-assigned interface names in TAG
// blocks.
const DefSrcName = "seamux"

// Tag formats a TAG block: "\s:name,c:secs[ms]*HH\". srcName should
// already be resolved per the TagISrc flag; auto-assigned names
// (leading underscore) are replaced with DefSrcName. Returns nil when
// no flags are set.
func Tag(flags TagFlags, srcName string, now time.Time) []byte {
	if flags == 0 {
		return nil
	}

	buf := make([]byte, 1, TagMax)
	buf[0] = '\\'
	first := true

	if flags&TagSrc != 0 {
		first = false
		buf = append(buf, 's', ':')
		name := srcName
		if name == "" || name[0] == '_' {
			name = DefSrcName
		}
		if len(name) > 15 {
			name = name[:15]
		}
		buf = append(buf, name...)
	}

	if flags&TagTS != 0 {
		if !first {
			buf = append(buf, ',')
		}
		buf = append(buf, 'c', ':')
		buf = appendPadded(buf, now.Unix(), 10)
		if flags&TagMS != 0 {
			buf = appendPadded(buf, int64(now.Nanosecond()/1e6), 3)
		}
	}

	body := buf[1:]
	buf = AppendChecksum(buf, body)
	return append(buf, '\\')
}

func appendPadded(dst []byte, v int64, width int) []byte {
	s := strconv.FormatInt(v, 10)
	for i := len(s); i < width; i++ {
		dst = append(dst, '0')
	}
	return append(dst, s...)
}
