// Package fileio implements file, stdio and FIFO interfaces.
package fileio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/seamux/seamux/pkg/mux"
)

// DefQSize is the default output queue capacity for file interfaces.
const DefQSize = 16

// Info is the transport state for a file interface. A nil file with
// a filename set means a FIFO that is opened lazily by the I/O loop.
type Info struct {
	f        *os.File
	filename string
	fifo     bool
	append   bool
	perm     os.FileMode
	uid, gid int
}

func dup(_ any) (any, error) {
	// Bidirectional file I/O is stdin/stdout only; the pair gets its
	// own record and the init routine points it at stdin.
	return &Info{uid: -1, gid: -1}, nil
}

func cleanup(ifa *mux.Iface) {
	info := ifa.Info.(*Info)
	if info.f != nil && info.f != os.Stdin && info.f != os.Stdout {
		info.f.Close()
	}
}

func interrupt(ifa *mux.Iface) {
	info := ifa.Info.(*Info)
	if info.f != nil {
		info.f.Close()
	}
}

// readBuf reads a chunk from the file. In persist mode EOF or error
// on a FIFO causes a reopen so the interface survives its writers.
func readBuf(ifa *mux.Iface, buf []byte) (int, error) {
	info := ifa.Info.(*Info)
	for {
		n, err := info.f.Read(buf)
		if n > 0 {
			return n, nil
		}
		if !ifa.HasFlag(mux.FlagPersist) || ifa.Stopped() {
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		info.f.Close()
		f, oerr := os.OpenFile(info.filename, os.O_RDONLY, 0)
		if oerr != nil {
			return 0, fmt.Errorf("failed to re-open FIFO %s for reading: %w", info.filename, oerr)
		}
		log.Debugf("%s: re-opened %s for reading", ifa.Name, info.filename)
		info.f = f
	}
}

func readFile(ifa *mux.Iface) {
	info := ifa.Info.(*Info)
	// FIFOs are opened here rather than at init so a reader with no
	// writer cannot hang single-threaded initialization.
	if info.f == nil {
		f, err := os.OpenFile(info.filename, os.O_RDONLY, 0)
		if err != nil {
			log.Errorf("failed to open FIFO %s for reading: %s", info.filename, err)
			return
		}
		log.Debugf("%s: opened %s for reading", ifa.Name, info.filename)
		info.f = f
	}
	mux.DoRead(ifa)
}

func writeFile(ifa *mux.Iface) {
	info := ifa.Info.(*Info)

	if info.f == nil {
		f, err := os.OpenFile(info.filename, os.O_WRONLY, 0)
		if err != nil {
			log.Errorf("failed to open FIFO %s for writing: %s", info.filename, err)
			return
		}
		log.Debugf("%s: opened FIFO %s for writing", ifa.Name, info.filename)
		info.f = f
		q := ifa.QSize
		if q <= 0 {
			q = DefQSize
		}
		ifa.Lists.Mu.Lock()
		ifa.NewQueue(q)
		ifa.Lists.Mu.Unlock()
	}

	useReturn := !ifa.HasFlag(mux.FlagNoCR)

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

		if !useReturn {
			sptr.Data[sptr.Len-2] = '\n'
			sptr.Len--
		}

		if err := writeOut(info.f, ifa.GetTag(sptr), sptr.Bytes()); err != nil {
			if !(ifa.HasFlag(mux.FlagPersist) && errors.Is(err, syscall.EPIPE)) {
				if !ifa.Stopped() {
					log.Errorf("%s: write failed: %s", ifa.Name, err)
				}
				ifa.Q.Free(el)
				break
			}
			f, oerr := os.OpenFile(info.filename, os.O_WRONLY, 0)
			if oerr != nil {
				log.Errorf("%s: failed to re-open %s: %s", ifa.Name, info.filename, oerr)
				ifa.Q.Free(el)
				break
			}
			info.f.Close()
			info.f = f
			log.Debugf("%s: reconnected to FIFO %s", ifa.Name, info.filename)
		} else {
			mux.CountSent(ifa.Name)
		}
		ifa.Q.Free(el)
	}
}

// writeOut writes an optional tag block then the payload, finishing
// partial writes.
func writeOut(f *os.File, tag, payload []byte) error {
	for _, b := range [][]byte{tag, payload} {
		for len(b) > 0 {
			n, err := f.Write(b)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// Init binds a file interface: stdin/stdout when no filename is
// given (BOTH is only supported there), otherwise a regular file or
// FIFO with optional append/owner/group/perm handling.
func Init(ifa *mux.Iface) error {
	info := &Info{uid: -1, gid: -1}
	ifa.Info = info

	for key, val := range ifa.Options {
		switch key {
		case "filename":
			if val != "-" {
				info.filename = val
			}
		case "append":
			switch val {
			case "yes":
				info.append = true
			case "no":
				info.append = false
			default:
				return fmt.Errorf("invalid option \"append=%s\"", val)
			}
		case "owner":
			u, err := user.Lookup(val)
			if err != nil {
				return fmt.Errorf("no such user %q", val)
			}
			info.uid, _ = strconv.Atoi(u.Uid)
		case "group":
			g, err := user.LookupGroup(val)
			if err != nil {
				return fmt.Errorf("no such group %q", val)
			}
			info.gid, _ = strconv.Atoi(g.Gid)
		case "perm":
			n, err := strconv.ParseUint(val, 8, 32)
			if err != nil || n == 0 {
				return fmt.Errorf("invalid permissions %q", val)
			}
			info.perm = os.FileMode(n) & os.ModePerm
		default:
			return fmt.Errorf("unknown interface option %s", key)
		}
	}

	ifa.Read = readFile
	ifa.Write = writeFile
	ifa.ReadBuf = readBuf
	ifa.Cleanup = cleanup
	ifa.Dup = dup
	ifa.Interrupt = interrupt

	if info.filename == "" {
		if ifa.HasFlag(mux.FlagPersist) {
			return errors.New("can't use persist mode with stdin/stdout")
		}
		if ifa.Direction == mux.In {
			info.f = os.Stdin
			log.Debugf("%s: using stdin", ifa.Name)
		} else {
			info.f = os.Stdout
		}
	} else {
		if ifa.Direction == mux.Both {
			return errors.New("bi-directional file I/O only supported for stdin/stdout")
		}
		st, err := os.Stat(info.filename)
		if err != nil && ifa.Direction != mux.Out {
			return fmt.Errorf("stat %s: %w", info.filename, err)
		}
		if err == nil && st.Mode()&os.ModeNamedPipe != 0 {
			// FIFOs open on first use; opening here would hang the
			// single-threaded init when the far side is absent.
			info.fifo = true
		} else {
			if ifa.HasFlag(mux.FlagPersist) {
				return fmt.Errorf("can't use persist mode on %s: not a FIFO", info.filename)
			}
			f, err := openRegular(ifa.Direction, info)
			if err != nil {
				return err
			}
			info.f = f
		}
	}

	if ifa.Direction != mux.In && info.f != nil {
		q := ifa.QSize
		if q <= 0 {
			q = DefQSize
		}
		ifa.NewQueue(q)
	}

	if ifa.Direction == mux.Both {
		pair, err := mux.IfDup(ifa)
		if err != nil {
			return err
		}
		ifa.Direction = mux.Out
		pair.Direction = mux.In
		pair.Info.(*Info).f = os.Stdin
	}
	return nil
}

func openRegular(dir mux.Direction, info *Info) (*os.File, error) {
	if dir == mux.In {
		f, err := os.OpenFile(info.filename, os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open file %s: %w", info.filename, err)
		}
		return f, nil
	}

	perm := info.perm
	if perm == 0 {
		perm = 0664
	}
	flags := os.O_WRONLY | os.O_CREATE
	if info.append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(info.filename, flags, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", info.filename, err)
	}
	if info.perm != 0 {
		// Apply the requested mode regardless of umask.
		if err := f.Chmod(info.perm); err != nil {
			f.Close()
			return nil, err
		}
	}
	if info.uid != -1 || info.gid != -1 {
		if err := f.Chown(info.uid, info.gid); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set ownership on output file %s: %w", info.filename, err)
		}
	}
	return f, nil
}
