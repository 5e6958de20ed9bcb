// Package ioframe turns a raw, readable file descriptor into a stream of
// complete records separated by a single configurable byte. The same
// algorithm backs both input-source descriptors and a task's stdout/stderr
// pipes.
package ioframe

import (
	"bytes"
	"fmt"

	"golang.org/x/sys/unix"
)

// ChunkSize is the fixed amount the buffer grows by per read attempt.
const ChunkSize = 4096

// Framer accumulates bytes read from fd in a single growable buffer and
// yields complete sep-terminated records out of it.
type Framer struct {
	fd  int
	sep byte
	buf []byte
	eof bool
}

// New wraps fd, framing on sep.
func New(fd int, sep byte) *Framer {
	return &Framer{fd: fd, sep: sep}
}

// EOF reports whether this Framer has already observed end-of-file.
func (f *Framer) EOF() bool { return f.eof }

// ReadOnce performs at most one read — skipped entirely if the buffer
// already holds a complete record — then extracts every complete record the
// buffer now holds.
//
// raw carries the exact span of newly read bytes, pre-framing (nil if no
// read was attempted this call); callers needing the raw-data trap fire it
// on raw before looking at records.
//
// On EOF, any residual unterminated bytes are returned via partial so the
// caller can emit a warning and discard them; no record is produced for
// them. Once eof is true, every subsequent call returns immediately with
// eof=true and no other output.
func (f *Framer) ReadOnce() (raw []byte, records []string, partial []byte, eof bool, err error) {
	if f.eof {
		return nil, nil, nil, true, nil
	}
	if !f.hasFullRecord() {
		n, rerr := f.doRead()
		if n > 0 {
			raw = append([]byte(nil), f.buf[len(f.buf)-n:]...)
		}
		if rerr != nil {
			return raw, nil, nil, false, rerr
		}
		if n == 0 {
			f.eof = true
			records = f.extract()
			if len(f.buf) > 0 {
				partial = f.buf
				f.buf = nil
			}
			return raw, records, partial, true, nil
		}
	}
	records = f.extract()
	return raw, records, nil, false, nil
}

func (f *Framer) hasFullRecord() bool {
	return bytes.IndexByte(f.buf, f.sep) >= 0
}

func (f *Framer) doRead() (int, error) {
	start := len(f.buf)
	f.buf = append(f.buf, make([]byte, ChunkSize)...)
	for {
		n, err := unix.Read(f.fd, f.buf[start:])
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		f.buf = f.buf[:start+n]
		if err != nil {
			return n, fmt.Errorf("ioframe: read fd %d: %w", f.fd, err)
		}
		return n, nil
	}
}

func (f *Framer) extract() []string {
	var out []string
	for {
		i := bytes.IndexByte(f.buf, f.sep)
		if i < 0 {
			return out
		}
		out = append(out, string(f.buf[:i]))
		f.buf = f.buf[i+1:]
	}
}
