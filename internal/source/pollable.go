package source

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// kind classifies a descriptor as pollable (readiness-driven) or
// non-pollable (idle-driven); see Descriptor's scheduling-mode split.
type kind int

const (
	kindPollable kind = iota
	kindNonPollable
)

// classify decides pollability via fstat. A tty is always reported as a
// character device by fstat, so no separate isatty(3)-style ioctl probe is
// needed to single it out: FIFO, socket, char device (including every tty)
// are pollable. Regular files are the only non-pollable case this engine
// expects; anything else (e.g. a block device) defaults pollable, since
// blocking briefly on an unexpected descriptor type is safer than treating
// it as a non-pollable regular file and idle-polling it forever.
func classify(fd int) (kind, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("source: fstat fd %d: %w", fd, err)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		return kindNonPollable, nil
	default:
		return kindPollable, nil
	}
}
