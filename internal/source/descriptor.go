package source

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-catrate"

	"github.com/joeycumines/go-parashell/eventloop"
	"github.com/joeycumines/go-parashell/internal/applog"
	"github.com/joeycumines/go-parashell/internal/ioframe"
)

// idleInterval paces the non-pollable (regular file) polling mode; it
// amortizes into the loop instead of busy-spinning once the buffer already
// holds a full record, since ioframe.Framer.ReadOnce then skips the read.
const idleInterval = time.Millisecond

// Descriptor wraps a file descriptor as a Source, classifying it as
// pollable (armed via the loop's poller) or non-pollable (driven by a
// self-rescheduling idle timer) at construction time.
type Descriptor struct {
	loop    *eventloop.Loop
	fd      int
	ownsFD  bool
	framer  *ioframe.Framer
	kind    kind
	logger  applog.Logger
	limiter *catrate.Limiter
	fatal   func(error)

	cb           func(Record)
	trapped      bool
	armed        bool
	eofDelivered bool
	closed       bool
	fdClosed     bool

	// pending holds records already extracted from framer's buffer (and
	// therefore irrecoverable from the kernel/framer) but not yet
	// delivered to cb, because an untrap landed mid-batch. Trap resumes
	// delivery from here before arming any further reads, so an
	// Untrap/Trap cycle never loses a record, matching Source.Untrap's
	// "without discarding any buffered state" contract.
	pending []string

	// idleGen invalidates an in-flight, self-rescheduling idle tick:
	// Untrap bumps it, so a tick scheduled before the untrap becomes a
	// no-op instead of racing a fresh chain armed by a subsequent Trap.
	idleGen uint64
}

// NewDescriptor classifies fd and wraps it. limiter may be nil, in which
// case partial-record warnings are never throttled. fatal is invoked
// (mirroring Launcher's pattern) instead of silently stalling when a read
// on fd fails outright; it may be nil, in which case the failure panics.
func NewDescriptor(loop *eventloop.Loop, fd int, ownsFD bool, sep byte, logger applog.Logger, limiter *catrate.Limiter, fatal func(error)) (*Descriptor, error) {
	k, err := classify(fd)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = applog.Noop()
	}
	if fatal == nil {
		fatal = func(err error) { panic(err) }
	}
	return &Descriptor{
		loop:    loop,
		fd:      fd,
		ownsFD:  ownsFD,
		framer:  ioframe.New(fd, sep),
		kind:    k,
		logger:  logger,
		limiter: limiter,
		fatal:   fatal,
	}, nil
}

func (d *Descriptor) Trap(cb func(Record)) error {
	if d.trapped {
		return fmt.Errorf("source: trap called on fd %d while already trapped", d.fd)
	}
	d.cb = cb
	d.trapped = true

	// Already exhausted: synthesize the end-of-source record again, on the
	// next loop tick.
	if d.eofDelivered {
		return d.loop.Submit(func() {
			if d.trapped {
				d.cb(Record{EOF: true})
			}
		})
	}

	// Resume delivering anything left over from before the last Untrap
	// before arming any further reads.
	d.drainPending()
	if !d.trapped || d.eofDelivered {
		return nil
	}

	switch d.kind {
	case kindPollable:
		return d.armPollable()
	default:
		return d.armIdle(0)
	}
}

func (d *Descriptor) Untrap() {
	if !d.trapped {
		return
	}
	d.trapped = false
	if d.kind == kindPollable && d.armed {
		_ = d.loop.UnregisterFD(d.fd)
		d.armed = false
	}
	// Invalidate any idle tick already scheduled: it will observe a
	// generation mismatch and become a no-op instead of racing a fresh
	// chain armed by a subsequent Trap.
	d.idleGen++
}

func (d *Descriptor) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.Untrap()
	d.closeOwnedFD()
	return nil
}

// closeOwnedFD closes fd exactly once, iff this Descriptor owns it. It is
// called both at real kernel EOF (spec §4.B: "close the descriptor if
// owned") and from Close, whichever happens first.
func (d *Descriptor) closeOwnedFD() error {
	if d.fdClosed {
		return nil
	}
	d.fdClosed = true
	if d.ownsFD {
		return unix.Close(d.fd)
	}
	return nil
}

func (d *Descriptor) armPollable() error {
	if d.armed {
		return nil
	}
	if err := d.loop.RegisterFD(d.fd, eventloop.EventRead, d.onReadable); err != nil {
		return fmt.Errorf("source: register fd %d: %w", d.fd, err)
	}
	d.armed = true
	return nil
}

func (d *Descriptor) onReadable(eventloop.IOEvents) {
	if !d.trapped {
		return
	}
	d.readOnce()
}

// armIdle (re)arms the self-rescheduling idle tick after delay, tagging it
// with the current idleGen so a subsequent Untrap can invalidate it.
func (d *Descriptor) armIdle(delay time.Duration) error {
	d.idleGen++
	gen := d.idleGen
	return d.loop.ScheduleTimer(delay, func() { d.idleTick(gen) })
}

func (d *Descriptor) idleTick(gen uint64) {
	if gen != d.idleGen || !d.trapped {
		return
	}
	d.readOnce()
	if gen == d.idleGen && d.trapped && !d.framer.EOF() {
		_ = d.armIdle(idleInterval)
	}
}

// readOnce performs one framer read, queues whatever complete records it
// extracted onto pending (so an untrap mid-delivery can't lose them), and
// then attempts to drain that queue to cb.
func (d *Descriptor) readOnce() {
	_, records, partial, eof, err := d.framer.ReadOnce()
	if err != nil {
		d.fatal(fmt.Errorf("source: read fd %d: %w", d.fd, err))
		return
	}

	d.pending = append(d.pending, records...)

	if len(partial) > 0 {
		if _, ok := d.allowWarn(); ok {
			d.logger.Warning().
				Int("fd", d.fd).
				Int("discarded_bytes", len(partial)).
				Log("source: partial final record discarded at EOF")
		}
	}

	if eof {
		if d.kind == kindPollable && d.armed {
			_ = d.loop.UnregisterFD(d.fd)
			d.armed = false
		}
		_ = d.closeOwnedFD()
	}

	d.drainPending()
}

// drainPending delivers queued records to cb one at a time, stopping
// immediately (leaving the rest queued for the next Trap to resume) if cb
// untraps re-entrantly. Once the queue empties and the framer has reached
// real EOF, it delivers the end-of-source sentinel.
func (d *Descriptor) drainPending() {
	for len(d.pending) > 0 {
		if !d.trapped {
			return
		}
		line := d.pending[0]
		d.pending = d.pending[1:]
		d.cb(Record{Line: line})
	}
	if d.framer.EOF() {
		d.deliverEOF()
	}
}

func (d *Descriptor) deliverEOF() {
	if d.eofDelivered {
		return
	}
	d.eofDelivered = true
	if d.trapped {
		d.cb(Record{EOF: true})
	}
}

func (d *Descriptor) allowWarn() (time.Time, bool) {
	if d.limiter == nil {
		return time.Time{}, true
	}
	return d.limiter.Allow("source-partial-record")
}
