//go:build darwin

package eventloop

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDs is the initial size of the fd table; it grows on demand in
// RegisterFD up to MaxFDLimit.
const maxFDs = 65536

// MaxFDLimit bounds dynamic growth of the fd table.
const MaxFDLimit = 100000000

// IOEvents is always EventRead here: every descriptor this engine ever
// registers (input sources, a task's stdout/stderr, the loop's wake pipe)
// is armed for readability only, never writability.
type IOEvents uint32

// EventRead indicates the file descriptor is ready for reading.
const EventRead IOEvents = 1

var (
	ErrFDOutOfRange        = errors.New("eventloop: fd out of range (max 99999999)")
	ErrFDAlreadyRegistered = errors.New("eventloop: fd already registered")
	ErrFDNotRegistered     = errors.New("eventloop: fd not registered")
	ErrPollerClosed        = errors.New("eventloop: poller closed")
)

// IOCallback is the callback type for I/O events.
type IOCallback func(IOEvents)

// fdInfo stores per-FD callback information.
type fdInfo struct {
	callback IOCallback
	active   bool
}

// FastPoller manages readable-FD registration using kqueue. It uses a
// dynamic slice instead of a fixed array for flexible FD support.
//
// RegisterFD/UnregisterFD may be called from any goroutine (per Loop's
// contract); PollIO is only ever called from the loop goroutine. fdMu
// guards fds across that boundary.
type FastPoller struct {
	kq       int32
	eventBuf [256]unix.Kevent_t
	fds      []fdInfo
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

// Init initializes the kqueue instance.
func (p *FastPoller) Init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}

	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = int32(kq)

	p.fds = make([]fdInfo, maxFDs)

	return nil
}

// Close closes the kqueue instance.
func (p *FastPoller) Close() error {
	p.closed.Store(true)
	if p.kq > 0 {
		return unix.Close(int(p.kq))
	}
	return nil
}

// RegisterFD registers fd for readability, invoking cb on the next PollIO
// that observes it ready.
func (p *FastPoller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= MaxFDLimit {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) {
		newSize := fd*2 + 1
		if newSize > MaxFDLimit {
			newSize = MaxFDLimit + 1
		}
		newFds := make([]fdInfo, newSize)
		copy(newFds, p.fds)
		p.fds = newFds
	}

	if p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}

	p.fds[fd] = fdInfo{callback: cb, active: true}
	p.fdMu.Unlock()

	kev := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE}
	if _, err := unix.Kevent(int(p.kq), []unix.Kevent_t{kev}, nil, nil); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

// UnregisterFD removes a file descriptor from monitoring.
//
// It does not guarantee immediate cessation of an in-flight callback:
// dispatchEvents copies the callback under RLock, releases the lock, then
// runs it outside the lock, so a callback copied just before UnregisterFD
// clears the slot can still run after UnregisterFD returns. Close the fd
// only after that callback has had a chance to observe the unregistration.
func (p *FastPoller) UnregisterFD(fd int) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}

	p.fds[fd] = fdInfo{}
	p.fdMu.Unlock()

	kev := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE}
	_, _ = unix.Kevent(int(p.kq), []unix.Kevent_t{kev}, nil, nil) // ignore errors on delete
	return nil
}

// PollIO blocks for up to timeoutMs for readability on any registered fd,
// then dispatches callbacks inline. Returns the number of fds dispatched.
func (p *FastPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(int(p.kq), nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	p.dispatchEvents(n)

	return n, nil
}

// dispatchEvents copies each ready fd's callback under a read lock, then
// invokes it outside the lock so a callback registering/unregistering
// another fd doesn't deadlock against fdMu.
func (p *FastPoller) dispatchEvents(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		if fd < 0 {
			continue
		}

		p.fdMu.RLock()
		var info fdInfo
		if fd < len(p.fds) {
			info = p.fds[fd]
		}
		p.fdMu.RUnlock()

		if info.active && info.callback != nil {
			info.callback(EventRead)
		}
	}
}
