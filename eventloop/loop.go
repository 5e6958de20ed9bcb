package eventloop

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Task is a unit of work submitted to the loop. It runs on the loop
// goroutine and must not block.
type Task func()

// LoopState reflects the Loop's current lifecycle phase.
type LoopState int32

const (
	StateAwake LoopState = iota
	StateRunning
	StateTerminating
	StateTerminated
)

type timerEntry struct {
	deadline time.Time
	fn       func()
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Loop is a single-threaded, cooperative event loop. Exactly one goroutine
// executes callbacks at a time; RegisterFD/UnregisterFD/Submit are safe to
// call from any goroutine, but the callbacks they schedule always run on
// the loop goroutine.
type Loop struct {
	cfg loopConfig

	poller FastPoller

	mu      sync.Mutex
	state   atomic.Int32
	timers  timerHeap
	tasks   []Task // external submit queue, guarded by mu
	running atomic.Bool

	wakeR, wakeW int

	loopDone chan struct{}
	stopOnce sync.Once

	tickAnchorMu sync.Mutex
	tickAnchor   time.Time
}

// New constructs a Loop with its platform poller initialized.
func New(opts ...Option) (*Loop, error) {
	cfg := resolveOptions(opts)

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, err
	}

	l := &Loop{
		cfg:      cfg,
		wakeR:    fds[0],
		wakeW:    fds[1],
		loopDone: make(chan struct{}),
	}

	if err := l.poller.Init(); err != nil {
		_ = unix.Close(l.wakeR)
		_ = unix.Close(l.wakeW)
		return nil, err
	}
	if err := l.poller.RegisterFD(l.wakeR, EventRead, func(IOEvents) {
		l.drainWakePipe()
	}); err != nil {
		_ = l.poller.Close()
		_ = unix.Close(l.wakeR)
		_ = unix.Close(l.wakeW)
		return nil, err
	}

	return l, nil
}

func (l *Loop) drainWakePipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *Loop) wake() {
	_, _ = unix.Write(l.wakeW, []byte{0})
}

// RegisterFD arms fd for events, invoking cb on the loop goroutine whenever
// it becomes ready. cb must not block.
func (l *Loop) RegisterFD(fd int, events IOEvents, cb func(IOEvents)) error {
	return l.poller.RegisterFD(fd, events, cb)
}

// UnregisterFD disarms fd. Callers must do this before closing fd, to avoid
// stale readiness delivery after fd recycling.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.UnregisterFD(fd)
}

// Submit queues a task for execution on the loop goroutine, from any
// goroutine. It wakes the loop if it is blocked waiting for I/O or a timer.
func (l *Loop) Submit(t Task) error {
	if LoopState(l.state.Load()) == StateTerminated {
		return ErrLoopTerminated
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, t)
	l.mu.Unlock()
	l.wake()
	return nil
}

// ScheduleTimer runs fn once, after delay has elapsed, on the loop
// goroutine. It may be called from any goroutine.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) error {
	if LoopState(l.state.Load()) == StateTerminated {
		return ErrLoopTerminated
	}
	l.mu.Lock()
	heap.Push(&l.timers, &timerEntry{deadline: time.Now().Add(delay), fn: fn})
	l.mu.Unlock()
	l.wake()
	return nil
}

// State reports the loop's current lifecycle phase.
func (l *Loop) State() LoopState { return LoopState(l.state.Load()) }

// CurrentTickTime returns a monotonic-ish timestamp anchored when Run
// started, suitable for ordering-only comparisons within one run.
func (l *Loop) CurrentTickTime() time.Time {
	l.tickAnchorMu.Lock()
	defer l.tickAnchorMu.Unlock()
	return l.tickAnchor
}

// Run blocks, dispatching timers, submitted tasks, and I/O readiness, until
// Shutdown/Close is called or ctx is done. Call it from its own goroutine
// (e.g. `go loop.Run(ctx)`).
func (l *Loop) Run(ctx context.Context) error {
	if l.running.Load() {
		return ErrLoopAlreadyRunning
	}
	if !l.state.CompareAndSwap(int32(StateAwake), int32(StateRunning)) {
		if LoopState(l.state.Load()) == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}
	l.running.Store(true)
	defer l.running.Store(false)
	defer close(l.loopDone)

	l.tickAnchorMu.Lock()
	l.tickAnchor = time.Now()
	l.tickAnchorMu.Unlock()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.wake()
		case <-done:
		}
	}()
	defer close(done)

	for {
		if s := LoopState(l.state.Load()); s == StateTerminating || s == StateTerminated {
			break
		}
		select {
		case <-ctx.Done():
			l.state.CompareAndSwap(int32(StateRunning), int32(StateTerminating))
		default:
		}

		l.runTimers()
		l.drainTasks()

		timeoutMs := l.nextTimeout()
		if _, err := l.poller.PollIO(timeoutMs); err != nil {
			l.cfg.logger.Warn("poll error", err)
		}
	}

	l.state.Store(int32(StateTerminated))
	return nil
}

func (l *Loop) drainTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	for _, t := range tasks {
		t()
	}
}

func (l *Loop) runTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].deadline.After(now) {
			l.mu.Unlock()
			return
		}
		e := heap.Pop(&l.timers).(*timerEntry)
		l.mu.Unlock()
		e.fn()
	}
}

func (l *Loop) nextTimeout() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) > 0 {
		return 0
	}
	if len(l.timers) == 0 {
		return 1000 // re-poll periodically so Submit/ScheduleTimer wake latency is bounded even if the wake pipe write races
	}
	d := time.Until(l.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	return ms
}

// Shutdown requests the loop to stop, waiting for it to actually terminate
// or for ctx to expire.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	l.stopOnce.Do(func() {
		for {
			cur := LoopState(l.state.Load())
			if cur == StateTerminated || cur == StateTerminating {
				break
			}
			if cur == StateAwake {
				l.state.Store(int32(StateTerminated))
				l.closeFDs()
				return
			}
			if l.state.CompareAndSwap(int32(cur), int32(StateTerminating)) {
				l.wake()
				break
			}
		}
		select {
		case <-l.loopDone:
		case <-ctx.Done():
			result = ctx.Err()
			return
		}
		l.closeFDs()
	})
	if result == nil && LoopState(l.state.Load()) != StateTerminated {
		return ErrLoopTerminated
	}
	return result
}

func (l *Loop) closeFDs() {
	_ = l.poller.Close()
	_ = unix.Close(l.wakeR)
	_ = unix.Close(l.wakeW)
}

// Close tears down the loop's OS resources immediately without waiting for
// a graceful Run exit. Use Shutdown for the graceful path.
func (l *Loop) Close() error {
	l.state.Store(int32(StateTerminated))
	l.closeFDs()
	return nil
}
