package task

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-parashell/eventloop"
	"github.com/joeycumines/go-parashell/internal/applog"
	"github.com/joeycumines/go-parashell/internal/ioframe"
)

// shellPath is the absolute interpreter path, per the child-process
// contract: launched as `sh -c <cmdline>`.
const shellPath = "/bin/sh"

// reapPollInterval paces syscall.Wait4(WNOHANG) polling. There is no
// portable, cgo-free way to bridge SIGCHLD into the event loop's readiness
// model, so reaping is a lightweight per-task timer poll instead.
const reapPollInterval = 2 * time.Millisecond

// recordSeparator is the line terminator shared with input sources.
const recordSeparator = '\n'

// Hooks are the per-task callbacks a Launcher invokes as a dispatched task
// produces output and eventually terminates. All calls happen on the loop
// goroutine.
type Hooks struct {
	// Data fires with the exact newly read bytes from stdout/stderr,
	// before line framing.
	Data func(isStderr bool, data []byte)
	// Line fires once per complete, terminator-stripped record.
	Line func(isStderr bool, text string)
	// Done fires exactly once, when the task reaches the Done state.
	Done func(kind TerminationKind, info int)
}

// Launcher dispatches WAITING tasks into running child processes and drives
// their output framing and reap to completion.
type Launcher struct {
	loop   *eventloop.Loop
	logger applog.Logger
	fatal  func(error)
}

// NewLauncher constructs a Launcher. fatal is invoked (instead of returning
// an error) for the internal-fatal-condition class the spec defines: pipe
// creation failure, fork failure, fstat failure, and read failure on a
// child's output pipe. logger and fatal may be nil (no-op / panic default).
func NewLauncher(loop *eventloop.Loop, logger applog.Logger, fatal func(error)) *Launcher {
	if logger == nil {
		logger = applog.Noop()
	}
	if fatal == nil {
		fatal = func(err error) { panic(err) }
	}
	return &Launcher{loop: loop, logger: logger, fatal: fatal}
}

// Dispatch forks and execs cmdline via the shell, transitioning t from
// Waiting to Running and wiring its stdout/stderr line framing and reap.
func (l *Launcher) Dispatch(t *Task, hooks Hooks) {
	if t.state != Waiting {
		l.fatal(fmt.Errorf("task: dispatch called on task %d in state %s", t.Index, t.state))
		return
	}

	stdinR, stdinW, err := newClosedOnExecPipe()
	if err != nil {
		l.fatal(fmt.Errorf("task: pipe (stdin): %w", err))
		return
	}
	stdoutR, stdoutW, err := newClosedOnExecPipe()
	if err != nil {
		_ = unix.Close(stdinR)
		_ = unix.Close(stdinW)
		l.fatal(fmt.Errorf("task: pipe (stdout): %w", err))
		return
	}
	stderrR, stderrW, err := newClosedOnExecPipe()
	if err != nil {
		_ = unix.Close(stdinR)
		_ = unix.Close(stdinW)
		_ = unix.Close(stdoutR)
		_ = unix.Close(stdoutW)
		l.fatal(fmt.Errorf("task: pipe (stderr): %w", err))
		return
	}

	attr := &syscall.ProcAttr{
		Env:   os.Environ(),
		Files: []uintptr{uintptr(stdinR), uintptr(stdoutW), uintptr(stderrW)},
	}

	pid, err := startProcessRetryingEINTR(shellPath, []string{"sh", "-c", t.Cmdline}, attr)

	// The child's duplicated descriptors are always closed in the parent,
	// win or lose; syscall.ProcAttr.Files dup2's them into the child, so
	// the parent's copies are no longer needed.
	_ = unix.Close(stdinR)
	_ = unix.Close(stdoutW)
	_ = unix.Close(stderrW)

	if err != nil {
		_ = unix.Close(stdinW)
		_ = unix.Close(stdoutR)
		_ = unix.Close(stderrR)
		l.fatal(fmt.Errorf("task: fork/exec %q: %w", t.Cmdline, err))
		return
	}

	t.running = &runningInfo{
		pid:       pid,
		stdin:     stdinW,
		stdinOpen: true,
		stdout:    stdoutR,
		stderr:    stderrR,
	}
	t.state = Running

	l.armOutput(t, stdoutR, false, hooks)
	l.armOutput(t, stderrR, true, hooks)
	l.loop.ScheduleTimer(reapPollInterval, func() { l.pollReap(t, hooks) })
}

func (l *Launcher) armOutput(t *Task, fd int, isStderr bool, hooks Hooks) {
	framer := ioframe.New(fd, recordSeparator)
	cb := func(eventloop.IOEvents) { l.readOutput(t, fd, framer, isStderr, hooks) }
	if err := l.loop.RegisterFD(fd, eventloop.EventRead, cb); err != nil {
		l.fatal(fmt.Errorf("task: register fd %d: %w", fd, err))
	}
}

func (l *Launcher) readOutput(t *Task, fd int, framer *ioframe.Framer, isStderr bool, hooks Hooks) {
	raw, records, _, eof, err := framer.ReadOnce()
	if err != nil {
		l.fatal(fmt.Errorf("task: read fd %d: %w", fd, err))
		return
	}

	if len(raw) > 0 && hooks.Data != nil {
		hooks.Data(isStderr, raw)
	}
	for _, line := range records {
		if hooks.Line != nil {
			hooks.Line(isStderr, line)
		}
	}
	// A residual partial line at EOF is discarded without a line event;
	// only the raw-data callback above sees those final bytes.

	if eof {
		_ = l.loop.UnregisterFD(fd)
		if isStderr {
			t.running.stderrDone = true
		} else {
			t.running.stdoutDone = true
		}
		l.maybeComplete(t, hooks)
	}
}

func (l *Launcher) pollReap(t *Task, hooks Hooks) {
	if t.running == nil || t.running.reaped {
		return
	}
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(t.running.pid, &ws, syscall.WNOHANG, nil)
	if err != nil {
		if err == syscall.EINTR {
			_ = l.loop.ScheduleTimer(reapPollInterval, func() { l.pollReap(t, hooks) })
			return
		}
		l.fatal(fmt.Errorf("task: wait4 pid %d: %w", t.running.pid, err))
		return
	}
	if pid == 0 {
		_ = l.loop.ScheduleTimer(reapPollInterval, func() { l.pollReap(t, hooks) })
		return
	}

	t.running.reaped = true
	if ws.Signaled() {
		t.running.kind = Signal
		t.running.info = int(ws)
	} else {
		t.running.kind = Exit
		t.running.info = ws.ExitStatus()
	}
	l.maybeComplete(t, hooks)
}

func (l *Launcher) maybeComplete(t *Task, hooks Hooks) {
	if !t.running.reaped || !t.allOutputsDone() {
		return
	}
	if t.running.stdinOpen {
		_ = unix.Close(t.running.stdin)
		t.running.stdinOpen = false
	}
	kind, info := t.running.kind, t.running.info
	t.complete()
	if hooks.Done != nil {
		hooks.Done(kind, info)
	}
}

func newClosedOnExecPipe() (r, w int, err error) {
	fds := make([]int, 2)
	for {
		err = unix.Pipe2(fds, unix.O_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, 0, err
		}
		return fds[0], fds[1], nil
	}
}

func startProcessRetryingEINTR(name string, argv []string, attr *syscall.ProcAttr) (int, error) {
	for {
		pid, _, err := syscall.StartProcess(name, argv, attr)
		if err == syscall.EINTR {
			continue
		}
		return pid, err
	}
}
