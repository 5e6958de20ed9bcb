// Package scheduler owns the task queue, running set, input-source list,
// admission thresholds, and observer registry: the system singleton from
// the data model.
package scheduler

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-catrate"

	"github.com/joeycumines/go-parashell/eventloop"
	"github.com/joeycumines/go-parashell/internal/applog"
	"github.com/joeycumines/go-parashell/internal/source"
	"github.com/joeycumines/go-parashell/internal/task"
	"github.com/joeycumines/go-parashell/internal/trap"
)

// Engine is the scheduler singleton: it owns every task, input source, and
// observer, and is the sole authority on when a source is trapped and when
// a waiting task is dispatched.
//
// Engine must only be mutated from the loop goroutine; all of its public
// methods are meant to be called either before the loop starts running, or
// via loop.Submit from another goroutine, to honor that single-writer rule.
type Engine struct {
	loop     *eventloop.Loop
	launcher *task.Launcher
	logger   applog.Logger
	fatal    func(error)
	limiter  *catrate.Limiter

	tasks                          []*task.Task
	nUnstarted, nRunning, nFinished int

	sources       []source.Source
	curSource     int
	sourceTrapped bool
	trapFlips     int

	maxUnstarted int
	maxRunning   int

	observers trap.Registry[Funcs]

	allDoneFired bool
}

// thrashWarnThreshold is the trap/untrap flip count (for the lifetime of
// the current source) past which warnIfThrashing starts rate-limited
// logging.
const thrashWarnThreshold = 20

// New constructs an Engine with default thresholds and empty collections.
func New(loop *eventloop.Loop, opts ...Option) *Engine {
	cfg := resolveOptions(opts)
	e := &Engine{
		loop:         loop,
		logger:       cfg.logger,
		limiter:      cfg.limiter,
		maxUnstarted: cfg.maxUnstartedTasks,
		maxRunning:   cfg.maxRunningTasks,
	}
	fatal := cfg.fatal
	if fatal == nil {
		fatal = e.defaultFatal
	}
	e.fatal = fatal
	e.launcher = task.NewLauncher(loop, cfg.logger, fatal)
	return e
}

func (e *Engine) defaultFatal(err error) {
	e.logger.Emerg().Err(err).Log("scheduler: internal fatal condition")
	os.Exit(1)
}

// AddInputSource appends src to the ordered source list; if it becomes the
// current source and admission allows, traps it immediately.
func (e *Engine) AddInputSource(src source.Source) error {
	e.sources = append(e.sources, src)
	if len(e.sources)-1 == e.curSource {
		e.trapCurrent()
	}
	return nil
}

// AddInputScript opens path read-only and wraps it as an owned descriptor
// source.
func (e *Engine) AddInputScript(path string) error {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return &ErrOpen{Filename: path, Err: err}
	}
	src, err := source.NewDescriptor(e.loop, fd, true, '\n', e.logger, e.limiter, e.fatal)
	if err != nil {
		_ = unix.Close(fd)
		e.fatal(fmt.Errorf("scheduler: classify %q: %w", path, err))
		return err
	}
	return e.AddInputSource(src)
}

// AddInputStdin wraps file descriptor 0, not owned (never closed).
func (e *Engine) AddInputStdin() error {
	src, err := source.NewDescriptor(e.loop, 0, false, '\n', e.logger, e.limiter, e.fatal)
	if err != nil {
		e.fatal(fmt.Errorf("scheduler: classify stdin: %w", err))
		return err
	}
	return e.AddInputSource(src)
}

// AddInputFD classifies and wraps an arbitrary descriptor, closing it on
// destroy iff shouldClose.
func (e *Engine) AddInputFD(fd int, shouldClose bool) error {
	src, err := source.NewDescriptor(e.loop, fd, shouldClose, '\n', e.logger, e.limiter, e.fatal)
	if err != nil {
		e.fatal(fmt.Errorf("scheduler: classify fd %d: %w", fd, err))
		return err
	}
	return e.AddInputSource(src)
}

// SetMaxUnstartedTasks updates the backlog threshold, re-evaluating
// trap/untrap of the current source against the (corrected) strict
// predicate n_unstarted < max, consistently with the dispatch path.
func (e *Engine) SetMaxUnstartedTasks(n int) {
	e.maxUnstarted = n
	if e.nUnstarted >= n {
		e.untrapCurrent()
	} else if e.curSource < len(e.sources) {
		e.trapCurrent()
	}
}

// SetMaxRunningTasks updates the concurrency cap, greedily dispatching
// WAITING tasks while under it.
func (e *Engine) SetMaxRunningTasks(n int) {
	e.maxRunning = n
	e.dispatchAvailable()
}

// Trap installs an observer, returning a handle usable with an internal
// Remove should a future caller need it (not currently exposed: observers
// are not removed during this engine's lifetime, per spec).
func (e *Engine) Trap(funcs Funcs) trap.Handle {
	return e.observers.Register(funcs)
}

func (e *Engine) now() time.Time { return time.Now() }

// onRecord is the callback handed to the current source's Trap call.
func (e *Engine) onRecord(rec source.Record) {
	if rec.EOF {
		e.onSourceEOF()
		return
	}

	t := task.New(uint64(len(e.tasks)), rec.Line)
	e.tasks = append(e.tasks, t)
	e.nUnstarted++

	if e.nRunning < e.maxRunning {
		e.dispatchNext()
	}
	if e.nUnstarted >= e.maxUnstarted {
		e.untrapCurrent()
	}
}

func (e *Engine) onSourceEOF() {
	e.untrapCurrent()
	exhausted := e.sources[e.curSource]
	e.curSource++
	e.trapFlips = 0
	// Belt-and-suspenders alongside Descriptor's own close-at-real-EOF: any
	// Source implementation that owns a resource gets a chance to release
	// it as soon as the scheduler is done with it, not just at process
	// exit.
	if err := exhausted.Close(); err != nil {
		e.logger.Warning().Err(err).Int("source_index", e.curSource-1).
			Log("scheduler: close exhausted input source")
	}
	if e.curSource < len(e.sources) {
		e.trapCurrent()
	} else {
		e.checkAllDone()
	}
}

// dispatchNext dispatches the next WAITING task (strict insertion order:
// index n_finished+n_running), if one exists.
func (e *Engine) dispatchNext() {
	idx := e.nFinished + e.nRunning
	if idx >= len(e.tasks) {
		return
	}
	t := e.tasks[idx]
	e.nUnstarted--
	e.nRunning++

	e.launcher.Dispatch(t, task.Hooks{
		Data: func(isStderr bool, data []byte) { e.fireData(t, isStderr, data) },
		Line: func(isStderr bool, text string) { e.fireLine(t, isStderr, text) },
		Done: func(kind task.TerminationKind, info int) { e.onTaskDone(t, kind, info) },
	})

	e.fireStarted(t)
}

func (e *Engine) onTaskDone(t *task.Task, kind task.TerminationKind, info int) {
	e.nRunning--
	e.nFinished++

	e.fireEnded(t, kind, info)

	// Required correctness fix: re-evaluate re-trapping on every task
	// completion, not just at end-of-source advances.
	if e.curSource < len(e.sources) && !e.sourceTrapped && e.nUnstarted < e.maxUnstarted {
		e.trapCurrent()
	}
	e.dispatchAvailable()

	e.checkAllDone()
}

func (e *Engine) dispatchAvailable() {
	for e.nRunning < e.maxRunning && e.nUnstarted > 0 {
		e.dispatchNext()
	}
}

func (e *Engine) trapCurrent() {
	if e.sourceTrapped || e.curSource >= len(e.sources) {
		return
	}
	if e.nUnstarted >= e.maxUnstarted {
		return
	}
	if err := e.sources[e.curSource].Trap(e.onRecord); err != nil {
		e.fatal(fmt.Errorf("scheduler: trap source %d: %w", e.curSource, err))
		return
	}
	e.sourceTrapped = true
	e.trapFlips++
	e.warnIfThrashing()
}

// warnIfThrashing logs (at most at the limiter's configured rate) when the
// current source is being re-trapped unusually often, which under a
// pathological backpressure pattern (admission threshold barely above the
// dispatch rate) would otherwise flood the log with one line per flip.
func (e *Engine) warnIfThrashing() {
	if e.limiter == nil || e.trapFlips < thrashWarnThreshold {
		return
	}
	if _, ok := e.limiter.Allow("scheduler-thrash"); ok {
		e.logger.Warning().
			Int("source_index", e.curSource).
			Int("trap_flips", e.trapFlips).
			Log("scheduler: current input source trapped/untrapped rapidly")
	}
}

func (e *Engine) untrapCurrent() {
	if !e.sourceTrapped {
		return
	}
	e.sources[e.curSource].Untrap()
	e.sourceTrapped = false
}

func (e *Engine) checkAllDone() {
	if e.allDoneFired {
		return
	}
	if e.nRunning == 0 && e.nUnstarted == 0 && e.curSource >= len(e.sources) {
		e.allDoneFired = true
		now := e.now()
		e.observers.Each(func(f Funcs) {
			if f.AllDone != nil {
				f.AllDone(e, now)
			}
		})
	}
}

func (e *Engine) fireStarted(t *task.Task) {
	now := e.now()
	e.observers.Each(func(f Funcs) {
		if f.Started != nil {
			f.Started(t, now, t.Cmdline)
		}
	})
}

func (e *Engine) fireData(t *task.Task, isStderr bool, data []byte) {
	now := e.now()
	e.observers.Each(func(f Funcs) {
		if f.Data != nil {
			f.Data(t, now, isStderr, data)
		}
	})
}

func (e *Engine) fireLine(t *task.Task, isStderr bool, text string) {
	now := e.now()
	e.observers.Each(func(f Funcs) {
		if f.Line != nil {
			f.Line(t, now, isStderr, text)
		}
	})
}

func (e *Engine) fireEnded(t *task.Task, kind task.TerminationKind, info int) {
	now := e.now()
	e.observers.Each(func(f Funcs) {
		if f.Ended != nil {
			f.Ended(t, now, kind, info)
		}
	})
}

// Counts returns the current (unstarted, running, finished) counters,
// mainly for tests asserting the invariant that they sum to len(tasks).
func (e *Engine) Counts() (unstarted, running, finished int) {
	return e.nUnstarted, e.nRunning, e.nFinished
}

// TaskCount returns the number of tasks created so far.
func (e *Engine) TaskCount() int { return len(e.tasks) }
