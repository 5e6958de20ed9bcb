package scheduler

import (
	"time"

	"github.com/joeycumines/go-parashell/internal/task"
)

// Funcs is one observer's set of optional callbacks. A nil field is simply
// skipped. All calls happen synchronously, on the event-loop goroutine, in
// the registry's dispatch order.
type Funcs struct {
	Started func(t *task.Task, now time.Time, cmdline string)
	Data    func(t *task.Task, now time.Time, isStderr bool, data []byte)
	Line    func(t *task.Task, now time.Time, isStderr bool, text string)
	Ended   func(t *task.Task, now time.Time, kind task.TerminationKind, info int)
	AllDone func(e *Engine, now time.Time)
}
