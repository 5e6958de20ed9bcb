package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joeycumines/go-parashell/internal/scheduler"
	"github.com/joeycumines/go-parashell/internal/task"
)

// newDefaultMode reproduces pline-main.c's syshandler__* trio: every line
// of stdout/stderr is printed immediately with a millisecond-resolution
// timestamp (its date-and-seconds part is formatted once per clock second
// and reused), prefixed with the task index. Nonzero exit or a signal is reported to stderr but
// never changes the process exit code.
func newDefaultMode(_ *Config) (Funcs, error) {
	ts := newTimestampCache()

	return Funcs{
		Funcs: scheduler.Funcs{
			Started: func(t *task.Task, now time.Time, cmdline string) {
				fmt.Fprintf(os.Stderr, "%s [%6d] started: %s\n", ts.render(now), t.Index, cmdline)
			},
			Line: func(t *task.Task, now time.Time, isStderr bool, text string) {
				out := os.Stdout
				sep := byte(':')
				if isStderr {
					out = os.Stderr
					sep = '!'
				}
				fmt.Fprintf(out, "%s [%6d]%c %s\n", ts.render(now), t.Index, sep, text)
			},
			Ended: func(t *task.Task, now time.Time, kind task.TerminationKind, info int) {
				stamp := ts.render(now)
				switch kind {
				case task.Exit:
					if info == 0 {
						fmt.Fprintf(os.Stderr, "%s: Task %d exited with status 0: success.\n", stamp, t.Index)
					} else {
						fmt.Fprintf(os.Stderr, "%s! Task %d exited with status %d!\n", stamp, t.Index, info)
					}
				case task.Signal:
					fmt.Fprintf(os.Stderr, "%s! Task %d killed by signal %d!\n", stamp, t.Index, info)
				}
			},
		},
		ExitCode: func() int { return 0 },
	}, nil
}

// timestampCache mirrors maybe_uptime_last_time_secs: the formatted
// "YYYY-MM-DD HH:MM:SS" portion is only recomputed when the wall-clock
// second changes, since every event in the same second shares it.
type timestampCache struct {
	lastSec int64
	lastStr string
}

func newTimestampCache() *timestampCache { return &timestampCache{lastSec: -1} }

func (c *timestampCache) render(now time.Time) string {
	sec := now.Unix()
	if sec != c.lastSec {
		c.lastSec = sec
		c.lastStr = now.Format("2006-01-02 15:04:05")
	}
	return fmt.Sprintf("%s.%03d", c.lastStr, now.Nanosecond()/int(time.Millisecond))
}
