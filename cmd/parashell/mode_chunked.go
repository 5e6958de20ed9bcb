package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/joeycumines/go-parashell/internal/scheduler"
	"github.com/joeycumines/go-parashell/internal/task"
)

// newChunkedMode reproduces pline-main.c's chunked__* trio: each task's
// stdout is buffered until every earlier-indexed task has finished
// draining, so output reads as if the commands ran one after another in
// order, even though they actually ran concurrently. stderr lines are
// still streamed immediately, timestamped like the default mode. The
// process exit code is 1 if any task exited non-zero or was signaled
// (chunked_failed in the original), mirroring spec.md §6's CLI note.
func newChunkedMode(_ *Config) (Funcs, error) {
	ts := newTimestampCache()
	c := &chunkedState{
		buffers: make(map[uint64]*bytes.Buffer),
		done:    make(map[uint64]struct{}),
	}

	return Funcs{
		Funcs: scheduler.Funcs{
			Started: func(t *task.Task, now time.Time, cmdline string) {
				c.buffers[t.Index] = &bytes.Buffer{}
			},
			Data: func(t *task.Task, now time.Time, isStderr bool, data []byte) {
				if isStderr {
					return
				}
				if t.Index == c.nextToEnd {
					os.Stdout.Write(data)
				} else if buf, ok := c.buffers[t.Index]; ok {
					buf.Write(data)
				}
			},
			Line: func(t *task.Task, now time.Time, isStderr bool, text string) {
				if !isStderr {
					return
				}
				fmt.Fprintf(os.Stderr, "%s [%6d]! %s\n", ts.render(now), t.Index, text)
			},
			Ended: func(t *task.Task, now time.Time, kind task.TerminationKind, info int) {
				if kind != task.Exit || info != 0 {
					c.failed = true
				}
				stamp := ts.render(now)
				switch kind {
				case task.Exit:
					if info != 0 {
						fmt.Fprintf(os.Stderr, "%s! Task %d exited with status %d!\n", stamp, t.Index, info)
					}
				case task.Signal:
					fmt.Fprintf(os.Stderr, "%s! Task %d killed by signal %d!\n", stamp, t.Index, info)
				}
				c.done[t.Index] = struct{}{}
				if t.Index == c.nextToEnd {
					c.advance()
				}
			},
		},
		ExitCode: func() int {
			if c.failed {
				return 1
			}
			return 0
		},
	}, nil
}

type chunkedState struct {
	buffers   map[uint64]*bytes.Buffer
	done      map[uint64]struct{}
	nextToEnd uint64
	failed    bool
}

// advance drains buffered output for every already-finished task starting
// at nextToEnd, stopping at the first task that hasn't finished yet.
func (c *chunkedState) advance() {
	c.nextToEnd++
	for {
		buf, started := c.buffers[c.nextToEnd]
		if !started {
			return
		}
		if buf.Len() > 0 {
			os.Stdout.Write(buf.Bytes())
		}
		if _, finished := c.done[c.nextToEnd]; !finished {
			return
		}
		delete(c.buffers, c.nextToEnd)
		delete(c.done, c.nextToEnd)
		c.nextToEnd++
	}
}
