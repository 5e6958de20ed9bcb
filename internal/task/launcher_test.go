package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-parashell/eventloop"
)

func newTestLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l, err := eventloop.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = l.Shutdown(context.Background())
	})
	return l
}

func dispatchAndWait(t *testing.T, launcher *Launcher, cmdline string) (lines []string, stderrLines []string, kind TerminationKind, info int) {
	t.Helper()
	tsk := New(0, cmdline)
	done := make(chan struct{})
	launcher.Dispatch(tsk, Hooks{
		Line: func(isStderr bool, text string) {
			if isStderr {
				stderrLines = append(stderrLines, text)
			} else {
				lines = append(lines, text)
			}
		},
		Done: func(k TerminationKind, i int) {
			kind, info = k, i
			close(done)
		},
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task completion")
	}
	require.Equal(t, Done, tsk.State())
	return
}

func TestLauncher_EchoExitsZero(t *testing.T) {
	loop := newTestLoop(t)
	launcher := NewLauncher(loop, nil, func(err error) { t.Fatalf("fatal: %v", err) })

	lines, _, kind, info := dispatchAndWait(t, launcher, "echo hi")
	require.Equal(t, []string{"hi"}, lines)
	require.Equal(t, Exit, kind)
	require.Equal(t, 0, info)
}

func TestLauncher_ExitCode(t *testing.T) {
	loop := newTestLoop(t)
	launcher := NewLauncher(loop, nil, func(err error) { t.Fatalf("fatal: %v", err) })

	_, _, kind, info := dispatchAndWait(t, launcher, "exit 7")
	require.Equal(t, Exit, kind)
	require.Equal(t, 7, info)
}

func TestLauncher_Signaled(t *testing.T) {
	loop := newTestLoop(t)
	launcher := NewLauncher(loop, nil, func(err error) { t.Fatalf("fatal: %v", err) })

	_, _, kind, info := dispatchAndWait(t, launcher, "kill -TERM $$")
	require.Equal(t, Signal, kind)
	require.NotZero(t, info&0x7f)
}

func TestLauncher_NoTrailingNewlineProducesNoLineEvent(t *testing.T) {
	loop := newTestLoop(t)
	launcher := NewLauncher(loop, nil, func(err error) { t.Fatalf("fatal: %v", err) })

	var raw []byte
	tsk := New(0, "printf 'no-newline'")
	done := make(chan struct{})
	launcher.Dispatch(tsk, Hooks{
		Data: func(isStderr bool, data []byte) {
			if !isStderr {
				raw = append(raw, data...)
			}
		},
		Line: func(isStderr bool, text string) {
			t.Fatalf("unexpected line event: %q", text)
		},
		Done: func(TerminationKind, int) { close(done) },
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	require.Equal(t, "no-newline", string(raw))
}
