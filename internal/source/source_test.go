package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

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

func TestStringSource_LinesThenEOF(t *testing.T) {
	loop := newTestLoop(t)
	src := NewStringSource(loop, []string{"a", "b", "c"})

	var got []Record
	done := make(chan struct{})
	require.NoError(t, src.Trap(func(r Record) {
		got = append(got, r)
		if r.EOF {
			close(done)
		}
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EOF")
	}

	require.Len(t, got, 4)
	require.Equal(t, "a", got[0].Line)
	require.Equal(t, "b", got[1].Line)
	require.Equal(t, "c", got[2].Line)
	require.True(t, got[3].EOF)
}

func TestStringSource_RetrapAfterExhaustionSynthesizesEOF(t *testing.T) {
	loop := newTestLoop(t)
	src := NewStringSource(loop, nil)

	first := make(chan struct{})
	require.NoError(t, src.Trap(func(r Record) {
		require.True(t, r.EOF)
		close(first)
	}))
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	src.Untrap()

	second := make(chan struct{})
	require.NoError(t, src.Trap(func(r Record) {
		require.True(t, r.EOF)
		close(second)
	}))
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for synthesized EOF on retrap")
	}
}

func TestDescriptor_PipeIsPollable(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_CLOEXEC))
	t.Cleanup(func() { _ = unix.Close(fds[1]) })

	loop := newTestLoop(t)
	d, err := NewDescriptor(loop, fds[0], true, '\n', nil, nil, noopFatal(t))
	require.NoError(t, err)
	require.Equal(t, kindPollable, d.kind)

	var got []Record
	done := make(chan struct{})
	require.NoError(t, d.Trap(func(r Record) {
		got = append(got, r)
		if !r.EOF && r.Line == "line2" {
			close(done)
		}
	}))

	_, err = unix.Write(fds[1], []byte("line1\nline2\n"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for records")
	}
	require.Equal(t, "line1", got[0].Line)
	require.Equal(t, "line2", got[1].Line)
}

func TestDescriptor_RegularFileIsNonPollable(t *testing.T) {
	f, err := createTempFile(t, "x\ny\n")
	require.NoError(t, err)

	loop := newTestLoop(t)
	d, err := NewDescriptor(loop, int(f.Fd()), true, '\n', nil, nil, noopFatal(t))
	require.NoError(t, err)
	require.Equal(t, kindNonPollable, d.kind)

	var got []Record
	done := make(chan struct{})
	require.NoError(t, d.Trap(func(r Record) {
		got = append(got, r)
		if r.EOF {
			close(done)
		}
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EOF")
	}
	require.Equal(t, "x", got[0].Line)
	require.Equal(t, "y", got[1].Line)
	require.True(t, got[2].EOF)
}

// TestDescriptor_UntrapMidBatchRetainsRemainingRecords reproduces E5-style
// backpressure against a real descriptor: a single read can hand the
// framer many complete records at once, and an admission-control Untrap
// fired from inside cb must not lose whatever of that batch hadn't been
// delivered yet. Matches Source.Untrap's "without discarding any buffered
// state" contract.
func TestDescriptor_UntrapMidBatchRetainsRemainingRecords(t *testing.T) {
	f, err := createTempFile(t, "a\nb\nc\nd\ne\n")
	require.NoError(t, err)

	loop := newTestLoop(t)
	d, err := NewDescriptor(loop, int(f.Fd()), false, '\n', nil, nil, noopFatal(t))
	require.NoError(t, err)

	var got []Record
	var mu sync.Mutex
	untrapped := make(chan struct{})
	require.NoError(t, d.Trap(func(r Record) {
		mu.Lock()
		got = append(got, r)
		n := len(got)
		mu.Unlock()
		if n == 2 {
			d.Untrap()
			close(untrapped)
		}
	}))

	select {
	case <-untrapped:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mid-batch untrap")
	}

	// Give any (incorrect) further delivery a chance to happen while
	// untrapped, then assert nothing beyond the two delivered records
	// leaked out and the rest are still queued internally.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Len(t, got, 2)
	mu.Unlock()
	require.Equal(t, []string{"c", "d", "e"}, d.pending)

	done := make(chan struct{})
	require.NoError(t, d.Trap(func(r Record) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
		if r.EOF {
			close(done)
		}
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resumed delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 6)
	require.Equal(t, "a", got[0].Line)
	require.Equal(t, "b", got[1].Line)
	require.Equal(t, "c", got[2].Line)
	require.Equal(t, "d", got[3].Line)
	require.Equal(t, "e", got[4].Line)
	require.True(t, got[5].EOF)
}

// TestDescriptor_ClosesOwnedFDAtEOF verifies spec §4.B's "close the
// descriptor if owned" fires at real kernel EOF, not only from an explicit
// Close() call — an AddInputScript-opened source must not leak its fd for
// the life of a long-running embedder.
func TestDescriptor_ClosesOwnedFDAtEOF(t *testing.T) {
	f, err := createTempFile(t, "only\n")
	require.NoError(t, err)
	fd := int(f.Fd())

	loop := newTestLoop(t)
	d, err := NewDescriptor(loop, fd, true, '\n', nil, nil, noopFatal(t))
	require.NoError(t, err)

	done := make(chan struct{})
	require.NoError(t, d.Trap(func(r Record) {
		if r.EOF {
			close(done)
		}
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EOF")
	}

	require.True(t, d.fdClosed)
	require.ErrorIs(t, unix.Close(fd), unix.EBADF)
}
