package ioframe

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipeFDs(t *testing.T) (r, w int) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestFramer_SingleRecord(t *testing.T) {
	r, w := pipeFDs(t)
	_, err := unix.Write(w, []byte("hello\n"))
	require.NoError(t, err)

	f := New(r, '\n')
	raw, records, partial, eof, err := f.ReadOnce()
	require.NoError(t, err)
	require.False(t, eof)
	require.Nil(t, partial)
	require.Equal(t, []byte("hello\n"), raw)
	require.Equal(t, []string{"hello"}, records)
}

func TestFramer_MultipleRecordsOneRead(t *testing.T) {
	r, w := pipeFDs(t)
	_, err := unix.Write(w, []byte("a\nb\nc\n"))
	require.NoError(t, err)

	f := New(r, '\n')
	_, records, _, eof, err := f.ReadOnce()
	require.NoError(t, err)
	require.False(t, eof)
	require.Equal(t, []string{"a", "b", "c"}, records)
}

func TestFramer_PartialThenComplete(t *testing.T) {
	r, w := pipeFDs(t)
	_, err := unix.Write(w, []byte("abc"))
	require.NoError(t, err)

	f := New(r, '\n')
	_, records, partial, eof, err := f.ReadOnce()
	require.NoError(t, err)
	require.False(t, eof)
	require.Nil(t, partial)
	require.Empty(t, records)

	_, err = unix.Write(w, []byte("def\n"))
	require.NoError(t, err)

	_, records, partial, eof, err = f.ReadOnce()
	require.NoError(t, err)
	require.False(t, eof)
	require.Nil(t, partial)
	require.Equal(t, []string{"abcdef"}, records)
}

func TestFramer_SkipsIOWhenRecordAlreadyBuffered(t *testing.T) {
	r, w := pipeFDs(t)
	_, err := unix.Write(w, []byte("x\ny\n"))
	require.NoError(t, err)

	f := New(r, '\n')
	raw, records, _, _, err := f.ReadOnce()
	require.NoError(t, err)
	require.Equal(t, []byte("x\ny\n"), raw)
	require.Equal(t, []string{"x", "y"}, records)

	// ReadOnce always drains every complete record, so put one back in the
	// buffer by hand: the second call must frame it without reading, so raw
	// must be nil even though the pipe is still open.
	f.buf = []byte("z\n")
	raw, records, _, _, err = f.ReadOnce()
	require.NoError(t, err)
	require.Nil(t, raw)
	require.Equal(t, []string{"z"}, records)
}

func TestFramer_PartialRecordDiscardedAtEOF(t *testing.T) {
	r, w := pipeFDs(t)
	_, err := unix.Write(w, []byte("no-newline"))
	require.NoError(t, err)
	require.NoError(t, unix.Close(w))

	f := New(r, '\n')
	// The first read returns the bytes; EOF is only seen by the next read.
	raw, records, partial, eof, err := f.ReadOnce()
	require.NoError(t, err)
	require.Equal(t, []byte("no-newline"), raw)
	require.False(t, eof)

	_, records, partial, eof, err = f.ReadOnce()
	require.NoError(t, err)
	require.Empty(t, records)
	require.Equal(t, []byte("no-newline"), partial)
	require.True(t, eof)

	// Framer stays exhausted.
	raw, records, partial, eof, err = f.ReadOnce()
	require.NoError(t, err)
	require.Nil(t, raw)
	require.Nil(t, records)
	require.Nil(t, partial)
	require.True(t, eof)
}

func TestFramer_CleanEOFNoResidual(t *testing.T) {
	r, w := pipeFDs(t)
	_, err := unix.Write(w, []byte("one\n"))
	require.NoError(t, err)
	require.NoError(t, unix.Close(w))

	f := New(r, '\n')
	_, records, partial, eof, err := f.ReadOnce()
	require.NoError(t, err)
	require.Equal(t, []string{"one"}, records)
	require.False(t, eof)

	_, records, partial, eof, err = f.ReadOnce()
	require.NoError(t, err)
	require.Empty(t, records)
	require.Nil(t, partial)
	require.True(t, eof)
	require.True(t, f.EOF())
}
