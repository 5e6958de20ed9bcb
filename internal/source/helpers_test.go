package source

import (
	"os"
	"testing"
)

func createTempFile(t *testing.T, contents string) (*os.File, error) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "source-test-*")
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(contents); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = f.Close() })
	return f, nil
}

func noopFatal(t *testing.T) func(error) {
	return func(err error) { t.Fatalf("unexpected fatal: %v", err) }
}
