// Package applog fixes the logiface event type the engine's internal
// packages log through, so each package doesn't need to spell out the
// generic parameter. Callers construct a concrete backend (stumpy, in
// cmd/parashell) and hand down its root logger.
package applog

import "github.com/joeycumines/logiface"

// Logger is the backend-agnostic logger handle threaded through the engine.
type Logger = *logiface.Logger[logiface.Event]

// Noop returns a logger that discards everything, for callers (tests,
// library embedders) that don't want diagnostics.
func Noop() Logger {
	return logiface.New[logiface.Event]()
}
