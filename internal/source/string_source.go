package source

import (
	"fmt"

	"github.com/joeycumines/go-parashell/eventloop"
)

// StringSource is an in-memory producer for tests and library embedding:
// "any other producer conforming to the interface" from the data model.
// Records are delivered one per loop tick via loop.Submit so callers still
// observe the same asynchronous delivery pattern a real descriptor gives,
// rather than a synchronous call stack straight out of Trap.
type StringSource struct {
	loop    *eventloop.Loop
	lines   []string
	i       int
	cb      func(Record)
	trapped bool
	done    bool
}

// NewStringSource yields each of lines in order, then EOF.
func NewStringSource(loop *eventloop.Loop, lines []string) *StringSource {
	cp := make([]string, len(lines))
	copy(cp, lines)
	return &StringSource{loop: loop, lines: cp}
}

func (s *StringSource) Trap(cb func(Record)) error {
	if s.trapped {
		return fmt.Errorf("source: trap called on string source while already trapped")
	}
	s.cb = cb
	s.trapped = true
	if s.done {
		return s.loop.Submit(func() {
			if s.trapped {
				s.cb(Record{EOF: true})
			}
		})
	}
	return s.loop.Submit(s.deliverNext)
}

func (s *StringSource) Untrap() {
	s.trapped = false
}

func (s *StringSource) Close() error {
	s.trapped = false
	return nil
}

func (s *StringSource) deliverNext() {
	if !s.trapped {
		return
	}
	if s.i >= len(s.lines) {
		s.done = true
		s.cb(Record{EOF: true})
		return
	}
	line := s.lines[s.i]
	s.i++
	s.cb(Record{Line: line})
	if s.trapped {
		_ = s.loop.Submit(s.deliverNext)
	}
}
