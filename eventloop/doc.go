// Package eventloop provides a single-threaded, cooperative event loop for
// coupling child-process lifecycles, file-descriptor readiness, and timer
// callbacks into one dispatch cycle.
//
// # Architecture
//
// A [Loop] integrates three readiness sources into one cooperative cycle,
// matching the classic reactor pattern: registered timers (nearest deadline
// first), readable-file-descriptor readiness via a platform-native poller
// ([Loop.RegisterFD], [Loop.UnregisterFD]), and tasks submitted from other
// goroutines via [Loop.Submit]. Exactly one goroutine ever runs loop
// callbacks; callbacks must not block.
//
// The poller only ever arms a descriptor for readability: every caller in
// this engine (input sources, a task's stdout/stderr pipes, the loop's own
// wake pipe) is a reader, never a writer — so [IOEvents] carries no write/
// error/hangup variants and there is no ModifyFD.
//
// # Platform support
//
//   - Linux: epoll (poller_linux.go)
//   - Darwin: kqueue (poller_darwin.go)
//
// # Usage
//
//	loop, err := eventloop.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	loop.RegisterFD(fd, eventloop.EventRead, func(events eventloop.IOEvents) {
//	    // handle readability
//	})
//
//	go loop.Run(context.Background())
//	// ... later
//	loop.Shutdown(context.Background())
package eventloop
