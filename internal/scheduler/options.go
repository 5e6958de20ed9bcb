package scheduler

import (
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/joeycumines/go-parashell/internal/applog"
)

const (
	defaultMaxUnstartedTasks = 500
	defaultMaxRunningTasks   = 32
)

// Option configures an Engine at construction time.
type Option func(*config)

type config struct {
	logger              applog.Logger
	fatal               func(error)
	limiter             *catrate.Limiter
	maxUnstartedTasks   int
	maxRunningTasks     int
}

// WithLogger attaches a structured logger for scheduler diagnostics.
func WithLogger(l applog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithFatal overrides the hook invoked for internal-fatal conditions
// (pipe/fork/fstat/read failures). The default logs at Emergency and calls
// os.Exit(1); tests typically override this to recover instead.
func WithFatal(fn func(error)) Option {
	return func(c *config) { c.fatal = fn }
}

// WithRateLimiter throttles the scheduler's own diagnostic warnings
// (partial-record discards, trap/untrap thrashing) so an adversarial input
// stream can't flood the log. This never affects scheduling decisions.
func WithRateLimiter(l *catrate.Limiter) Option {
	return func(c *config) { c.limiter = l }
}

// WithMaxUnstartedTasks sets the initial admission-control threshold on the
// unstarted-task backlog (default 500).
func WithMaxUnstartedTasks(n int) Option {
	return func(c *config) { c.maxUnstartedTasks = n }
}

// WithMaxRunningTasks sets the initial concurrency cap (default 32).
func WithMaxRunningTasks(n int) Option {
	return func(c *config) { c.maxRunningTasks = n }
}

func resolveOptions(opts []Option) config {
	c := config{
		logger:            applog.Noop(),
		maxUnstartedTasks: defaultMaxUnstartedTasks,
		maxRunningTasks:   defaultMaxRunningTasks,
	}
	for _, o := range opts {
		if o != nil {
			o(&c)
		}
	}
	return c
}
