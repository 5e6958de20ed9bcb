package eventloop

// Option configures a Loop at construction time.
type Option func(*loopConfig)

type loopConfig struct {
	logger Logger
}

// WithLogger attaches a diagnostics logger to the Loop. The zero value
// (unset) discards all diagnostics.
func WithLogger(l Logger) Option {
	return func(c *loopConfig) {
		c.logger = l
	}
}

func resolveOptions(opts []Option) loopConfig {
	c := loopConfig{logger: noopLogger{}}
	for _, o := range opts {
		if o != nil {
			o(&c)
		}
	}
	return c
}
