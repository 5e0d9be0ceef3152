package reactor

// hubOptions holds configuration collected from HubOption values.
type hubOptions struct {
	logger       Logger
	pollTimeout  int // milliseconds; bounds how long poll() blocks absent timers
	queueWarnLen int // enqueue logs a warning when the combined queue depth reaches exactly this
}

// HubOption configures a Hub at construction time.
type HubOption interface {
	applyHub(*hubOptions)
}

type hubOptionFunc func(*hubOptions)

func (f hubOptionFunc) applyHub(o *hubOptions) { f(o) }

// WithLogger attaches a structured logger to the Hub. Defaults to a no-op.
func WithLogger(l Logger) HubOption {
	return hubOptionFunc(func(o *hubOptions) { o.logger = l })
}

// WithPollTimeout bounds how long a single poll iteration blocks when no
// timer is pending, so a Hub never sleeps forever with no way to notice a
// Stop that raced the wakeup write.
func WithPollTimeout(ms int) HubOption {
	return hubOptionFunc(func(o *hubOptions) {
		if ms > 0 {
			o.pollTimeout = ms
		}
	})
}

// WithQueueWarnLen sets the combined (external plus internal) queue depth at
// which Submit/SubmitInternal log a warning, a cheap early signal that the
// loop is falling behind. The warning fires each time an enqueue brings the
// depth to exactly n, not on every enqueue above it.
func WithQueueWarnLen(n int) HubOption {
	return hubOptionFunc(func(o *hubOptions) {
		if n > 0 {
			o.queueWarnLen = n
		}
	})
}

func resolveHubOptions(opts []HubOption) *hubOptions {
	cfg := &hubOptions{
		logger:       noopLoggerSingleton,
		pollTimeout:  1000,
		queueWarnLen: 4096,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyHub(cfg)
		}
	}
	return cfg
}
