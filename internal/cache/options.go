package cache

import (
	"log/slog"

	"k8s.io/utils/clock"
)

type options struct {
	clock  clock.WithTicker
	logger *slog.Logger
}

// Option configures an Items or Keys cache
type Option func(*options)

func WithClock(c clock.WithTicker) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(component string, opts []Option) options {
	o := options{clock: clock.RealClock{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", component)
	return o
}
