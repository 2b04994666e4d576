package jsonrpc

import "log/slog"

// Option configures a Connection using the functional options pattern.
type Option func(*connectionOptions)

type connectionOptions struct {
	logger     *slog.Logger
	tracer     Tracer
	traceLevel TraceLevel
}

// applyOptions applies functional options over the defaults.
func applyOptions(opts []Option) *connectionOptions {
	options := &connectionOptions{logger: NopLogger()}
	for _, opt := range opts {
		opt(options)
	}

	if options.logger == nil {
		options.logger = NopLogger()
	}

	return options
}

// WithLogger sets the logger for debug output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *connectionOptions) {
		o.logger = logger
	}
}

// WithTrace enables message tracing from the start of the connection.
// SetTrace can change the configuration later.
func WithTrace(level TraceLevel, tracer Tracer) Option {
	return func(o *connectionOptions) {
		o.traceLevel = level
		o.tracer = tracer
	}
}
