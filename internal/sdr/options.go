package sdr

import (
	"io"
	"log/slog"
)

const (
	// ReadErrorsThreshold defines the number of consecutive read errors allowed
	ReadErrorsThreshold = 5
)

type options struct {
	logger              *slog.Logger
	readErrorsThreshold uint8
	blockSamples        int
}

// Option configures a sample source
type Option func(o *options)

// WithLogger sets the logger for the source
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithReadErrorsThreshold sets the threshold for consecutive read errors
func WithReadErrorsThreshold(threshold uint8) Option {
	return func(o *options) {
		o.readErrorsThreshold = threshold
	}
}

// WithBlockSamples sets the number of I/Q pairs per block
func WithBlockSamples(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.blockSamples = n
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:              slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		readErrorsThreshold: ReadErrorsThreshold,
		blockSamples:        DefaultBlockSamples,
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}
