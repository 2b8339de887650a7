package storage

import (
	"log/slog"

	mi "github.com/cschleiden/go-taskrun/internal/metrics"
	"github.com/cschleiden/go-taskrun/metrics"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider
}

var DefaultOptions Options = Options{
	Logger:         slog.Default(),
	Metrics:        mi.Discard,
	TracerProvider: noop.NewTracerProvider(),
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func ApplyOptions(opts ...Option) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Metrics == nil {
		options.Metrics = mi.Discard
	}

	if options.TracerProvider == nil {
		options.TracerProvider = noop.NewTracerProvider()
	}

	return options
}
