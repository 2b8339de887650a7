package staging

import (
	"log/slog"

	mi "github.com/cschleiden/go-taskrun/internal/metrics"
	"github.com/cschleiden/go-taskrun/metrics"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client
}

var DefaultOptions = Options{
	Logger:  slog.Default(),
	Metrics: mi.Discard,
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
