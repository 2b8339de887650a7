package worker

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	mi "github.com/cschleiden/go-taskrun/internal/metrics"
	"github.com/cschleiden/go-taskrun/metrics"
	"github.com/cschleiden/go-taskrun/runcontext"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Options struct {
	// Pollers is the number of pollers to start. Defaults to 2.
	Pollers int

	// MaxParallelTasks determines the maximum number of concurrent attempts processed by the worker.
	// The default is 0 which is no limit.
	MaxParallelTasks int

	// PollingInterval is the interval between polling for new attempts. Defaults to 200ms.
	PollingInterval time.Duration

	// HeartbeatInterval is the interval between heartbeats for running attempts. Defaults to 25
	// seconds.
	HeartbeatInterval time.Duration

	// ShutdownGracePeriod is how long WaitForCompletion lets running attempts finish before their
	// contexts are canceled. 0 waits for them indefinitely. Defaults to 30 seconds.
	ShutdownGracePeriod time.Duration

	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	// Clock provides attempt timestamps and drives polling and heartbeats
	Clock clock.Clock

	// RunContextOptions are applied to the run context of every attempt, e.g. the renderer,
	// encrypter, or plugin resolver.
	RunContextOptions []runcontext.Option
}

var DefaultOptions = Options{
	Pollers:             2,
	PollingInterval:     200 * time.Millisecond,
	MaxParallelTasks:    0,
	HeartbeatInterval:   25 * time.Second,
	ShutdownGracePeriod: 30 * time.Second,
}

func applyDefaults(options *Options) *Options {
	if options == nil {
		o := DefaultOptions
		options = &o
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

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	return options
}
