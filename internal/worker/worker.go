// Package worker contains a generic poll and dispatch loop. Pollers fetch items from a Processor,
// the dispatcher runs them with bounded parallelism and keeps their leases alive while they run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Processor is the source and sink of work items.
type Processor[Item, Result any] interface {
	// Get returns the next item, or nil if none is available.
	Get(context.Context) (*Item, error)

	// Extend renews the lease of an item that is still being executed.
	Extend(context.Context, *Item) error

	Execute(context.Context, *Item) (*Result, error)

	Complete(context.Context, *Result, *Item) error
}

type Options struct {
	// Pollers is the number of goroutines fetching items. Defaults to 1.
	Pollers int

	// MaxParallel limits concurrently executing items. 0 means no limit.
	MaxParallel int

	// HeartbeatInterval is the interval Extend is called at while an item executes. 0 disables
	// heartbeats.
	HeartbeatInterval time.Duration

	// PollingInterval is the wait between polls when no item was available.
	PollingInterval time.Duration

	// PollTimeout bounds a single Get call. Defaults to 30 seconds.
	PollTimeout time.Duration

	// ShutdownGracePeriod is how long WaitForCompletion lets running items finish once the pollers
	// stopped. Afterwards the contexts of the remaining items are canceled. 0 waits indefinitely.
	ShutdownGracePeriod time.Duration

	Clock clock.Clock
}

type Pool[Item, Result any] struct {
	p       Processor[Item, Result]
	options Options
	logger  *slog.Logger

	items   chan *Item
	pollers errgroup.Group
	done    chan struct{}

	// itemCtx is passed to every dispatched item, it outlives the poller context
	itemCtx     context.Context
	cancelItems context.CancelFunc
}

func New[Item, Result any](logger *slog.Logger, p Processor[Item, Result], options Options) *Pool[Item, Result] {
	if logger == nil {
		logger = slog.Default()
	}

	if options.Pollers <= 0 {
		options.Pollers = 1
	}

	if options.PollingInterval <= 0 {
		options.PollingInterval = 200 * time.Millisecond
	}

	if options.PollTimeout <= 0 {
		options.PollTimeout = 30 * time.Second
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	itemCtx, cancelItems := context.WithCancel(context.Background())

	return &Pool[Item, Result]{
		p:           p,
		options:     options,
		logger:      logger,
		items:       make(chan *Item),
		done:        make(chan struct{}),
		itemCtx:     itemCtx,
		cancelItems: cancelItems,
	}
}

// Start launches the pollers and the dispatcher. Pollers stop once ctx is canceled.
func (w *Pool[Item, Result]) Start(ctx context.Context) error {
	for range w.options.Pollers {
		w.pollers.Go(func() error {
			w.poller(ctx)
			return nil
		})
	}

	go w.dispatch()

	return nil
}

// WaitForCompletion blocks until the pollers stopped and every dispatched item finished. Items still
// running after the shutdown grace period see their context canceled.
func (w *Pool[Item, Result]) WaitForCompletion() error {
	defer w.cancelItems()

	if err := w.pollers.Wait(); err != nil {
		return err
	}

	close(w.items)

	if w.options.ShutdownGracePeriod <= 0 {
		<-w.done
		return nil
	}

	t := w.options.Clock.Timer(w.options.ShutdownGracePeriod)
	defer t.Stop()

	select {
	case <-w.done:
	case <-t.C:
		w.logger.Warn("grace period elapsed, canceling running items", "grace_period", w.options.ShutdownGracePeriod)
		w.cancelItems()
		<-w.done
	}

	return nil
}

func (w *Pool[Item, Result]) poller(ctx context.Context) {
	for {
		item, err := w.poll(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "error polling", "error", err)
			}

		case item != nil:
			// Items already fetched are always handed off, the dispatcher outlives the pollers
			w.items <- item

			if ctx.Err() != nil {
				return
			}

			continue
		}

		select {
		case <-w.options.Clock.After(w.options.PollingInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (w *Pool[Item, Result]) poll(ctx context.Context) (*Item, error) {
	ctx, cancel := context.WithTimeout(ctx, w.options.PollTimeout)
	defer cancel()

	item, err := w.p.Get(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}

	return item, err
}

func (w *Pool[Item, Result]) dispatch() {
	defer close(w.done)

	var sem *semaphore.Weighted
	if w.options.MaxParallel > 0 {
		sem = semaphore.NewWeighted(int64(w.options.MaxParallel))
	}

	var wg sync.WaitGroup

	for item := range w.items {
		if sem != nil {
			// Cannot fail, the context is never canceled
			_ = sem.Acquire(context.Background(), 1)
		}

		wg.Go(func() {
			if sem != nil {
				defer sem.Release(1)
			}

			// Items keep running after the pollers were stopped, until the grace period elapsed
			ctx := w.itemCtx
			if err := w.handle(ctx, item); err != nil {
				w.logger.ErrorContext(ctx, "error handling item", "error", err)
			}
		})
	}

	wg.Wait()
}

func (w *Pool[Item, Result]) handle(ctx context.Context, item *Item) error {
	if w.options.HeartbeatInterval > 0 {
		hbCtx, stop := context.WithCancel(ctx)
		defer stop()

		go w.heartbeat(hbCtx, item)
	}

	result, err := w.p.Execute(ctx, item)
	if err != nil {
		return fmt.Errorf("executing item: %w", err)
	}

	// Results of canceled items are still reported
	if err := w.p.Complete(context.WithoutCancel(ctx), result, item); err != nil {
		return fmt.Errorf("completing item: %w", err)
	}

	return nil
}

func (w *Pool[Item, Result]) heartbeat(ctx context.Context, item *Item) {
	t := w.options.Clock.Ticker(w.options.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-t.C:
			if err := w.p.Extend(ctx, item); err != nil {
				w.logger.ErrorContext(ctx, "could not extend lease", "error", err)
			}
		}
	}
}
