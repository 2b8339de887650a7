// Package worker executes task run attempts pulled from a queue. Every attempt gets its own run
// context: inputs are staged, the task runs, outputs are uploaded, and the working directory is
// removed afterwards.
package worker

import (
	"context"
	"fmt"
	"sync"

	internal "github.com/cschleiden/go-taskrun/internal/worker"
	"github.com/cschleiden/go-taskrun/staging"
	"github.com/cschleiden/go-taskrun/storage"
	"github.com/cschleiden/go-taskrun/task"
)

type Worker struct {
	w *internal.Pool[Attempt, Result]

	mu    sync.RWMutex
	tasks map[string]task.RunnableTask
}

// New creates a worker processing attempts from q with run contexts backed by s.
func New(q Queue, s storage.Storage, options *Options) *Worker {
	options = applyDefaults(options)

	w := &Worker{
		tasks: map[string]task.RunnableTask{},
	}

	aw := &attemptWorker{
		q:       q,
		s:       s,
		options: options,
		staging: staging.New(staging.WithLogger(options.Logger), staging.WithMetrics(options.Metrics)),
		tracer:  options.TracerProvider.Tracer(TracerName),
		lookup:  w.lookup,
	}

	w.w = internal.New[Attempt, Result](options.Logger, aw, internal.Options{
		Pollers:             options.Pollers,
		MaxParallel:         options.MaxParallelTasks,
		PollingInterval:     options.PollingInterval,
		HeartbeatInterval:   options.HeartbeatInterval,
		ShutdownGracePeriod: options.ShutdownGracePeriod,
		Clock:               options.Clock,
	})

	return w
}

// Register makes t available for attempts of the given task type.
func (w *Worker) Register(taskType string, t task.RunnableTask) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.tasks[taskType]; ok {
		return fmt.Errorf("task type %q already registered", taskType)
	}

	w.tasks[taskType] = t

	return nil
}

func (w *Worker) lookup(taskType string) (task.RunnableTask, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	t, ok := w.tasks[taskType]
	return t, ok
}

// Start starts the worker.
//
// To stop the worker, cancel the context passed to Start. To wait for completion of the active
// attempts, call `WaitForCompletion`.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.w.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	return nil
}

// WaitForCompletion waits for all active attempts to complete. Attempts still running after the
// shutdown grace period see their context canceled.
func (w *Worker) WaitForCompletion() error {
	if err := w.w.WaitForCompletion(); err != nil {
		return fmt.Errorf("waiting for worker completion: %w", err)
	}

	return nil
}
