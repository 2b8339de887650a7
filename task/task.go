// Package task defines the contract between task implementations and the runtime executing them.
package task

import (
	"context"
	"fmt"

	"github.com/cschleiden/go-taskrun/log"
	"github.com/cschleiden/go-taskrun/runcontext"
	"github.com/cschleiden/go-taskrun/taskerrors"
)

// Output is the result of a task run, e.g. output file URIs keyed by name.
type Output map[string]any

type RunnableTask interface {
	Run(ctx context.Context, rc runcontext.RunContext) (Output, error)
}

// Func adapts a function to RunnableTask.
type Func func(ctx context.Context, rc runcontext.RunContext) (Output, error)

func (f Func) Run(ctx context.Context, rc runcontext.RunContext) (Output, error) {
	return f(ctx, rc)
}

// Execute runs t and releases rc afterwards, whether the task succeeds, fails, or panics. Panics
// are returned as *taskerrors.PanicError.
func Execute(ctx context.Context, t RunnableTask, rc runcontext.RunContext) (out Output, err error) {
	defer rc.Cleanup()

	defer func() {
		if r := recover(); r != nil {
			perr := taskerrors.NewPanicError(r)
			rc.Logger().ErrorContext(ctx, "task panicked", "error", perr, "stacktrace", perr.Stacktrace())

			out = nil
			err = perr
		}
	}()

	out, err = t.Run(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("running task %s: %w", rc.TaskRun().TaskID, err)
	}

	rc.Logger().DebugContext(ctx, "task completed", log.CountKey, len(out))

	return out, nil
}
