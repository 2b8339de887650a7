package worker

import (
	"context"
	"fmt"

	"github.com/cschleiden/go-taskrun/internal/metrickeys"
	"github.com/cschleiden/go-taskrun/internal/tracing"
	"github.com/cschleiden/go-taskrun/log"
	"github.com/cschleiden/go-taskrun/metrics"
	"github.com/cschleiden/go-taskrun/runcontext"
	"github.com/cschleiden/go-taskrun/staging"
	"github.com/cschleiden/go-taskrun/storage"
	"github.com/cschleiden/go-taskrun/task"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const TracerName = "taskrun-worker"

type attemptWorker struct {
	q       Queue
	s       storage.Storage
	options *Options
	staging *staging.Service
	tracer  trace.Tracer
	lookup  func(taskType string) (task.RunnableTask, bool)
}

func (aw *attemptWorker) Get(ctx context.Context) (*Attempt, error) {
	return aw.q.Get(ctx)
}

func (aw *attemptWorker) Extend(ctx context.Context, a *Attempt) error {
	return aw.q.Extend(ctx, a.ID)
}

func (aw *attemptWorker) Complete(ctx context.Context, r *Result, a *Attempt) error {
	if err := aw.q.Complete(ctx, r); err != nil {
		return fmt.Errorf("completing attempt %s: %w", a.ID, err)
	}

	return nil
}

// Execute runs the attempt. Task failures are reported in the result, an error is only returned
// if no result can be produced.
func (aw *attemptWorker) Execute(ctx context.Context, a *Attempt) (*Result, error) {
	ctx, span := aw.tracer.Start(ctx, "worker.attempt", trace.WithAttributes(
		attribute.String(tracing.AttemptID, a.ID),
		attribute.String(tracing.TenantID, a.Flow.TenantID),
		attribute.String(tracing.FlowNamespace, a.Flow.Namespace),
		attribute.String(tracing.FlowID, a.Flow.ID),
		attribute.String(tracing.TaskID, a.TaskRun.TaskID),
		attribute.String(tracing.TaskType, a.TaskType),
	))
	defer span.End()

	mc := aw.options.Metrics.WithTags(metrics.Tags{metrickeys.TaskType: a.TaskType})

	start := aw.options.Clock.Now()
	if !a.QueuedAt.IsZero() {
		mc.Timing(metrickeys.AttemptDelay, metrics.Tags{}, start.Sub(a.QueuedAt))
	}

	logger := aw.options.Logger.With(
		log.AttemptIDKey, a.ID,
		log.TaskTypeKey, a.TaskType,
		log.AttemptKey, a.TaskRun.Attempt,
	)

	opts := append([]runcontext.Option{}, aw.options.RunContextOptions...)
	opts = append(opts,
		runcontext.WithLogger(logger),
		runcontext.WithClock(aw.options.Clock),
		runcontext.WithFlow(a.Flow),
		runcontext.WithTaskRun(a.TaskRun),
		runcontext.WithVariables(a.Variables),
		runcontext.WithPluginType(a.TaskType),
	)

	rc := runcontext.New(aw.s, opts...)

	result := &Result{
		AttemptID: a.ID,
		StartedAt: start,
	}

	out, err := aw.run(ctx, a, rc, result)
	result.CompletedAt = aw.options.Clock.Now()
	result.Metrics = rc.Metrics()

	runcontext.Report(mc, result.Metrics, metrics.Tags{metrickeys.Tenant: a.Flow.TenantID})
	mc.Counter(metrickeys.AttemptProcessed, metrics.Tags{}, 1)

	if err != nil {
		result.State = StateFailed
		result.Error = err.Error()

		mc.Counter(metrickeys.AttemptFailed, metrics.Tags{}, 1)
		tracing.WithSpanError(span, err)
		rc.Logger().ErrorContext(ctx, "attempt failed", "error", err)

		return result, nil
	}

	result.State = StateSuccess
	result.Output = out

	rc.Logger().DebugContext(ctx, "attempt succeeded", log.DurationKey, result.CompletedAt.Sub(start).Milliseconds())

	return result, nil
}

// run stages inputs, runs the task, and uploads outputs. The run context is cleaned up once run
// returns.
func (aw *attemptWorker) run(ctx context.Context, a *Attempt, rc runcontext.RunContext, result *Result) (task.Output, error) {
	t, ok := aw.lookup(a.TaskType)
	if !ok {
		rc.Cleanup()
		return nil, fmt.Errorf("no task registered for type %q", a.TaskType)
	}

	return task.Execute(ctx, task.Func(func(ctx context.Context, rc runcontext.RunContext) (task.Output, error) {
		if _, err := aw.staging.InputFiles(ctx, rc, a.InputFiles); err != nil {
			return nil, fmt.Errorf("staging input files: %w", err)
		}

		out, err := t.Run(ctx, rc)
		if err != nil {
			return nil, err
		}

		files, err := aw.staging.OutputFiles(ctx, rc, a.OutputFiles)
		if err != nil {
			return nil, fmt.Errorf("uploading output files: %w", err)
		}

		result.OutputFiles = files

		return out, nil
	}), rc)
}
