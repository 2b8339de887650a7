package worker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-taskrun/runcontext"
	"github.com/cschleiden/go-taskrun/task"
	"github.com/oklog/ulid/v2"
)

// Attempt is a single execution attempt of a task run.
type Attempt struct {
	ID string

	Flow    runcontext.FlowInfo
	TaskRun runcontext.TaskRunInfo

	// TaskType selects the registered task implementation
	TaskType string

	Variables map[string]any

	// InputFiles are staged into the working directory before the task runs, see
	// staging.Service.InputFiles for the accepted shapes.
	InputFiles any

	// OutputFiles are glob patterns of files uploaded after the task ran successfully
	OutputFiles []string

	QueuedAt time.Time
}

type State string

const (
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
)

type Result struct {
	AttemptID string

	State State

	Output task.Output

	// OutputFiles maps working directory relative paths to storage URIs
	OutputFiles map[string]string

	Error string

	Metrics []runcontext.MetricEntry

	StartedAt   time.Time
	CompletedAt time.Time
}

// Queue is the source of attempts and the sink for their results.
type Queue interface {
	// Get returns the next attempt, blocking until one is available or ctx is done.
	Get(ctx context.Context) (*Attempt, error)

	// Extend signals that the attempt is still being worked on.
	Extend(ctx context.Context, attemptID string) error

	Complete(ctx context.Context, result *Result) error
}

var ErrAttemptNotFound = errors.New("attempt not found")

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	clock    clock.Clock
	attempts chan *Attempt

	mu         sync.Mutex
	inProgress map[string]time.Time
	results    map[string]*Result
	waiters    map[string][]chan *Result
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding up to size pending attempts.
func NewMemoryQueue(size int, c clock.Clock) *MemoryQueue {
	if c == nil {
		c = clock.New()
	}

	return &MemoryQueue{
		clock:      c,
		attempts:   make(chan *Attempt, size),
		inProgress: map[string]time.Time{},
		results:    map[string]*Result{},
		waiters:    map[string][]chan *Result{},
	}
}

// Enqueue adds an attempt and returns its id. It blocks while the queue is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, a Attempt) (string, error) {
	now := q.clock.Now()

	a.ID = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	a.QueuedAt = now
	a.Variables = maps.Clone(a.Variables)

	select {
	case q.attempts <- &a:
		return a.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *MemoryQueue) Get(ctx context.Context) (*Attempt, error) {
	select {
	case a := <-q.attempts:
		q.mu.Lock()
		q.inProgress[a.ID] = q.clock.Now()
		q.mu.Unlock()

		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Extend(ctx context.Context, attemptID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inProgress[attemptID]; !ok {
		return fmt.Errorf("extending attempt %s: %w", attemptID, ErrAttemptNotFound)
	}

	q.inProgress[attemptID] = q.clock.Now()

	return nil
}

func (q *MemoryQueue) Complete(ctx context.Context, result *Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inProgress[result.AttemptID]; !ok {
		return fmt.Errorf("completing attempt %s: %w", result.AttemptID, ErrAttemptNotFound)
	}

	delete(q.inProgress, result.AttemptID)
	q.results[result.AttemptID] = result

	for _, w := range q.waiters[result.AttemptID] {
		w <- result
	}
	delete(q.waiters, result.AttemptID)

	return nil
}

// LastHeartbeat returns when an in-progress attempt was last picked up or extended.
func (q *MemoryQueue) LastHeartbeat(attemptID string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.inProgress[attemptID]
	return t, ok
}

// WaitForResult blocks until the attempt completed or ctx is done.
func (q *MemoryQueue) WaitForResult(ctx context.Context, attemptID string) (*Result, error) {
	q.mu.Lock()
	if r, ok := q.results[attemptID]; ok {
		q.mu.Unlock()
		return r, nil
	}

	ch := make(chan *Result, 1)
	q.waiters[attemptID] = append(q.waiters[attemptID], ch)
	q.mu.Unlock()

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
