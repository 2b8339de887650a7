package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type item struct {
	ID int
}

type result struct {
	Output string
}

type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) Get(ctx context.Context) (*item, error) {
	args := m.Called(ctx)
	if rf, ok := args.Get(0).(func(context.Context) (*item, error)); ok {
		return rf(ctx)
	}

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*item), args.Error(1)
}

func (m *mockProcessor) Extend(ctx context.Context, i *item) error {
	return m.Called(ctx, i).Error(0)
}

func (m *mockProcessor) Execute(ctx context.Context, i *item) (*result, error) {
	args := m.Called(ctx, i)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*result), args.Error(1)
}

func (m *mockProcessor) Complete(ctx context.Context, r *result, i *item) error {
	return m.Called(ctx, r, i).Error(0)
}

func Test_New_Defaults(t *testing.T) {
	p := New[item, result](nil, &mockProcessor{}, Options{})

	require.Equal(t, 1, p.options.Pollers)
	require.Equal(t, 200*time.Millisecond, p.options.PollingInterval)
	require.Equal(t, 30*time.Second, p.options.PollTimeout)
	require.NotNil(t, p.options.Clock)
	require.NotNil(t, p.logger)
}

func Test_Poll(t *testing.T) {
	tests := []struct {
		name    string
		get     []any
		want    *item
		wantErr bool
	}{
		{"item", []any{&item{ID: 1}, nil}, &item{ID: 1}, false},
		{"deadline is not an error", []any{nil, context.DeadlineExceeded}, nil, false},
		{"error", []any{nil, errors.New("get error")}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockProcessor{}
			m.On("Get", mock.Anything).Return(tt.get...)

			p := New[item, result](nil, m, Options{})

			got, err := p.poll(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func Test_Handle(t *testing.T) {
	t.Run("completes result", func(t *testing.T) {
		m := &mockProcessor{}
		p := New[item, result](nil, m, Options{})

		i := &item{ID: 1}
		r := &result{Output: "done"}

		m.On("Execute", mock.Anything, i).Return(r, nil)
		m.On("Complete", mock.Anything, r, i).Return(nil)

		require.NoError(t, p.handle(context.Background(), i))

		m.AssertExpectations(t)
		m.AssertNotCalled(t, "Extend", mock.Anything, mock.Anything)
	})

	t.Run("execute error skips complete", func(t *testing.T) {
		m := &mockProcessor{}
		p := New[item, result](nil, m, Options{})

		i := &item{ID: 1}
		m.On("Execute", mock.Anything, i).Return(nil, errors.New("boom"))

		require.ErrorContains(t, p.handle(context.Background(), i), "executing item")
		m.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("complete error", func(t *testing.T) {
		m := &mockProcessor{}
		p := New[item, result](nil, m, Options{})

		i := &item{ID: 1}
		r := &result{}
		m.On("Execute", mock.Anything, i).Return(r, nil)
		m.On("Complete", mock.Anything, r, i).Return(errors.New("nope"))

		require.ErrorContains(t, p.handle(context.Background(), i), "completing item")
	})

	t.Run("extends lease while executing", func(t *testing.T) {
		c := clock.NewMock()

		m := &mockProcessor{}
		p := New[item, result](nil, m, Options{HeartbeatInterval: time.Second, Clock: c})

		i := &item{ID: 1}
		r := &result{}

		extended := make(chan struct{}, 1)
		m.On("Extend", mock.Anything, i).Run(func(mock.Arguments) {
			select {
			case extended <- struct{}{}:
			default:
			}
		}).Return(nil)

		m.On("Execute", mock.Anything, i).Run(func(mock.Arguments) {
			// Advance until the heartbeat goroutine registered its ticker and fired
			require.Eventually(t, func() bool {
				c.Add(time.Second)
				return len(extended) > 0
			}, time.Second, time.Millisecond)
		}).Return(r, nil)
		m.On("Complete", mock.Anything, r, i).Return(nil)

		require.NoError(t, p.handle(context.Background(), i))
		m.AssertCalled(t, "Extend", mock.Anything, i)
	})
}

func Test_StartAndStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := &mockProcessor{}
	p := New[item, result](nil, m, Options{
		Pollers:         2,
		MaxParallel:     1,
		PollingInterval: time.Millisecond,
		PollTimeout:     10 * time.Millisecond,
	})

	items := make(chan *item, 3)
	for i := range 3 {
		items <- &item{ID: i}
	}

	m.On("Get", mock.Anything).Return(func(ctx context.Context) (*item, error) {
		select {
		case i := <-items:
			return i, nil
		default:
			return nil, nil
		}
	})

	var running, maxRunning, completed atomic.Int32
	m.On("Execute", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}

		time.Sleep(time.Millisecond)
		running.Add(-1)
	}).Return(&result{}, nil)
	m.On("Complete", mock.Anything, mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		completed.Add(1)
	}).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, p.Start(ctx))

	require.Eventually(t, func() bool {
		return completed.Load() == 3
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, p.WaitForCompletion())
	require.Equal(t, int32(1), maxRunning.Load())
}

func Test_WaitForCompletion_CancelsItemsAfterGracePeriod(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name         string
		gracePeriod  time.Duration
		finishEarly  bool
		wantCanceled bool
	}{
		{"item finishing within grace period", time.Minute, true, false},
		{"item outliving grace period", time.Minute, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clock.NewMock()

			m := &mockProcessor{}
			p := New[item, result](nil, m, Options{
				PollingInterval:     time.Second,
				ShutdownGracePeriod: tt.gracePeriod,
				Clock:               c,
			})

			var fetched atomic.Bool
			m.On("Get", mock.Anything).Return(func(ctx context.Context) (*item, error) {
				if fetched.CompareAndSwap(false, true) {
					return &item{ID: 1}, nil
				}

				return nil, nil
			})

			started := make(chan struct{})
			finish := make(chan struct{})
			var itemErr atomic.Value
			m.On("Execute", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
				ctx := args.Get(0).(context.Context)
				close(started)

				select {
				case <-ctx.Done():
					itemErr.Store(ctx.Err())
				case <-finish:
				}
			}).Return(&result{}, nil)

			var completeCtxErr atomic.Value
			m.On("Complete", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
				if err := args.Get(0).(context.Context).Err(); err != nil {
					completeCtxErr.Store(err)
				}
			}).Return(nil)

			ctx, cancel := context.WithCancel(context.Background())
			require.NoError(t, p.Start(ctx))

			<-started
			cancel()

			waitErr := make(chan error, 1)
			go func() {
				waitErr <- p.WaitForCompletion()
			}()

			if tt.finishEarly {
				close(finish)
			} else {
				// Advance until the grace period timer was registered and fired
				require.Eventually(t, func() bool {
					c.Add(tt.gracePeriod)
					return itemErr.Load() != nil
				}, time.Second, time.Millisecond)
			}

			require.NoError(t, <-waitErr)

			if tt.wantCanceled {
				require.ErrorIs(t, itemErr.Load().(error), context.Canceled)
			} else {
				require.Nil(t, itemErr.Load())
			}

			require.Nil(t, completeCtxErr.Load())
			m.AssertNumberOfCalls(t, "Complete", 1)
		})
	}
}
