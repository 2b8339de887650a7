package task

import (
	"context"
	"errors"
	"testing"

	"github.com/cschleiden/go-taskrun/runcontext"
	"github.com/cschleiden/go-taskrun/storage/local"
	"github.com/cschleiden/go-taskrun/taskerrors"
	"github.com/stretchr/testify/require"
)

func newRunContext(t *testing.T) runcontext.RunContext {
	s, err := local.New(t.TempDir())
	require.NoError(t, err)

	return runcontext.New(s, runcontext.WithTempBase(t.TempDir()), runcontext.WithTaskRun(runcontext.TaskRunInfo{TaskID: "t"}))
}

func Test_Execute(t *testing.T) {
	tests := []struct {
		name string
		task Func
		f    func(t *testing.T, out Output, err error)
	}{
		{
			name: "success",
			task: func(ctx context.Context, rc runcontext.RunContext) (Output, error) {
				_, err := rc.NamedFile("a.txt", []byte("x"))
				return Output{"value": 42}, err
			},
			f: func(t *testing.T, out Output, err error) {
				require.NoError(t, err)
				require.Equal(t, Output{"value": 42}, out)
			},
		},
		{
			name: "error",
			task: func(ctx context.Context, rc runcontext.RunContext) (Output, error) {
				_, err := rc.NamedFile("a.txt", []byte("x"))
				require.NoError(t, err)

				_, err = rc.Resolve("../x")
				return nil, err
			},
			f: func(t *testing.T, out Output, err error) {
				require.ErrorIs(t, err, taskerrors.ErrTraversal)
				require.Nil(t, out)
			},
		},
		{
			name: "panic",
			task: func(ctx context.Context, rc runcontext.RunContext) (Output, error) {
				_, err := rc.NamedFile("a.txt", []byte("x"))
				require.NoError(t, err)

				panic("boom")
			},
			f: func(t *testing.T, out Output, err error) {
				var perr *taskerrors.PanicError
				require.True(t, errors.As(err, &perr))
				require.Equal(t, "panic: boom", perr.Error())
				require.NotEmpty(t, perr.Stacktrace())
				require.Nil(t, out)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := newRunContext(t)

			wd, err := rc.WorkingDirectory(true)
			require.NoError(t, err)

			out, err := Execute(context.Background(), tt.task, rc)
			tt.f(t, out, err)

			require.NoDirExists(t, wd)
			_, err = rc.WorkingDirectory(false)
			require.Error(t, err, "context must be cleaned up")
		})
	}
}
