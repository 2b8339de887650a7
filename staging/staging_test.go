package staging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cschleiden/go-taskrun/runcontext"
	"github.com/cschleiden/go-taskrun/storage/local"
	"github.com/cschleiden/go-taskrun/taskerrors"
	"github.com/stretchr/testify/require"
)

func newRunContext(t *testing.T, vars map[string]any) (runcontext.RunContext, *local.LocalStorage) {
	t.Helper()

	s, err := local.New(t.TempDir())
	require.NoError(t, err)

	rc := runcontext.New(s,
		runcontext.WithTempBase(t.TempDir()),
		runcontext.WithVariables(vars),
		runcontext.WithFlow(runcontext.FlowInfo{TenantID: "acme", Namespace: "company.team", ID: "flow"}),
		runcontext.WithTaskRun(runcontext.TaskRunInfo{ExecutionID: "e1", TaskID: "t1", TaskRunID: "r1"}),
	)
	t.Cleanup(rc.Cleanup)

	return rc, s
}

func readFile(t *testing.T, p string) string {
	t.Helper()

	b, err := os.ReadFile(p)
	require.NoError(t, err)

	return string(b)
}

func Test_InputFiles_Shapes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		inputs   any
		returned map[string]string
		written  map[string]string
	}{
		{
			name:     "nil",
			inputs:   nil,
			returned: map[string]string{},
			written:  map[string]string{},
		},
		{
			name:     "string map",
			inputs:   map[string]string{"a.txt": "hello ${name}"},
			returned: map[string]string{"a.txt": "hello ${name}"},
			written:  map[string]string{"a.txt": "hello world"},
		},
		{
			name:     "any map",
			inputs:   map[string]any{"a.txt": "${name}", "b.json": map[string]any{"k": 1}},
			returned: map[string]string{"a.txt": "${name}", "b.json": `{"k":1}`},
			written:  map[string]string{"a.txt": "world", "b.json": `{"k":1}`},
		},
		{
			name:     "json",
			inputs:   `{"a.txt": "$${name}", "dir/b.txt": "b"}`,
			returned: map[string]string{"a.txt": "${name}", "dir/b.txt": "b"},
			written:  map[string]string{"a.txt": "world", "dir/b.txt": "b"},
		},
		{
			name:     "yaml",
			inputs:   "a.txt: x\nb.txt: y\n",
			returned: map[string]string{"a.txt": "x", "b.txt": "y"},
			written:  map[string]string{"a.txt": "x", "b.txt": "y"},
		},
		{
			name:     "empty string",
			inputs:   "  ",
			returned: map[string]string{},
			written:  map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, _ := newRunContext(t, map[string]any{"name": "world"})

			files, err := New().InputFiles(ctx, rc, tt.inputs)
			require.NoError(t, err)
			require.Equal(t, tt.returned, files)

			for name, content := range tt.written {
				p, err := rc.Resolve(name)
				require.NoError(t, err)
				require.Equal(t, content, readFile(t, p))
			}
		})
	}
}

func Test_InputFiles_FromStorage(t *testing.T) {
	ctx := context.Background()
	rc, s := newRunContext(t, nil)

	data := `{"id": 1, "values": [1, 2, 3]}` + "\n"
	_, err := s.Put(ctx, "acme", "kestra:///in/data.json", strings.NewReader(data))
	require.NoError(t, err)

	files, err := New().InputFiles(ctx, rc, map[string]string{"data.json": "kestra:///in/data.json"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"data.json": "kestra:///in/data.json"}, files)

	p, err := rc.Resolve("data.json")
	require.NoError(t, err)
	require.Equal(t, data, readFile(t, p))
}

func Test_InputFiles_Errors(t *testing.T) {
	ctx := context.Background()

	rc, _ := newRunContext(t, nil)
	_, err := New().InputFiles(ctx, rc, map[string]string{"../evil.txt": "x"})
	require.ErrorIs(t, err, taskerrors.ErrTraversal)
	require.Contains(t, err.Error(), "../evil.txt")

	rc, _ = newRunContext(t, nil)
	_, err = New().InputFiles(ctx, rc, map[string]string{"a.txt": "${missing}"})
	require.ErrorIs(t, err, taskerrors.ErrVariableResolution)

	rc, _ = newRunContext(t, nil)
	_, err = New().InputFiles(ctx, rc, map[string]string{"dir/a.txt": "kestra:///does/not/exist"})
	require.ErrorIs(t, err, taskerrors.ErrNotFound)

	// A failed copy leaves nothing behind
	wd, err := rc.WorkingDirectory(false)
	require.NoError(t, err)
	require.NoFileExists(t, filepath.Join(wd, "dir", "a.txt"))
	require.NoDirExists(t, filepath.Join(wd, "dir"))

	rc, _ = newRunContext(t, nil)
	_, err = New().InputFiles(ctx, rc, 42)
	require.ErrorIs(t, err, taskerrors.ErrInvalidArgument)

	rc, _ = newRunContext(t, nil)
	_, err = New().InputFiles(ctx, rc, "just text")
	require.ErrorIs(t, err, taskerrors.ErrInvalidArgument)
}

func Test_InputFiles_FailFastInNameOrder(t *testing.T) {
	ctx := context.Background()
	rc, _ := newRunContext(t, nil)

	_, err := New().InputFiles(ctx, rc, map[string]string{
		"a.txt": "ok",
		"b.txt": "${missing}",
		"c.txt": "never written",
	})
	require.Error(t, err)

	wd, err := rc.WorkingDirectory(false)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(wd, "a.txt"))
	require.NoFileExists(t, filepath.Join(wd, "c.txt"))
}

func writeOutputs(t *testing.T, rc runcontext.RunContext) {
	t.Helper()

	for _, name := range []string{"out.csv", "sub/in.csv", "notes.txt"} {
		_, err := rc.NamedFile(name, []byte(name))
		require.NoError(t, err)
	}
}

func Test_OutputFiles_SingleStarDoesNotCrossDirectories(t *testing.T) {
	ctx := context.Background()
	rc, _ := newRunContext(t, nil)
	writeOutputs(t, rc)

	outputs, err := New().OutputFiles(ctx, rc, []string{"*.csv"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"out.csv": "kestra:///company/team/flow/executions/e1/tasks/t1/r1/out.csv",
	}, outputs)
}

func Test_OutputFiles_DoubleStarIsRecursive(t *testing.T) {
	ctx := context.Background()
	rc, _ := newRunContext(t, nil)
	writeOutputs(t, rc)

	outputs, err := New().OutputFiles(ctx, rc, []string{"**/*.csv"})
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	require.Contains(t, outputs, "out.csv")
	require.Contains(t, outputs, "sub/in.csv")

	r, err := rc.Storage().Get(ctx, outputs["sub/in.csv"])
	require.NoError(t, err)
	defer r.Close()

	b, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "sub/in.csv", string(b))
}

func Test_OutputFiles_RenderedPatternsAndNoMatches(t *testing.T) {
	ctx := context.Background()
	rc, _ := newRunContext(t, map[string]any{"ext": "txt"})
	writeOutputs(t, rc)

	outputs, err := New().OutputFiles(ctx, rc, []string{"*.${ext}", "./*.csv"})
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	require.Contains(t, outputs, "notes.txt")
	require.Contains(t, outputs, "out.csv")

	outputs, err = New().OutputFiles(ctx, rc, []string{"*.parquet"})
	require.NoError(t, err)
	require.Empty(t, outputs)

	outputs, err = New().OutputFiles(ctx, rc, nil)
	require.NoError(t, err)
	require.Empty(t, outputs)

	_, err = New().OutputFiles(ctx, rc, []string{"[invalid"})
	require.ErrorIs(t, err, taskerrors.ErrInvalidArgument)
}

func Test_OutputFiles_IgnoresSymlinks(t *testing.T) {
	ctx := context.Background()
	rc, _ := newRunContext(t, nil)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.csv"), []byte("secret"), 0o644))

	wd, err := rc.WorkingDirectory(true)
	require.NoError(t, err)
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.csv"), filepath.Join(wd, "link.csv")))

	outputs, err := New().OutputFiles(ctx, rc, []string{"*.csv"})
	require.NoError(t, err)
	require.Empty(t, outputs)
}
