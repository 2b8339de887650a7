package runcontext

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-taskrun/encryption"
	mi "github.com/cschleiden/go-taskrun/internal/metrics"
	"github.com/cschleiden/go-taskrun/metrics"
	"github.com/cschleiden/go-taskrun/plugin"
	"github.com/cschleiden/go-taskrun/storage/local"
	"github.com/cschleiden/go-taskrun/taskerrors"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T, opts ...Option) RunContext {
	t.Helper()

	s, err := local.New(t.TempDir())
	require.NoError(t, err)

	opts = append([]Option{
		WithTempBase(t.TempDir()),
		WithFlow(FlowInfo{TenantID: "acme", Namespace: "company.team", ID: "hello", Revision: 2}),
		WithTaskRun(TaskRunInfo{ExecutionID: "exec", TaskID: "task", TaskRunID: "run", Attempt: 1}),
	}, opts...)

	rc := New(s, opts...)
	t.Cleanup(rc.Cleanup)

	return rc
}

func Test_RunContext_Render(t *testing.T) {
	rc := newTestContext(t, WithVariables(map[string]any{"name": "world"}))

	s, err := rc.Render("hello ${name} from ${flow.namespace}.${flow.id}")
	require.NoError(t, err)
	require.Equal(t, "hello world from company.team.hello", s)

	s, err = rc.RenderWith("hello ${name}", map[string]any{"name": "there"})
	require.NoError(t, err)
	require.Equal(t, "hello there", s)

	_, err = rc.Render("${missing}")
	require.ErrorIs(t, err, taskerrors.ErrVariableResolution)

	l, err := rc.RenderStrings([]string{"${name}", "${execution.id}"})
	require.NoError(t, err)
	require.Equal(t, []string{"world", "exec"}, l)

	m, err := rc.RenderMap(map[string]string{"a": "${task.id}"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "task"}, m)

	_, err = rc.RenderMap(map[string]string{"a": "${nope}"})
	require.ErrorIs(t, err, taskerrors.ErrVariableResolution)
}

func Test_RunContext_VariablesAreCopied(t *testing.T) {
	rc := newTestContext(t, WithVariables(map[string]any{"name": "world"}))

	v := rc.Variables()
	v["name"] = "changed"

	require.Equal(t, "world", rc.Variables()["name"])
}

func Test_RunContext_WorkingDirectory(t *testing.T) {
	rc := newTestContext(t)

	wd, err := rc.WorkingDirectory(false)
	require.NoError(t, err)
	require.NoDirExists(t, wd)

	wd2, err := rc.WorkingDirectory(true)
	require.NoError(t, err)
	require.Equal(t, wd, wd2)
	require.DirExists(t, wd)

	other := newTestContext(t)
	owd, err := other.WorkingDirectory(true)
	require.NoError(t, err)
	require.NotEqual(t, wd, owd)
}

func Test_RunContext_WorkingDirectory_CanonicalTempBase(t *testing.T) {
	real := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(real, link))

	rc := newTestContext(t, WithTempBase(link))

	wd, err := rc.WorkingDirectory(true)
	require.NoError(t, err)

	canonicalReal, err := filepath.EvalSymlinks(real)
	require.NoError(t, err)
	require.Equal(t, canonicalReal, filepath.Dir(wd))
}

func Test_RunContext_Resolve(t *testing.T) {
	rc := newTestContext(t)

	wd, err := rc.WorkingDirectory(true)
	require.NoError(t, err)

	p, err := rc.Resolve("a/b.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(wd, "a", "b.txt"), p)

	p, err = rc.Resolve("")
	require.NoError(t, err)
	require.Equal(t, wd, p)

	p, err = rc.Resolve(filepath.Join(wd, "abs.txt"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(wd, "abs.txt"), p)

	for _, rel := range []string{"../x", "a/../../x", "..", `a\..\x`} {
		_, err := rc.Resolve(rel)
		require.ErrorIs(t, err, taskerrors.ErrTraversal, rel)
	}

	_, err = rc.Resolve(t.TempDir())
	require.ErrorIs(t, err, taskerrors.ErrTraversal)
}

func Test_RunContext_Resolve_SymlinkEscape(t *testing.T) {
	rc := newTestContext(t)
	outside := t.TempDir()

	wd, err := rc.WorkingDirectory(true)
	require.NoError(t, err)

	require.NoError(t, os.Symlink(outside, filepath.Join(wd, "escape")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "missing"), filepath.Join(wd, "dangling")))

	_, err = rc.Resolve("escape/secret.txt")
	require.ErrorIs(t, err, taskerrors.ErrTraversal)

	_, err = rc.Resolve("dangling")
	require.ErrorIs(t, err, taskerrors.ErrTraversal)

	_, err = rc.NamedFile("escape/new.txt", []byte("x"))
	require.ErrorIs(t, err, taskerrors.ErrTraversal)
	require.NoFileExists(t, filepath.Join(outside, "new.txt"))

	// Links staying inside the working directory are fine
	require.NoError(t, os.Mkdir(filepath.Join(wd, "inner"), 0o700))
	require.NoError(t, os.Symlink(filepath.Join(wd, "inner"), filepath.Join(wd, "alias")))

	p, err := rc.Resolve("alias/file.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(wd, "inner", "file.txt"), p)
}

func Test_RunContext_Files(t *testing.T) {
	rc := newTestContext(t)

	p, err := rc.CreateTempFile([]byte("content"), ".csv")
	require.NoError(t, err)
	require.Equal(t, ".csv", rc.FileExtension(p))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "content", string(b))

	p2, err := rc.CreateTempFile(nil, "")
	require.NoError(t, err)
	require.NotEqual(t, p, p2)
	require.FileExists(t, p2)

	_, err = rc.CreateTempFile(nil, "/x.csv")
	require.ErrorIs(t, err, taskerrors.ErrInvalidArgument)

	p, err = rc.NamedFile("sub/dir/named.txt", []byte("first"))
	require.NoError(t, err)
	_, err = rc.NamedFile("sub/dir/named.txt", []byte("second"))
	require.NoError(t, err)
	b, err = os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "second", string(b))

	_, err = rc.NamedFile("../named.txt", nil)
	require.ErrorIs(t, err, taskerrors.ErrTraversal)
}

func Test_RunContext_FileExtension(t *testing.T) {
	rc := newTestContext(t)

	require.Equal(t, ".gz", rc.FileExtension("archive.tar.gz"))
	require.Equal(t, "", rc.FileExtension("README"))
	require.Equal(t, "", rc.FileExtension("dir.d/file"))
}

func Test_RunContext_Cleanup(t *testing.T) {
	rc := newTestContext(t)

	wd, err := rc.WorkingDirectory(true)
	require.NoError(t, err)
	_, err = rc.NamedFile("a/b.txt", []byte("x"))
	require.NoError(t, err)

	rc.Cleanup()
	require.NoDirExists(t, wd)

	rc.Cleanup()
	require.NoDirExists(t, wd)

	_, err = rc.WorkingDirectory(true)
	require.ErrorIs(t, err, taskerrors.ErrIOFailure)
	require.NoDirExists(t, wd)
}

func Test_RunContext_Cleanup_WithoutWorkingDirectory(t *testing.T) {
	rc := newTestContext(t)

	rc.Cleanup()
}

func Test_RunContext_Storage(t *testing.T) {
	ctx := context.Background()
	rc := newTestContext(t)

	require.Equal(t, "/company/team/hello/executions/exec/tasks/task/run", rc.Storage().OutputPrefix())

	_, err := rc.NamedFile("out/result.csv", []byte("a,b"))
	require.NoError(t, err)

	uri, err := rc.Storage().PutFile(ctx, "out/result.csv")
	require.NoError(t, err)
	require.Equal(t, "kestra:///company/team/hello/executions/exec/tasks/task/run/out/result.csv", uri)

	r, err := rc.Storage().Get(ctx, uri)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "a,b", string(b))

	_, err = rc.Storage().PutFile(ctx, "missing.csv")
	require.ErrorIs(t, err, taskerrors.ErrNotFound)

	_, err = rc.Storage().PutFile(ctx, "../x.csv")
	require.ErrorIs(t, err, taskerrors.ErrTraversal)
}

func Test_RunContext_Metrics(t *testing.T) {
	c := clock.NewMock()
	c.Set(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

	rc := newTestContext(t, WithClock(c))

	tags := map[string]string{"kind": "rows"}
	rc.Metric(Counter("records", 12, tags))
	rc.Metric(Timer("duration", 1500*time.Millisecond, nil))
	tags["kind"] = "changed"

	m := rc.Metrics()
	require.Len(t, m, 2)
	require.Equal(t, MetricTypeCounter, m[0].Type)
	require.Equal(t, float64(12), m[0].Value)
	require.Equal(t, "rows", m[0].Tags["kind"])
	require.Equal(t, c.Now(), m[0].Timestamp)
	require.Equal(t, 1500*time.Millisecond, m[1].Duration())

	m[0].Name = "changed"
	require.Equal(t, "records", rc.Metrics()[0].Name)
}

func Test_Report_KeepsFractionalValues(t *testing.T) {
	mc := mi.NewRecorder()

	Report(mc, []MetricEntry{
		Counter("rows.ratio", 0.4, nil),
		Counter("rows.ratio", 0.4, map[string]string{"step": "b"}),
		Timer("duration", 250*time.Millisecond, nil),
	}, metrics.Tags{"tenant": "acme"})

	require.InDelta(t, 0.8, mc.Sum("rows.ratio"), 1e-9)

	ratios := mc.Samples("rows.ratio")
	require.Equal(t, mi.KindCounter, ratios[0].Kind)
	require.Equal(t, metrics.Tags{"tenant": "acme", "step": "b"}, ratios[1].Tags)

	d := mc.Samples("duration")
	require.Len(t, d, 1)
	require.Equal(t, mi.KindTiming, d[0].Kind)
	require.Equal(t, 0.25, d[0].Value)
}

func Test_RunContext_PluginConfiguration(t *testing.T) {
	r, err := plugin.NewResolver([]plugin.Configuration{
		{Values: map[string]any{"retries": 1}},
		{Type: "io.kestra.plugin.scripts", Values: map[string]any{"image": "ubuntu"}},
		{Type: "io.kestra.plugin.scripts", Tenant: "acme", Values: map[string]any{"image": "acme"}},
	}, 10)
	require.NoError(t, err)

	rc := newTestContext(t, WithPluginResolver(r), WithPluginType("io.kestra.plugin.scripts.Shell"))

	v, ok := rc.PluginConfiguration("image")
	require.True(t, ok)
	require.Equal(t, "acme", v)

	_, ok = rc.PluginConfiguration("missing")
	require.False(t, ok)

	all := rc.PluginConfigurations()
	require.Equal(t, map[string]any{"retries": 1, "image": "acme"}, all)

	all["image"] = "changed"
	v, _ = rc.PluginConfiguration("image")
	require.Equal(t, "acme", v)
}

func Test_RunContext_Encryption(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	rc := newTestContext(t, WithLogger(logger))

	s, err := rc.Encrypt("secret")
	require.NoError(t, err)
	require.Equal(t, "secret", s)
	require.Contains(t, buf.String(), "no encryption key")

	_, err = rc.Decrypt("secret")
	require.ErrorIs(t, err, encryption.ErrNotConfigured)

	e, err := encryption.NewAESGCM([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	rc = newTestContext(t, WithEncrypter(e))

	c, err := rc.Encrypt("secret")
	require.NoError(t, err)
	require.NotEqual(t, "secret", c)

	p, err := rc.Decrypt(c)
	require.NoError(t, err)
	require.Equal(t, "secret", p)
}

func Test_RunContext_Info(t *testing.T) {
	rc := newTestContext(t, WithVersion("1.2.3"))

	require.Equal(t, "acme", rc.TenantID())
	require.Equal(t, "hello", rc.FlowInfo().ID)
	require.Equal(t, "run", rc.TaskRun().TaskRunID)
	require.Equal(t, "1.2.3", rc.Version())
	require.NotNil(t, rc.Logger())

	require.Equal(t, DefaultVersion, newTestContext(t).Version())
}
