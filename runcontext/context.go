package runcontext

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-taskrun/encryption"
	"github.com/cschleiden/go-taskrun/internal/paths"
	"github.com/cschleiden/go-taskrun/log"
	"github.com/cschleiden/go-taskrun/storage"
	"github.com/cschleiden/go-taskrun/taskerrors"
	"github.com/cschleiden/go-taskrun/template"
	"github.com/google/uuid"
)

type runContext struct {
	options  *Options
	logger   *slog.Logger
	clock    clock.Clock
	renderer template.Renderer

	variables map[string]any
	plugins   map[string]any
	storage   *Storage

	workDirID string

	mu      sync.Mutex
	workDir string
	created bool
	cleaned bool
	metrics []MetricEntry
	cleanup sync.Once
}

var _ RunContext = (*runContext)(nil)

// New creates the run context of one task run attempt on top of the given storage.
func New(s storage.Storage, opts ...Option) RunContext {
	o := applyOptions(opts...)

	rc := &runContext{
		options:   o,
		clock:     o.Clock,
		renderer:  o.Renderer,
		variables: withBuiltins(o),
		workDirID: uuid.NewString(),
	}

	rc.logger = o.Logger.With(
		log.TenantIDKey, o.Flow.TenantID,
		log.FlowNamespaceKey, o.Flow.Namespace,
		log.FlowIDKey, o.Flow.ID,
		log.ExecutionIDKey, o.TaskRun.ExecutionID,
		log.TaskIDKey, o.TaskRun.TaskID,
		log.TaskRunIDKey, o.TaskRun.TaskRunID,
	)

	rc.plugins = map[string]any{}
	if o.PluginResolver != nil && o.PluginType != "" {
		rc.plugins = o.PluginResolver.Resolve(o.Flow.TenantID, o.PluginType)
	}

	rc.storage = newStorage(s, o.Flow.TenantID, o.Flow, o.TaskRun, rc)

	return rc
}

// withBuiltins adds flow, execution, and task run information to the variables unless they are
// already set.
func withBuiltins(o *Options) map[string]any {
	vars := make(map[string]any, len(o.Variables)+4)
	maps.Copy(vars, o.Variables)

	builtins := map[string]any{
		"flow": map[string]any{
			"tenantId":  o.Flow.TenantID,
			"namespace": o.Flow.Namespace,
			"id":        o.Flow.ID,
			"revision":  o.Flow.Revision,
		},
		"execution": map[string]any{
			"id": o.TaskRun.ExecutionID,
		},
		"task": map[string]any{
			"id":   o.TaskRun.TaskID,
			"type": o.PluginType,
		},
		"taskrun": map[string]any{
			"id":            o.TaskRun.TaskRunID,
			"attemptsCount": o.TaskRun.Attempt,
		},
	}

	for k, v := range builtins {
		if _, ok := vars[k]; !ok {
			vars[k] = v
		}
	}

	return vars
}

func (rc *runContext) Render(tpl string) (string, error) {
	return rc.renderer.Render(tpl, rc.variables)
}

func (rc *runContext) RenderWith(tpl string, extra map[string]any) (string, error) {
	if len(extra) == 0 {
		return rc.Render(tpl)
	}

	vars := maps.Clone(rc.variables)
	maps.Copy(vars, extra)

	return rc.renderer.Render(tpl, vars)
}

func (rc *runContext) RenderStrings(tpls []string) ([]string, error) {
	r := make([]string, 0, len(tpls))

	for _, tpl := range tpls {
		s, err := rc.Render(tpl)
		if err != nil {
			return nil, err
		}

		r = append(r, s)
	}

	return r, nil
}

func (rc *runContext) RenderMap(tpls map[string]string) (map[string]string, error) {
	keys := make([]string, 0, len(tpls))
	for k := range tpls {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := make(map[string]string, len(tpls))
	for _, k := range keys {
		s, err := rc.Render(tpls[k])
		if err != nil {
			return nil, fmt.Errorf("rendering %q: %w", k, err)
		}

		r[k] = s
	}

	return r, nil
}

func (rc *runContext) Variables() map[string]any {
	return maps.Clone(rc.variables)
}

func (rc *runContext) Storage() *Storage {
	return rc.storage
}

func (rc *runContext) Metric(entry MetricEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = rc.clock.Now()
	}

	entry.Tags = maps.Clone(entry.Tags)

	rc.mu.Lock()
	rc.metrics = append(rc.metrics, entry)
	rc.mu.Unlock()
}

func (rc *runContext) Metrics() []MetricEntry {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return append([]MetricEntry{}, rc.metrics...)
}

func (rc *runContext) PluginConfiguration(name string) (any, bool) {
	v, ok := rc.plugins[name]
	return v, ok
}

func (rc *runContext) PluginConfigurations() map[string]any {
	return maps.Clone(rc.plugins)
}

func (rc *runContext) Encrypt(plaintext string) (string, error) {
	if rc.options.Encrypter == nil {
		rc.logger.Warn("unable to encrypt a value, no encryption key is configured; the value is returned in plain text")
		return plaintext, nil
	}

	return rc.options.Encrypter.Encrypt(plaintext)
}

func (rc *runContext) Decrypt(ciphertext string) (string, error) {
	if rc.options.Encrypter == nil {
		return "", encryption.ErrNotConfigured
	}

	return rc.options.Encrypter.Decrypt(ciphertext)
}

func (rc *runContext) TenantID() string {
	return rc.options.Flow.TenantID
}

func (rc *runContext) FlowInfo() FlowInfo {
	return rc.options.Flow
}

func (rc *runContext) TaskRun() TaskRunInfo {
	return rc.options.TaskRun
}

func (rc *runContext) Logger() *slog.Logger {
	return rc.logger
}

func (rc *runContext) Version() string {
	return rc.options.Version
}

var errCleanedUp = errors.New("run context has been cleaned up")

// ioFailure wraps errors not already carrying a kind. Escapes reported by os.Root are traversals.
func ioFailure(op, p string, err error) error {
	var te *taskerrors.Error
	if errors.As(err, &te) {
		return err
	}

	if paths.IsEscape(err) {
		return taskerrors.New(taskerrors.Traversal, op, p, err)
	}

	return taskerrors.NewIOFailure(op, p, err)
}
