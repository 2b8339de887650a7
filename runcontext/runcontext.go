// Package runcontext provides the execution context every task runs inside: variables and
// template rendering, a private working directory, tenant-scoped storage, metrics, plugin
// configuration, and secret encryption.
package runcontext

import (
	"log/slog"
)

// FlowInfo identifies the flow a task run belongs to.
type FlowInfo struct {
	TenantID  string
	Namespace string
	ID        string
	Revision  int
}

// TaskRunInfo identifies a single task run attempt.
type TaskRunInfo struct {
	ExecutionID string
	TaskID      string
	TaskRunID   string
	Attempt     int
}

// RunContext is handed to a task for the duration of one attempt. It must not be shared between
// concurrent task runs.
type RunContext interface {
	// Render substitutes the context variables into tpl.
	Render(tpl string) (string, error)

	// RenderWith renders tpl with additional variables. Additional variables take precedence.
	RenderWith(tpl string, extra map[string]any) (string, error)

	// RenderStrings renders every element, failing on the first error.
	RenderStrings(tpls []string) ([]string, error)

	// RenderMap renders every value, failing on the first error.
	RenderMap(tpls map[string]string) (map[string]string, error)

	// Variables returns a copy of the context variables.
	Variables() map[string]any

	// WorkingDirectory returns the private working directory of this context. When create is true
	// the directory is created if needed.
	WorkingDirectory(create bool) (string, error)

	// Resolve returns the absolute path of rel inside the working directory. Paths containing '..'
	// segments or resolving outside of the working directory through symbolic links are rejected
	// with a traversal error.
	Resolve(rel string) (string, error)

	// CreateTempFile creates a new uniquely named file in the working directory, optionally with
	// content. suffix is appended to the generated name and must not contain path separators.
	CreateTempFile(content []byte, suffix string) (string, error)

	// NamedFile creates or overwrites the file name, relative to the working directory.
	NamedFile(name string, content []byte) (string, error)

	// FileExtension returns the extension of name including the dot, or "" if there is none.
	FileExtension(name string) string

	// Storage returns the storage scoped to the tenant of this context.
	Storage() *Storage

	// Metric records a metric. It never blocks on I/O.
	Metric(entry MetricEntry)

	// Metrics returns the metrics recorded so far.
	Metrics() []MetricEntry

	PluginConfiguration(name string) (any, bool)

	PluginConfigurations() map[string]any

	// Encrypt encrypts plaintext. Without a configured encryption key the plaintext is returned
	// unchanged and a warning is logged.
	Encrypt(plaintext string) (string, error)

	Decrypt(ciphertext string) (string, error)

	// Cleanup removes the working directory. It is safe to call more than once.
	Cleanup()

	TenantID() string

	FlowInfo() FlowInfo

	TaskRun() TaskRunInfo

	Logger() *slog.Logger

	Version() string
}
