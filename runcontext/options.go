package runcontext

import (
	"log/slog"
	"maps"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-taskrun/encryption"
	"github.com/cschleiden/go-taskrun/plugin"
	"github.com/cschleiden/go-taskrun/template"
)

type Options struct {
	Logger *slog.Logger

	Clock clock.Clock

	Renderer template.Renderer

	// Encrypter is optional. Without it Encrypt returns the plaintext and Decrypt fails.
	Encrypter encryption.Encrypter

	Variables map[string]any

	Flow FlowInfo

	TaskRun TaskRunInfo

	PluginType string

	PluginResolver *plugin.Resolver

	// TempBase is the directory working directories are created in. Defaults to os.TempDir().
	TempBase string

	Version string
}

var DefaultVersion = "dev"

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithRenderer(r template.Renderer) Option {
	return func(o *Options) {
		o.Renderer = r
	}
}

func WithEncrypter(e encryption.Encrypter) Option {
	return func(o *Options) {
		o.Encrypter = e
	}
}

// WithVariables sets the variables available to templates. The map is copied.
func WithVariables(vars map[string]any) Option {
	return func(o *Options) {
		o.Variables = maps.Clone(vars)
	}
}

func WithFlow(flow FlowInfo) Option {
	return func(o *Options) {
		o.Flow = flow
	}
}

func WithTaskRun(taskRun TaskRunInfo) Option {
	return func(o *Options) {
		o.TaskRun = taskRun
	}
}

// WithPluginType sets the type of the task, used to look up plugin configuration.
func WithPluginType(pluginType string) Option {
	return func(o *Options) {
		o.PluginType = pluginType
	}
}

func WithPluginResolver(r *plugin.Resolver) Option {
	return func(o *Options) {
		o.PluginResolver = r
	}
}

func WithTempBase(dir string) Option {
	return func(o *Options) {
		o.TempBase = dir
	}
}

func WithVersion(version string) Option {
	return func(o *Options) {
		o.Version = version
	}
}

func applyOptions(opts ...Option) *Options {
	o := &Options{}

	for _, opt := range opts {
		opt(o)
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.Clock == nil {
		o.Clock = clock.New()
	}

	if o.Renderer == nil {
		o.Renderer = template.NewHCL()
	}

	if o.TempBase == "" {
		o.TempBase = os.TempDir()
	}

	if o.Version == "" {
		o.Version = DefaultVersion
	}

	if o.Variables == nil {
		o.Variables = map[string]any{}
	}

	return o
}
