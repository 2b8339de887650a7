// Package staging copies declared input files into the working directory of a run context and
// uploads output files matching glob patterns back into storage.
package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cschleiden/go-taskrun/internal/metrickeys"
	"github.com/cschleiden/go-taskrun/log"
	"github.com/cschleiden/go-taskrun/metrics"
	"github.com/cschleiden/go-taskrun/runcontext"
	"github.com/cschleiden/go-taskrun/storage"
	"github.com/cschleiden/go-taskrun/taskerrors"
	"gopkg.in/yaml.v3"
)

type Service struct {
	logger  *slog.Logger
	metrics metrics.Client
}

func New(opts ...Option) *Service {
	o := DefaultOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return &Service{
		logger:  o.Logger,
		metrics: o.Metrics,
	}
}

// InputFiles writes the given inputs into the working directory of rc and returns the inputs as
// file name to unrendered content expression.
//
// inputs maps file names to content expressions. It can be nil, a map[string]string, a
// map[string]any, or a string holding a JSON or YAML object. Every content expression is rendered;
// content starting with kestra:// is copied from storage, anything else is written as is. Files are
// processed in name order and the first failure aborts.
func (s *Service) InputFiles(ctx context.Context, rc runcontext.RunContext, inputs any) (map[string]string, error) {
	files, err := normalizeInputs(rc, inputs)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.inputFile(ctx, rc, name, files[name]); err != nil {
			return nil, fmt.Errorf("input file %q: %w", name, err)
		}
	}

	rc.Logger().InfoContext(ctx, fmt.Sprintf("Provided %d input(s).", len(files)), log.CountKey, len(files))
	s.metrics.Counter(metrickeys.StagedInputs, metrics.Tags{}, float64(len(files)))

	return files, nil
}

func (s *Service) inputFile(ctx context.Context, rc runcontext.RunContext, name, expression string) error {
	fileName, err := rc.Render(name)
	if err != nil {
		return err
	}

	content, err := rc.Render(expression)
	if err != nil {
		return err
	}

	if !storage.IsStorageURI(content) {
		_, err := rc.NamedFile(fileName, []byte(content))
		return err
	}

	p, err := rc.Resolve(fileName)
	if err != nil {
		return err
	}

	// Nothing is created in the working directory unless the object can be read
	src, err := rc.Storage().Get(ctx, content)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := copyInto(rc, p, src); err != nil {
		return taskerrors.NewIOFailure("inputFiles", fileName, err)
	}

	s.logger.DebugContext(ctx, "copied input file from storage", log.FileNameKey, fileName, log.URIKey, content)

	return nil
}

// copyInto writes src to the resolved path p through a root opened on the working directory. A
// partially written file is removed.
func copyInto(rc runcontext.RunContext, p string, src io.Reader) error {
	wd, err := rc.WorkingDirectory(true)
	if err != nil {
		return err
	}

	rel, err := filepath.Rel(wd, p)
	if err != nil {
		return err
	}

	if rel == "." {
		return errors.New("a file name is required")
	}

	root, err := os.OpenRoot(wd)
	if err != nil {
		return err
	}
	defer root.Close()

	if dir := filepath.Dir(rel); dir != "." {
		if err := root.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	dst, err := root.OpenFile(rel, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		_ = root.Remove(rel)
		return err
	}

	return nil
}

func normalizeInputs(rc runcontext.RunContext, inputs any) (map[string]string, error) {
	switch v := inputs.(type) {
	case nil:
		return map[string]string{}, nil

	case map[string]string:
		r := make(map[string]string, len(v))
		maps.Copy(r, v)
		return r, nil

	case map[string]any:
		r := make(map[string]string, len(v))
		for k, value := range v {
			s, err := stringify(value)
			if err != nil {
				return nil, taskerrors.NewInvalidArgument("inputFiles", k, err.Error())
			}

			r[k] = s
		}

		return r, nil

	case string:
		if strings.TrimSpace(v) == "" {
			return map[string]string{}, nil
		}

		rendered, err := rc.Render(v)
		if err != nil {
			return nil, err
		}

		var m map[string]any
		if err := json.Unmarshal([]byte(rendered), &m); err != nil {
			if yerr := yaml.Unmarshal([]byte(rendered), &m); yerr != nil {
				return nil, taskerrors.NewInvalidArgument("inputFiles", "", fmt.Sprintf("inputs must be a JSON or YAML object: %v", errors.Join(err, yerr)))
			}
		}

		return normalizeInputs(rc, m)

	default:
		return nil, taskerrors.NewInvalidArgument("inputFiles", "", fmt.Sprintf("unsupported inputs of type %T", inputs))
	}
}

func stringify(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// OutputFiles uploads every regular file of the working directory of rc matching one of the glob
// patterns, and returns the storage URI of each by its slash separated path relative to the
// working directory. In patterns, * matches within a single path segment and ** matches across
// directories.
func (s *Service) OutputFiles(ctx context.Context, rc runcontext.RunContext, globs []string) (map[string]string, error) {
	r := map[string]string{}

	if len(globs) == 0 {
		rc.Logger().InfoContext(ctx, "Captured 0 output(s).", log.CountKey, 0)
		return r, nil
	}

	patterns, err := rc.RenderStrings(globs)
	if err != nil {
		return nil, err
	}

	for i, p := range patterns {
		p = strings.TrimPrefix(filepath.ToSlash(p), "./")
		if !doublestar.ValidatePattern(p) {
			return nil, taskerrors.NewInvalidArgument("outputFiles", p, "invalid glob pattern")
		}

		patterns[i] = p
	}

	wd, err := rc.WorkingDirectory(true)
	if err != nil {
		return nil, err
	}

	var matched []string
	if err := filepath.WalkDir(wd, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(wd, p)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)
		for _, pattern := range patterns {
			if doublestar.MatchUnvalidated(pattern, rel) {
				matched = append(matched, rel)
				break
			}
		}

		return nil
	}); err != nil {
		return nil, taskerrors.NewIOFailure("outputFiles", wd, err)
	}

	for _, rel := range matched {
		uri, err := rc.Storage().PutFile(ctx, rel)
		if err != nil {
			return nil, fmt.Errorf("output file %q: %w", rel, err)
		}

		r[rel] = uri
	}

	rc.Logger().InfoContext(ctx, fmt.Sprintf("Captured %d output(s).", len(r)), log.CountKey, len(r))
	s.metrics.Counter(metrickeys.HarvestedOutput, metrics.Tags{}, float64(len(r)))

	return r, nil
}
