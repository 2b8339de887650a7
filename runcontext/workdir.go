package runcontext

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cschleiden/go-taskrun/internal/paths"
	"github.com/cschleiden/go-taskrun/log"
	"github.com/cschleiden/go-taskrun/taskerrors"
	"github.com/google/uuid"
)

var errDanglingLink = errors.New("path contains a dangling symbolic link")

func (rc *runContext) WorkingDirectory(create bool) (string, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.cleaned {
		return "", taskerrors.NewIOFailure("workingDirectory", rc.workDir, errCleanedUp)
	}

	if rc.workDir == "" {
		base, err := canonical(rc.options.TempBase)
		if err != nil {
			return "", taskerrors.NewIOFailure("workingDirectory", rc.options.TempBase, err)
		}

		rc.workDir = filepath.Join(base, rc.workDirID)
	}

	if create && !rc.created {
		if err := os.MkdirAll(rc.workDir, 0o700); err != nil {
			return "", taskerrors.NewIOFailure("workingDirectory", rc.workDir, err)
		}

		rc.created = true
		rc.logger.Debug("created working directory", log.WorkingDirKey, rc.workDir)
	}

	return rc.workDir, nil
}

func (rc *runContext) Resolve(rel string) (string, error) {
	if paths.HasParentSegment(rel) {
		return "", taskerrors.NewTraversal("resolve", rel)
	}

	wd, err := rc.WorkingDirectory(true)
	if err != nil {
		return "", err
	}

	if rel == "" {
		return wd, nil
	}

	p := filepath.Clean(rel)
	if !filepath.IsAbs(p) {
		p = filepath.Join(wd, p)
	}

	c, err := canonical(p)
	if err != nil {
		if errors.Is(err, errDanglingLink) {
			return "", taskerrors.New(taskerrors.Traversal, "resolve", rel, err)
		}

		return "", taskerrors.NewIOFailure("resolve", rel, err)
	}

	if !paths.Within(wd, c) {
		return "", taskerrors.New(taskerrors.Traversal, "resolve", rel, fmt.Errorf("path resolves outside of the working directory"))
	}

	return c, nil
}

func (rc *runContext) CreateTempFile(content []byte, suffix string) (string, error) {
	if strings.ContainsAny(suffix, `/\`) {
		return "", taskerrors.NewInvalidArgument("createTempFile", suffix, "suffix must not contain path separators")
	}

	wd, err := rc.WorkingDirectory(true)
	if err != nil {
		return "", err
	}

	root, err := os.OpenRoot(wd)
	if err != nil {
		return "", taskerrors.NewIOFailure("createTempFile", wd, err)
	}
	defer root.Close()

	name := uuid.NewString() + suffix
	f, err := root.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", taskerrors.NewIOFailure("createTempFile", name, err)
	}

	if len(content) > 0 {
		if _, err := f.Write(content); err != nil {
			f.Close()
			return "", taskerrors.NewIOFailure("createTempFile", name, err)
		}
	}

	if err := f.Close(); err != nil {
		return "", taskerrors.NewIOFailure("createTempFile", name, err)
	}

	return filepath.Join(wd, name), nil
}

func (rc *runContext) NamedFile(name string, content []byte) (string, error) {
	p, err := rc.Resolve(name)
	if err != nil {
		return "", err
	}

	wd, err := rc.WorkingDirectory(true)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(wd, p)
	if err != nil || rel == "." {
		return "", taskerrors.NewInvalidArgument("namedFile", name, "a file name is required")
	}

	// Writes go through the root so a symbolic link swapped in after Resolve cannot escape
	root, err := os.OpenRoot(wd)
	if err != nil {
		return "", taskerrors.NewIOFailure("namedFile", wd, err)
	}
	defer root.Close()

	if dir := filepath.Dir(rel); dir != "." {
		if err := root.MkdirAll(dir, 0o700); err != nil {
			return "", ioFailure("namedFile", name, err)
		}
	}

	if err := root.WriteFile(rel, content, 0o600); err != nil {
		return "", ioFailure("namedFile", name, err)
	}

	return p, nil
}

func (rc *runContext) FileExtension(name string) string {
	return filepath.Ext(name)
}

func (rc *runContext) Cleanup() {
	rc.cleanup.Do(func() {
		rc.mu.Lock()
		defer rc.mu.Unlock()

		rc.cleaned = true

		if rc.workDir == "" || !rc.created {
			return
		}

		if err := os.RemoveAll(rc.workDir); err != nil {
			rc.logger.Error("unable to remove working directory", log.WorkingDirKey, rc.workDir, "error", err)
			return
		}

		rc.logger.Debug("removed working directory", log.WorkingDirKey, rc.workDir)
	})
}

// canonical evaluates the symbolic links of the longest existing prefix of p and appends the
// remaining elements unchanged.
func canonical(p string) (string, error) {
	p, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	var rest []string
	for {
		r, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{r}, rest...)...), nil
		}

		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}

		// EvalSymlinks also fails for links pointing to a missing target
		if _, lerr := os.Lstat(p); lerr == nil {
			return "", fmt.Errorf("%s: %w", p, errDanglingLink)
		}

		parent := filepath.Dir(p)
		if parent == p {
			return filepath.Join(append([]string{p}, rest...)...), nil
		}

		rest = append([]string{filepath.Base(p)}, rest...)
		p = parent
	}
}
