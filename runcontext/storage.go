package runcontext

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cschleiden/go-taskrun/storage"
	"github.com/cschleiden/go-taskrun/taskerrors"
)

// Storage is a storage.Storage bound to the tenant of a run context.
type Storage struct {
	s        storage.Storage
	tenantID string
	prefix   string
	resolve  func(string) (string, error)
	workDir  func(bool) (string, error)
}

func newStorage(s storage.Storage, tenantID string, flow FlowInfo, taskRun TaskRunInfo, rc *runContext) *Storage {
	return &Storage{
		s:        s,
		tenantID: tenantID,
		prefix:   outputPrefix(flow, taskRun),
		resolve:  rc.Resolve,
		workDir:  rc.WorkingDirectory,
	}
}

// outputPrefix returns /<namespace as path>/<flow>/executions/<execution>/tasks/<task>/<task run>.
func outputPrefix(flow FlowInfo, taskRun TaskRunInfo) string {
	return path.Join(
		"/",
		strings.ReplaceAll(flow.Namespace, ".", "/"),
		flow.ID,
		"executions", taskRun.ExecutionID,
		"tasks", taskRun.TaskID,
		taskRun.TaskRunID,
	)
}

// OutputPrefix is the storage path files uploaded with PutFile are stored under.
func (s *Storage) OutputPrefix() string {
	return s.prefix
}

func (s *Storage) Get(ctx context.Context, uri string) (io.ReadCloser, error) {
	return s.s.Get(ctx, s.tenantID, uri)
}

func (s *Storage) Exists(ctx context.Context, uri string) (bool, error) {
	return s.s.Exists(ctx, s.tenantID, uri)
}

func (s *Storage) List(ctx context.Context, uri string) ([]storage.FileAttributes, error) {
	return s.s.List(ctx, s.tenantID, uri)
}

func (s *Storage) Size(ctx context.Context, uri string) (int64, error) {
	return s.s.Size(ctx, s.tenantID, uri)
}

func (s *Storage) LastModifiedTime(ctx context.Context, uri string) (time.Time, error) {
	return s.s.LastModifiedTime(ctx, s.tenantID, uri)
}

func (s *Storage) Put(ctx context.Context, uri string, data io.Reader) (string, error) {
	return s.s.Put(ctx, s.tenantID, uri, data)
}

func (s *Storage) CreateDirectory(ctx context.Context, uri string) (string, error) {
	return s.s.CreateDirectory(ctx, s.tenantID, uri)
}

func (s *Storage) GetAttributes(ctx context.Context, uri string) (storage.FileAttributes, error) {
	return s.s.GetAttributes(ctx, s.tenantID, uri)
}

func (s *Storage) Move(ctx context.Context, from, to string) (string, error) {
	return s.s.Move(ctx, s.tenantID, from, to)
}

func (s *Storage) Delete(ctx context.Context, uri string) (bool, error) {
	return s.s.Delete(ctx, s.tenantID, uri)
}

func (s *Storage) DeleteByPrefix(ctx context.Context, prefix string) ([]string, error) {
	return s.s.DeleteByPrefix(ctx, s.tenantID, prefix)
}

// PutFile uploads a file of the working directory below the output prefix, keeping its path
// relative to the working directory. p may be absolute or relative to the working directory.
func (s *Storage) PutFile(ctx context.Context, p string) (string, error) {
	resolved, err := s.resolve(p)
	if err != nil {
		return "", err
	}

	wd, err := s.workDir(false)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(wd, resolved)
	if err != nil || rel == "." {
		return "", taskerrors.NewInvalidArgument("putFile", p, "not a file of the working directory")
	}

	f, err := os.Open(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", taskerrors.NewNotFound("putFile", p, err)
		}

		return "", taskerrors.NewIOFailure("putFile", p, err)
	}

	return s.s.Put(ctx, s.tenantID, storage.NewURI(path.Join(s.prefix, filepath.ToSlash(rel))), f)
}
