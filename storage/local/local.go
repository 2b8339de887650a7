package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cschleiden/go-taskrun/internal/paths"
	"github.com/cschleiden/go-taskrun/log"
	"github.com/cschleiden/go-taskrun/storage"
	"github.com/cschleiden/go-taskrun/taskerrors"
	"github.com/google/uuid"
)

// LocalStorage stores objects on the local disk. Every tenant has its own root directory and all
// file operations go through an os.Root opened on it, so neither '..' segments nor symbolic links
// can reach outside of that directory.
type LocalStorage struct {
	basePath string
	roots    *roots
	options  *options
}

var _ storage.Storage = (*LocalStorage)(nil)

// New creates a local storage rooted at basePath. The directory is created if it does not exist.
func New(basePath string, opts ...Option) (*LocalStorage, error) {
	so := storage.ApplyOptions()
	o := &options{
		Options:           &so,
		RootCacheCapacity: 1024,
	}

	for _, opt := range opts {
		opt(o)
	}

	base, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolving base path: %w", err)
	}

	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating base path: %w", err)
	}

	// Resolve symlinks once so tenant roots can be compared against the base
	base, err = filepath.EvalSymlinks(base)
	if err != nil {
		return nil, fmt.Errorf("resolving base path: %w", err)
	}

	return &LocalStorage{
		basePath: base,
		roots:    newRoots(base, o.Tenants, o.RootCacheCapacity, o.Logger, o.Metrics),
		options:  o,
	}, nil
}

// BasePath returns the global storage directory.
func (ls *LocalStorage) BasePath() string {
	return ls.basePath
}

// InvalidateTenant drops the cached root directory of a tenant. Call it when the storage
// configuration of the tenant changed.
func (ls *LocalStorage) InvalidateTenant(tenantID string) {
	ls.roots.invalidate(tenantID)
}

// open validates uri and opens the tenant root. The returned name is relative to the root, "." for
// the root itself.
func (ls *LocalStorage) open(ctx context.Context, op, tenantID, uri string) (*os.Root, string, string, error) {
	p, err := storage.Path(op, uri)
	if err != nil {
		return nil, "", "", err
	}

	root, err := ls.openRoot(ctx, op, tenantID)
	if err != nil {
		return nil, "", "", err
	}

	return root, p, rootRelative(p), nil
}

func (ls *LocalStorage) openRoot(ctx context.Context, op, tenantID string) (*os.Root, error) {
	dir, err := ls.roots.root(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, taskerrors.NewIOFailure(op, dir, err)
	}

	return root, nil
}

func (ls *LocalStorage) Get(ctx context.Context, tenantID string, uri string) (io.ReadCloser, error) {
	root, _, name, err := ls.open(ctx, "get", tenantID, uri)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, err := root.Open(name)
	if err != nil {
		return nil, mapError("get", uri, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapError("get", uri, err)
	}

	if fi.IsDir() {
		f.Close()
		return nil, taskerrors.NewNotFound("get", uri, errors.New("is a directory"))
	}

	return f, nil
}

func (ls *LocalStorage) Exists(ctx context.Context, tenantID string, uri string) (bool, error) {
	root, _, name, err := ls.open(ctx, "exists", tenantID, uri)
	if err != nil {
		return false, err
	}
	defer root.Close()

	if _, err := root.Stat(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, mapError("exists", uri, err)
	}

	return true, nil
}

func (ls *LocalStorage) List(ctx context.Context, tenantID string, uri string) ([]storage.FileAttributes, error) {
	root, _, name, err := ls.open(ctx, "list", tenantID, uri)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, err := root.Open(name)
	if err != nil {
		return nil, mapError("list", uri, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, mapError("list", uri, err)
	}

	if !fi.IsDir() {
		return nil, taskerrors.NewNotFound("list", uri, errors.New("not a directory"))
	}

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, mapError("list", uri, err)
	}

	r := make([]storage.FileAttributes, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Removed concurrently
				continue
			}

			return nil, mapError("list", uri, err)
		}

		r = append(r, attributes(fi.Name(), fi))
	}

	sort.Slice(r, func(i, j int) bool {
		return r[i].FileName < r[j].FileName
	})

	return r, nil
}

func (ls *LocalStorage) Size(ctx context.Context, tenantID string, uri string) (int64, error) {
	attrs, err := ls.stat(ctx, "size", tenantID, uri)
	if err != nil {
		return 0, err
	}

	return attrs.Size, nil
}

func (ls *LocalStorage) LastModifiedTime(ctx context.Context, tenantID string, uri string) (time.Time, error) {
	attrs, err := ls.stat(ctx, "lastModifiedTime", tenantID, uri)
	if err != nil {
		return time.Time{}, err
	}

	return attrs.LastModifiedTime, nil
}

func (ls *LocalStorage) GetAttributes(ctx context.Context, tenantID string, uri string) (storage.FileAttributes, error) {
	return ls.stat(ctx, "getAttributes", tenantID, uri)
}

func (ls *LocalStorage) stat(ctx context.Context, op, tenantID, uri string) (storage.FileAttributes, error) {
	root, p, name, err := ls.open(ctx, op, tenantID, uri)
	if err != nil {
		return storage.FileAttributes{}, err
	}
	defer root.Close()

	fi, err := root.Stat(name)
	if err != nil {
		return storage.FileAttributes{}, mapError(op, uri, err)
	}

	fileName := path.Base(p)
	if p == "/" {
		fileName = filepath.Base(root.Name())
	}

	return attributes(fileName, fi), nil
}

func (ls *LocalStorage) Put(ctx context.Context, tenantID string, uri string, data io.Reader) (string, error) {
	defer storage.CloseReader(data)

	root, p, name, err := ls.open(ctx, "put", tenantID, uri)
	if err != nil {
		return "", err
	}
	defer root.Close()

	if name == "." {
		return "", taskerrors.NewInvalidArgument("put", uri, "unable to write to the storage root")
	}

	if err := root.MkdirAll(path.Dir(name), 0o755); err != nil {
		return "", mapError("put", uri, err)
	}

	// Write to a temporary sibling and rename it into place so readers never see partial content
	tmp := path.Join(path.Dir(name), "."+path.Base(name)+".tmp-"+uuid.NewString())
	f, err := root.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", mapError("put", uri, err)
	}

	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		root.Remove(tmp)
		return "", taskerrors.NewIOFailure("put", uri, err)
	}

	if err := f.Close(); err != nil {
		root.Remove(tmp)
		return "", taskerrors.NewIOFailure("put", uri, err)
	}

	if err := root.Rename(tmp, name); err != nil {
		root.Remove(tmp)
		return "", mapError("put", uri, err)
	}

	return storage.NewURI(p), nil
}

func (ls *LocalStorage) CreateDirectory(ctx context.Context, tenantID string, uri string) (string, error) {
	p, err := storage.NonEmptyPath("createDirectory", uri)
	if err != nil {
		return "", err
	}

	root, err := ls.openRoot(ctx, "createDirectory", tenantID)
	if err != nil {
		return "", err
	}
	defer root.Close()

	if err := root.MkdirAll(rootRelative(p), 0o755); err != nil {
		return "", mapError("createDirectory", uri, err)
	}

	return storage.NewURI(p), nil
}

func (ls *LocalStorage) Move(ctx context.Context, tenantID string, from, to string) (string, error) {
	toPath, err := storage.Path("move", to)
	if err != nil {
		return "", err
	}

	root, _, fromName, err := ls.open(ctx, "move", tenantID, from)
	if err != nil {
		return "", err
	}
	defer root.Close()

	toName := rootRelative(toPath)
	if fromName == "." || toName == "." {
		return "", taskerrors.NewInvalidArgument("move", from, "unable to move the storage root")
	}

	if _, err := root.Lstat(fromName); err != nil {
		return "", mapError("move", from, err)
	}

	if err := root.MkdirAll(path.Dir(toName), 0o755); err != nil {
		return "", mapError("move", to, err)
	}

	// rename(2) is atomic within a file system, the tenant root never spans more than one
	if err := root.Rename(fromName, toName); err != nil {
		return "", mapError("move", from, err)
	}

	return storage.NewURI(toPath), nil
}

func (ls *LocalStorage) Delete(ctx context.Context, tenantID string, uri string) (bool, error) {
	root, _, name, err := ls.open(ctx, "delete", tenantID, uri)
	if err != nil {
		return false, err
	}
	defer root.Close()

	if _, err := root.Lstat(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, mapError("delete", uri, err)
	}

	if name == "." {
		// Empty the root, the directory itself is recreated on the next access anyway
		entries, err := fs.ReadDir(root.FS(), ".")
		if err != nil {
			return false, mapError("delete", uri, err)
		}

		for _, e := range entries {
			if err := root.RemoveAll(e.Name()); err != nil {
				return false, mapError("delete", uri, err)
			}
		}

		return true, nil
	}

	if err := root.RemoveAll(name); err != nil {
		return false, mapError("delete", uri, err)
	}

	return true, nil
}

func (ls *LocalStorage) DeleteByPrefix(ctx context.Context, tenantID string, prefix string) ([]string, error) {
	root, _, name, err := ls.open(ctx, "deleteByPrefix", tenantID, prefix)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	if _, err := root.Lstat(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}

		return nil, mapError("deleteByPrefix", prefix, err)
	}

	var names []string
	if err := fs.WalkDir(root.FS(), name, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		names = append(names, p)
		return nil
	}); err != nil {
		return nil, mapError("deleteByPrefix", prefix, err)
	}

	// Reverse lexical order lists every descendant before its parent
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	deleted := make([]string, 0, len(names))
	for _, n := range names {
		if n == "." {
			// Keep the tenant root itself
			continue
		}

		if err := root.Remove(n); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return deleted, mapError("deleteByPrefix", storage.NewURI(n), err)
		}

		deleted = append(deleted, storage.NewURI(n))
	}

	ls.options.Logger.DebugContext(ctx, "deleted by prefix", log.TenantIDKey, tenantID, log.URIKey, prefix, log.CountKey, len(deleted))

	return deleted, nil
}

func rootRelative(p string) string {
	name := strings.TrimPrefix(path.Clean("/"+p), "/")
	if name == "" {
		return "."
	}

	return name
}

func attributes(name string, fi fs.FileInfo) storage.FileAttributes {
	t := storage.FileTypeFile
	if fi.IsDir() {
		t = storage.FileTypeDirectory
	}

	return storage.FileAttributes{
		FileName:         name,
		Size:             fi.Size(),
		LastModifiedTime: fi.ModTime(),
		// Creation time is not portably available, modification time is the closest approximation
		CreationTime: fi.ModTime(),
		Type:         t,
	}
}

// mapError translates file system errors into storage error kinds.
func mapError(op, uri string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return taskerrors.NewNotFound(op, uri, err)
	case paths.IsEscape(err):
		return taskerrors.New(taskerrors.Traversal, op, uri, err)
	default:
		return taskerrors.NewIOFailure(op, uri, err)
	}
}
