package storage

import (
	"context"
	"io"
	"time"
)

const TracerName = "go-taskrun/storage"

type FileType int

const (
	FileTypeFile FileType = iota
	FileTypeDirectory
)

func (t FileType) String() string {
	if t == FileTypeDirectory {
		return "directory"
	}

	return "file"
}

// FileAttributes is a point-in-time snapshot of a stored object. It is not updated when the object
// changes.
type FileAttributes struct {
	FileName         string
	Size             int64
	LastModifiedTime time.Time
	CreationTime     time.Time
	Type             FileType
}

func (fa FileAttributes) IsDirectory() bool {
	return fa.Type == FileTypeDirectory
}

// Storage is the tenant-scoped durable storage used by task runs. An empty tenantID selects the
// global storage root. URIs may be given as canonical storage URIs (kestra:///a/b) or as plain
// slash-separated paths (/a/b). Any URI containing a '..' segment is rejected with a traversal
// error before it is resolved.
//
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get opens the object for reading. The caller must close the returned reader.
	Get(ctx context.Context, tenantID string, uri string) (io.ReadCloser, error)

	// Exists returns whether an object or directory exists at the given URI
	Exists(ctx context.Context, tenantID string, uri string) (bool, error)

	// List returns the attributes of the direct children of the given directory, sorted by name
	List(ctx context.Context, tenantID string, uri string) ([]FileAttributes, error)

	// Size returns the size of the object in bytes
	Size(ctx context.Context, tenantID string, uri string) (int64, error)

	// LastModifiedTime returns the time the object was last written
	LastModifiedTime(ctx context.Context, tenantID string, uri string) (time.Time, error)

	// Put writes data to the given URI, creating any missing parent directories and replacing
	// existing content. The reader is fully consumed and closed if it implements io.Closer.
	Put(ctx context.Context, tenantID string, uri string, data io.Reader) (string, error)

	// CreateDirectory creates the directory and any missing ancestors. Creating an existing
	// directory succeeds.
	CreateDirectory(ctx context.Context, tenantID string, uri string) (string, error)

	// GetAttributes returns a snapshot of the attributes of the given object or directory
	GetAttributes(ctx context.Context, tenantID string, uri string) (FileAttributes, error)

	// Move atomically renames from to to. Concurrent readers never observe a partially moved object.
	Move(ctx context.Context, tenantID string, from, to string) (string, error)

	// Delete removes the object, or the directory and all its content. It returns false if nothing
	// existed at the given URI.
	Delete(ctx context.Context, tenantID string, uri string) (bool, error)

	// DeleteByPrefix removes everything below prefix, including prefix itself, and returns the
	// removed URIs ordered deepest descendant first. An absent prefix results in an empty slice.
	DeleteByPrefix(ctx context.Context, tenantID string, prefix string) ([]string, error)
}

// CloseReader closes r if it is an io.Closer. Backends use it to release Put inputs.
func CloseReader(r io.Reader) error {
	if c, ok := r.(io.Closer); ok {
		return c.Close()
	}

	return nil
}
