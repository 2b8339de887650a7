// Package s3 stores objects in an S3 compatible object store.
//
// Objects of a tenant are stored below a key prefix named after the tenant id, the global root uses
// _global. Directories are implicit key prefixes; CreateDirectory additionally writes an empty
// marker object with a trailing slash so empty directories exist.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cschleiden/go-taskrun/log"
	"github.com/cschleiden/go-taskrun/storage"
	"github.com/cschleiden/go-taskrun/taskerrors"
	"github.com/cschleiden/go-taskrun/tenant"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const globalPrefix = "_global"

type S3Storage struct {
	client  *minio.Client
	bucket  string
	region  string
	options *options

	// ready is set once the bucket is known to exist, failed checks are retried on the next call
	mu    sync.Mutex
	ready bool
}

var _ storage.Storage = (*S3Storage)(nil)

func New(cfg Config, opts ...Option) (*S3Storage, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	so := storage.ApplyOptions()
	o := &options{
		Options:         &so,
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(o)
	}

	return &S3Storage{
		client:  client,
		bucket:  bucket,
		region:  region,
		options: o,
	}, nil
}

func (s *S3Storage) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}

	err := s.retry(ctx, func() error {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			return err
		}

		if exists {
			return nil
		}

		s.options.Logger.InfoContext(ctx, "creating bucket", "bucket", s.bucket)

		return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	if err != nil {
		return taskerrors.NewIOFailure("ensureBucket", s.bucket, err)
	}

	s.ready = true

	return nil
}

// target validates the uri and tenant and returns the object key for the path, without a trailing
// slash. The tenant root has the key prefix itself.
func (s *S3Storage) target(ctx context.Context, op, tenantID, uri string) (string, string, error) {
	p, err := storage.Path(op, uri)
	if err != nil {
		return "", "", err
	}

	root, err := tenantPrefix(op, tenantID)
	if err != nil {
		return "", "", err
	}

	if err := s.ensureBucket(ctx); err != nil {
		return "", "", err
	}

	return p, objectKey(root, p), nil
}

func tenantPrefix(op, tenantID string) (string, error) {
	if tenantID == "" {
		return globalPrefix, nil
	}

	if err := tenant.ValidateID(tenantID); err != nil {
		return "", taskerrors.New(taskerrors.InvalidArgument, op, tenantID, err)
	}

	if tenantID == globalPrefix {
		return "", taskerrors.NewInvalidArgument(op, tenantID, "tenant id is reserved")
	}

	return tenantID, nil
}

func objectKey(root, p string) string {
	rel := strings.TrimPrefix(path.Clean("/"+p), "/")
	if rel == "" {
		return root
	}

	return root + "/" + rel
}

// uriOf returns the storage uri of an object key below root.
func uriOf(root, key string) string {
	return storage.NewURI(strings.TrimSuffix(strings.TrimPrefix(key, root), "/"))
}

func (s *S3Storage) Get(ctx context.Context, tenantID string, uri string) (io.ReadCloser, error) {
	_, key, err := s.target(ctx, "get", tenantID, uri)
	if err != nil {
		return nil, err
	}

	if _, err := s.stat(ctx, key); err != nil {
		return nil, mapError("get", uri, err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapError("get", uri, err)
	}

	return obj, nil
}

func (s *S3Storage) Exists(ctx context.Context, tenantID string, uri string) (bool, error) {
	_, key, err := s.target(ctx, "exists", tenantID, uri)
	if err != nil {
		return false, err
	}

	if _, err := s.stat(ctx, key); err == nil {
		return true, nil
	} else if !isNotFound(err) {
		return false, mapError("exists", uri, err)
	}

	ok, err := s.isDirectory(ctx, key)
	if err != nil {
		return false, mapError("exists", uri, err)
	}

	return ok, nil
}

func (s *S3Storage) List(ctx context.Context, tenantID string, uri string) ([]storage.FileAttributes, error) {
	p, key, err := s.target(ctx, "list", tenantID, uri)
	if err != nil {
		return nil, err
	}

	prefix := key + "/"
	objects, err := s.list(ctx, prefix, false)
	if err != nil {
		return nil, mapError("list", uri, err)
	}

	r := make([]storage.FileAttributes, 0, len(objects))
	found := p == "/"
	for _, o := range objects {
		if o.Key == prefix {
			// Directory marker of the listed directory
			found = true
			continue
		}

		found = true

		if strings.HasSuffix(o.Key, "/") {
			r = append(r, storage.FileAttributes{
				FileName: path.Base(o.Key),
				Type:     storage.FileTypeDirectory,
			})

			continue
		}

		r = append(r, fileAttributes(path.Base(o.Key), o))
	}

	if !found {
		return nil, taskerrors.NewNotFound("list", uri, errors.New("no such directory"))
	}

	sort.Slice(r, func(i, j int) bool {
		return r[i].FileName < r[j].FileName
	})

	return r, nil
}

func (s *S3Storage) Size(ctx context.Context, tenantID string, uri string) (int64, error) {
	attrs, err := s.attributes(ctx, "size", tenantID, uri)
	if err != nil {
		return 0, err
	}

	return attrs.Size, nil
}

func (s *S3Storage) LastModifiedTime(ctx context.Context, tenantID string, uri string) (time.Time, error) {
	attrs, err := s.attributes(ctx, "lastModifiedTime", tenantID, uri)
	if err != nil {
		return time.Time{}, err
	}

	return attrs.LastModifiedTime, nil
}

func (s *S3Storage) GetAttributes(ctx context.Context, tenantID string, uri string) (storage.FileAttributes, error) {
	return s.attributes(ctx, "getAttributes", tenantID, uri)
}

func (s *S3Storage) attributes(ctx context.Context, op, tenantID, uri string) (storage.FileAttributes, error) {
	p, key, err := s.target(ctx, op, tenantID, uri)
	if err != nil {
		return storage.FileAttributes{}, err
	}

	info, err := s.stat(ctx, key)
	if err == nil {
		return fileAttributes(path.Base(p), info), nil
	} else if !isNotFound(err) {
		return storage.FileAttributes{}, mapError(op, uri, err)
	}

	// Directories have no object of their own, unless created explicitly
	marker, err := s.stat(ctx, key+"/")
	if err == nil {
		attrs := fileAttributes(path.Base(p), marker)
		attrs.Type = storage.FileTypeDirectory
		return attrs, nil
	} else if !isNotFound(err) {
		return storage.FileAttributes{}, mapError(op, uri, err)
	}

	ok, err := s.isDirectory(ctx, key)
	if err != nil {
		return storage.FileAttributes{}, mapError(op, uri, err)
	}

	if !ok && p != "/" {
		return storage.FileAttributes{}, taskerrors.NewNotFound(op, uri, errors.New("no such object"))
	}

	return storage.FileAttributes{
		FileName: path.Base(p),
		Type:     storage.FileTypeDirectory,
	}, nil
}

func (s *S3Storage) Put(ctx context.Context, tenantID string, uri string, data io.Reader) (string, error) {
	defer storage.CloseReader(data)

	p, key, err := s.target(ctx, "put", tenantID, uri)
	if err != nil {
		return "", err
	}

	if p == "/" {
		return "", taskerrors.NewInvalidArgument("put", uri, "unable to write to the storage root")
	}

	// Streams can't be replayed, uploads are not retried
	if _, err := s.client.PutObject(ctx, s.bucket, key, data, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return "", mapError("put", uri, err)
	}

	return storage.NewURI(p), nil
}

func (s *S3Storage) CreateDirectory(ctx context.Context, tenantID string, uri string) (string, error) {
	p, err := storage.NonEmptyPath("createDirectory", uri)
	if err != nil {
		return "", err
	}

	_, key, err := s.target(ctx, "createDirectory", tenantID, uri)
	if err != nil {
		return "", err
	}

	if err := s.retry(ctx, func() error {
		_, err := s.client.PutObject(ctx, s.bucket, key+"/", strings.NewReader(""), 0, minio.PutObjectOptions{})
		return err
	}); err != nil {
		return "", mapError("createDirectory", uri, err)
	}

	return storage.NewURI(p), nil
}

func (s *S3Storage) Move(ctx context.Context, tenantID string, from, to string) (string, error) {
	toPath, toKey, err := s.target(ctx, "move", tenantID, to)
	if err != nil {
		return "", err
	}

	fromPath, fromKey, err := s.target(ctx, "move", tenantID, from)
	if err != nil {
		return "", err
	}

	if fromPath == "/" || toPath == "/" {
		return "", taskerrors.NewInvalidArgument("move", from, "unable to move the storage root")
	}

	if _, err := s.stat(ctx, fromKey); err == nil {
		if err := s.moveObject(ctx, fromKey, toKey); err != nil {
			return "", mapError("move", from, err)
		}

		return storage.NewURI(toPath), nil
	} else if !isNotFound(err) {
		return "", mapError("move", from, err)
	}

	objects, err := s.list(ctx, fromKey+"/", true)
	if err != nil {
		return "", mapError("move", from, err)
	}

	if len(objects) == 0 {
		return "", taskerrors.NewNotFound("move", from, errors.New("no such object"))
	}

	// Each object becomes visible at the destination only once copied completely
	for _, o := range objects {
		if err := s.moveObject(ctx, o.Key, toKey+strings.TrimPrefix(o.Key, fromKey)); err != nil {
			return "", mapError("move", from, err)
		}
	}

	return storage.NewURI(toPath), nil
}

func (s *S3Storage) moveObject(ctx context.Context, from, to string) error {
	if err := s.retry(ctx, func() error {
		_, err := s.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: s.bucket, Object: to},
			minio.CopySrcOptions{Bucket: s.bucket, Object: from},
		)
		return err
	}); err != nil {
		return err
	}

	return s.remove(ctx, from)
}

func (s *S3Storage) Delete(ctx context.Context, tenantID string, uri string) (bool, error) {
	p, key, err := s.target(ctx, "delete", tenantID, uri)
	if err != nil {
		return false, err
	}

	if p != "/" {
		if _, err := s.stat(ctx, key); err == nil {
			if err := s.remove(ctx, key); err != nil {
				return false, mapError("delete", uri, err)
			}

			return true, nil
		} else if !isNotFound(err) {
			return false, mapError("delete", uri, err)
		}
	}

	objects, err := s.list(ctx, key+"/", true)
	if err != nil {
		return false, mapError("delete", uri, err)
	}

	for _, o := range objects {
		if err := s.remove(ctx, o.Key); err != nil {
			return false, mapError("delete", uri, err)
		}
	}

	return len(objects) > 0, nil
}

func (s *S3Storage) DeleteByPrefix(ctx context.Context, tenantID string, prefix string) ([]string, error) {
	p, key, err := s.target(ctx, "deleteByPrefix", tenantID, prefix)
	if err != nil {
		return nil, err
	}

	root, _ := tenantPrefix("deleteByPrefix", tenantID)

	var keys []string
	if p != "/" {
		if _, err := s.stat(ctx, key); err == nil {
			keys = append(keys, key)
		} else if !isNotFound(err) {
			return nil, mapError("deleteByPrefix", prefix, err)
		}
	}

	objects, err := s.list(ctx, key+"/", true)
	if err != nil {
		return nil, mapError("deleteByPrefix", prefix, err)
	}

	for _, o := range objects {
		keys = append(keys, o.Key)
	}

	// Reverse lexical order lists every descendant before its parent
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	deleted := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := s.remove(ctx, k); err != nil {
			return deleted, mapError("deleteByPrefix", prefix, err)
		}

		deleted = append(deleted, uriOf(root, k))
	}

	s.options.Logger.DebugContext(ctx, "deleted by prefix", log.TenantIDKey, tenantID, log.URIKey, prefix, log.CountKey, len(deleted))

	return deleted, nil
}

func (s *S3Storage) stat(ctx context.Context, key string) (minio.ObjectInfo, error) {
	var info minio.ObjectInfo

	err := s.retry(ctx, func() error {
		var err error
		info, err = s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
		return err
	})

	return info, err
}

func (s *S3Storage) remove(ctx context.Context, key string) error {
	return s.retry(ctx, func() error {
		return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	})
}

func (s *S3Storage) isDirectory(ctx context.Context, key string) (bool, error) {
	objects, err := s.list(ctx, key+"/", false)
	if err != nil {
		return false, err
	}

	return len(objects) > 0, nil
}

func (s *S3Storage) list(ctx context.Context, prefix string, recursive bool) ([]minio.ObjectInfo, error) {
	var objects []minio.ObjectInfo

	err := s.retry(ctx, func() error {
		objects = objects[:0]

		// The channel has to be drained completely, the listing goroutine stops with the context
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for o := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: recursive,
		}) {
			if o.Err != nil {
				return o.Err
			}

			objects = append(objects, o)
		}

		return nil
	})

	return objects, err
}

// retry runs fn until it succeeds, fails permanently, or the retries are exhausted.
func (s *S3Storage) retry(ctx context.Context, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.options.InitialInterval

	b := backoff.WithContext(backoff.WithMaxRetries(eb, s.options.MaxRetries), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}

		return err
	}, b)
}

func fileAttributes(name string, info minio.ObjectInfo) storage.FileAttributes {
	return storage.FileAttributes{
		FileName:         name,
		Size:             info.Size,
		LastModifiedTime: info.LastModified,
		// Object stores keep no separate creation time
		CreationTime: info.LastModified,
		Type:         storage.FileTypeFile,
	}
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}

	return false
}

func isTransient(err error) bool {
	resp := minio.ToErrorResponse(err)

	switch resp.Code {
	case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
		return true
	}

	return resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
}

func mapError(op, uri string, err error) error {
	var te *taskerrors.Error
	if errors.As(err, &te) {
		return err
	}

	if isNotFound(err) {
		return taskerrors.NewNotFound(op, uri, err)
	}

	return taskerrors.NewIOFailure(op, uri, err)
}
