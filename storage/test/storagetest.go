package test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/cschleiden/go-taskrun/storage"
	"github.com/cschleiden/go-taskrun/taskerrors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// StorageTest runs the behavior every storage.Storage implementation has to provide. setup is
// called once per test case and has to return an empty storage.
func StorageTest(t *testing.T, setup func() storage.Storage, teardown func(s storage.Storage)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, s storage.Storage)
	}{
		{
			name: "Put_ReturnsStorageURI",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				uri, err := s.Put(ctx, "", "kestra:///a/b.txt", strings.NewReader("hello"))
				require.NoError(t, err)
				require.Equal(t, "kestra:///a/b.txt", uri)
			},
		},
		{
			name: "Put_ThenGet_ReturnsContent",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.Put(ctx, "", "kestra:///x/y/z.txt", strings.NewReader("hello"))
				require.NoError(t, err)

				require.Equal(t, "hello", read(t, ctx, s, "", "kestra:///x/y/z.txt"))

				size, err := s.Size(ctx, "", "kestra:///x/y/z.txt")
				require.NoError(t, err)
				require.Equal(t, int64(5), size)
			},
		},
		{
			name: "Put_OverwritesExisting",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.Put(ctx, "", "kestra:///f.txt", strings.NewReader("first"))
				require.NoError(t, err)
				_, err = s.Put(ctx, "", "kestra:///f.txt", strings.NewReader("second"))
				require.NoError(t, err)

				require.Equal(t, "second", read(t, ctx, s, "", "kestra:///f.txt"))
			},
		},
		{
			name: "Put_ClosesReader",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				r := &closeTracker{Reader: strings.NewReader("data")}
				_, err := s.Put(ctx, "", "kestra:///closed.txt", r)
				require.NoError(t, err)
				require.True(t, r.closed)
			},
		},
		{
			name: "Put_EmptyContent",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.Put(ctx, "", "kestra:///empty.txt", bytes.NewReader(nil))
				require.NoError(t, err)

				size, err := s.Size(ctx, "", "kestra:///empty.txt")
				require.NoError(t, err)
				require.Zero(t, size)
			},
		},
		{
			name: "Traversal_RejectedWithoutSideEffects",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				tenantID := "t-" + uuid.NewString()

				_, err := s.Put(ctx, tenantID, "kestra:///../evil.txt", strings.NewReader("x"))
				require.ErrorIs(t, err, taskerrors.ErrTraversal)

				_, err = s.Get(ctx, "", "kestra:///a/../../etc/passwd")
				require.ErrorIs(t, err, taskerrors.ErrTraversal)

				_, err = s.Exists(ctx, "", "kestra:///a/%2e%2e/b")
				require.ErrorIs(t, err, taskerrors.ErrTraversal)

				_, err = s.Move(ctx, "", "kestra:///a.txt", "kestra:///../b.txt")
				require.ErrorIs(t, err, taskerrors.ErrTraversal)

				_, err = s.DeleteByPrefix(ctx, "", "kestra:///..")
				require.ErrorIs(t, err, taskerrors.ErrTraversal)

				// Nothing was written for the tenant
				l, err := s.List(ctx, tenantID, "kestra:///")
				if err == nil {
					require.Empty(t, l)
				} else {
					require.ErrorIs(t, err, taskerrors.ErrNotFound)
				}
			},
		},
		{
			name: "Get_NotFound",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.Get(ctx, "", "kestra:///missing.txt")
				require.ErrorIs(t, err, taskerrors.ErrNotFound)
			},
		},
		{
			name: "Exists",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				ok, err := s.Exists(ctx, "", "kestra:///e.txt")
				require.NoError(t, err)
				require.False(t, ok)

				_, err = s.Put(ctx, "", "kestra:///e.txt", strings.NewReader("x"))
				require.NoError(t, err)

				ok, err = s.Exists(ctx, "", "kestra:///e.txt")
				require.NoError(t, err)
				require.True(t, ok)
			},
		},
		{
			name: "Size_NotFound",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.Size(ctx, "", "kestra:///missing.txt")
				require.ErrorIs(t, err, taskerrors.ErrNotFound)

				_, err = s.LastModifiedTime(ctx, "", "kestra:///missing.txt")
				require.ErrorIs(t, err, taskerrors.ErrNotFound)

				_, err = s.GetAttributes(ctx, "", "kestra:///missing.txt")
				require.ErrorIs(t, err, taskerrors.ErrNotFound)
			},
		},
		{
			name: "GetAttributes_File",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.Put(ctx, "", "kestra:///dir/file.txt", strings.NewReader("abc"))
				require.NoError(t, err)

				attrs, err := s.GetAttributes(ctx, "", "kestra:///dir/file.txt")
				require.NoError(t, err)
				require.Equal(t, "file.txt", attrs.FileName)
				require.Equal(t, int64(3), attrs.Size)
				require.Equal(t, storage.FileTypeFile, attrs.Type)
				require.False(t, attrs.LastModifiedTime.IsZero())

				attrs, err = s.GetAttributes(ctx, "", "kestra:///dir")
				require.NoError(t, err)
				require.True(t, attrs.IsDirectory())
			},
		},
		{
			name: "List_NonRecursiveAndSorted",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				for _, uri := range []string{"kestra:///l/b.txt", "kestra:///l/a.txt", "kestra:///l/sub/c.txt"} {
					_, err := s.Put(ctx, "", uri, strings.NewReader("x"))
					require.NoError(t, err)
				}

				l, err := s.List(ctx, "", "kestra:///l")
				require.NoError(t, err)
				require.Len(t, l, 3)
				require.Equal(t, "a.txt", l[0].FileName)
				require.Equal(t, "b.txt", l[1].FileName)
				require.Equal(t, "sub", l[2].FileName)
				require.True(t, l[2].IsDirectory())
			},
		},
		{
			name: "List_NotFound",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.List(ctx, "", "kestra:///does/not/exist")
				require.ErrorIs(t, err, taskerrors.ErrNotFound)
			},
		},
		{
			name: "CreateDirectory_Idempotent",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				uri, err := s.CreateDirectory(ctx, "", "kestra:///new/dir")
				require.NoError(t, err)
				require.Equal(t, "kestra:///new/dir", uri)

				uri2, err := s.CreateDirectory(ctx, "", "kestra:///new/dir")
				require.NoError(t, err)
				require.Equal(t, uri, uri2)

				attrs, err := s.GetAttributes(ctx, "", "kestra:///new/dir")
				require.NoError(t, err)
				require.True(t, attrs.IsDirectory())
			},
		},
		{
			name: "CreateDirectory_EmptyPath",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.CreateDirectory(ctx, "", "kestra://")
				require.ErrorIs(t, err, taskerrors.ErrInvalidArgument)

				_, err = s.CreateDirectory(ctx, "", "kestra:///")
				require.ErrorIs(t, err, taskerrors.ErrInvalidArgument)
			},
		},
		{
			name: "Move_File",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.Put(ctx, "", "kestra:///m/from.txt", strings.NewReader("moved"))
				require.NoError(t, err)

				uri, err := s.Move(ctx, "", "kestra:///m/from.txt", "kestra:///m/other/to.txt")
				require.NoError(t, err)
				require.Equal(t, "kestra:///m/other/to.txt", uri)

				ok, err := s.Exists(ctx, "", "kestra:///m/from.txt")
				require.NoError(t, err)
				require.False(t, ok)

				require.Equal(t, "moved", read(t, ctx, s, "", "kestra:///m/other/to.txt"))
			},
		},
		{
			name: "Move_Directory",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.Put(ctx, "", "kestra:///md/a/1.txt", strings.NewReader("1"))
				require.NoError(t, err)
				_, err = s.Put(ctx, "", "kestra:///md/a/b/2.txt", strings.NewReader("2"))
				require.NoError(t, err)

				_, err = s.Move(ctx, "", "kestra:///md/a", "kestra:///md/c")
				require.NoError(t, err)

				require.Equal(t, "1", read(t, ctx, s, "", "kestra:///md/c/1.txt"))
				require.Equal(t, "2", read(t, ctx, s, "", "kestra:///md/c/b/2.txt"))

				ok, err := s.Exists(ctx, "", "kestra:///md/a/1.txt")
				require.NoError(t, err)
				require.False(t, ok)
			},
		},
		{
			name: "Move_SourceNotFound",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.Move(ctx, "", "kestra:///nope.txt", "kestra:///dest.txt")
				require.ErrorIs(t, err, taskerrors.ErrNotFound)
			},
		},
		{
			name: "Delete",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				ok, err := s.Delete(ctx, "", "kestra:///d.txt")
				require.NoError(t, err)
				require.False(t, ok)

				_, err = s.Put(ctx, "", "kestra:///d.txt", strings.NewReader("x"))
				require.NoError(t, err)

				ok, err = s.Delete(ctx, "", "kestra:///d.txt")
				require.NoError(t, err)
				require.True(t, ok)

				ok, err = s.Exists(ctx, "", "kestra:///d.txt")
				require.NoError(t, err)
				require.False(t, ok)
			},
		},
		{
			name: "Delete_DirectoryRecursive",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.Put(ctx, "", "kestra:///dd/a/b.txt", strings.NewReader("x"))
				require.NoError(t, err)

				ok, err := s.Delete(ctx, "", "kestra:///dd")
				require.NoError(t, err)
				require.True(t, ok)

				ok, err = s.Exists(ctx, "", "kestra:///dd/a/b.txt")
				require.NoError(t, err)
				require.False(t, ok)
			},
		},
		{
			name: "DeleteByPrefix_DeepestFirst",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.Put(ctx, "", "kestra:///p/x/1.txt", strings.NewReader("1"))
				require.NoError(t, err)
				_, err = s.Put(ctx, "", "kestra:///p/x/y/2.txt", strings.NewReader("2"))
				require.NoError(t, err)

				deleted, err := s.DeleteByPrefix(ctx, "", "kestra:///p")
				require.NoError(t, err)
				require.Contains(t, deleted, "kestra:///p/x/1.txt")
				require.Contains(t, deleted, "kestra:///p/x/y/2.txt")

				// Every entry is listed before its parent
				pos := map[string]int{}
				for i, d := range deleted {
					pos[d] = i
				}
				for d, i := range pos {
					parent := d[:strings.LastIndex(d, "/")]
					if j, ok := pos[parent]; ok {
						require.Less(t, i, j, "%s deleted after its parent", d)
					}
				}

				ok, err := s.Exists(ctx, "", "kestra:///p/x/1.txt")
				require.NoError(t, err)
				require.False(t, ok)

				deleted, err = s.DeleteByPrefix(ctx, "", "kestra:///p")
				require.NoError(t, err)
				require.Empty(t, deleted)
			},
		},
		{
			name: "TenantIsolation",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				a := "a-" + uuid.NewString()
				b := "b-" + uuid.NewString()

				_, err := s.Put(ctx, a, "kestra:///a/b.txt", strings.NewReader("from a"))
				require.NoError(t, err)

				ok, err := s.Exists(ctx, b, "kestra:///a/b.txt")
				require.NoError(t, err)
				require.False(t, ok)

				_, err = s.Get(ctx, b, "kestra:///a/b.txt")
				require.ErrorIs(t, err, taskerrors.ErrNotFound)

				_, err = s.Put(ctx, b, "kestra:///a/b.txt", strings.NewReader("from b"))
				require.NoError(t, err)

				require.Equal(t, "from a", read(t, ctx, s, a, "kestra:///a/b.txt"))
				require.Equal(t, "from b", read(t, ctx, s, b, "kestra:///a/b.txt"))
			},
		},
		{
			name: "InvalidTenantID",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.Put(ctx, "../other", "kestra:///x.txt", strings.NewReader("x"))
				require.Error(t, err)
				require.True(t, errors.Is(err, taskerrors.ErrInvalidArgument) || errors.Is(err, taskerrors.ErrTraversal))
			},
		},
		{
			name: "UnsupportedScheme",
			f: func(t *testing.T, ctx context.Context, s storage.Storage) {
				_, err := s.Get(ctx, "", "s3://bucket/x.txt")
				require.ErrorIs(t, err, taskerrors.ErrInvalidArgument)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setup()
			ctx := context.Background()
			tt.f(t, ctx, s)
			if teardown != nil {
				teardown(s)
			}
		})
	}
}

func read(t *testing.T, ctx context.Context, s storage.Storage, tenantID, uri string) string {
	t.Helper()

	r, err := s.Get(ctx, tenantID, uri)
	require.NoError(t, err)
	defer r.Close()

	b, err := io.ReadAll(r)
	require.NoError(t, err)

	return string(b)
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}
