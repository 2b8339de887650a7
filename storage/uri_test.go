package storage

import (
	"testing"

	"github.com/cschleiden/go-taskrun/taskerrors"
	"github.com/stretchr/testify/require"
)

func Test_Path(t *testing.T) {
	tests := []struct {
		uri      string
		expected string
	}{
		{"kestra:///a/b.txt", "/a/b.txt"},
		{"kestra://a/b.txt", "/a/b.txt"},
		{"/a/b.txt", "/a/b.txt"},
		{"a/b.txt", "/a/b.txt"},
		{"a//b/./c", "/a/b/c"},
		{"kestra:///file..txt", "/file..txt"},
		{"kestra:///with%20space.txt", "/with space.txt"},
		{"kestra:///report-50%.csv", "/report-50%.csv"},
		{"", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			p, err := Path("test", tt.uri)
			require.NoError(t, err)
			require.Equal(t, tt.expected, p)
		})
	}
}

func Test_Path_RejectsTraversal(t *testing.T) {
	for _, uri := range []string{
		"kestra:///../etc/passwd",
		"kestra:///a/../../b",
		"../a",
		"a/..",
		"kestra:///a/%2e%2e/%2e%2e/b",
		`a\..\b`,
	} {
		t.Run(uri, func(t *testing.T) {
			_, err := Path("test", uri)
			require.ErrorIs(t, err, taskerrors.ErrTraversal)
		})
	}
}

func Test_Path_RejectsOtherSchemes(t *testing.T) {
	_, err := Path("test", "s3://bucket/key")
	require.ErrorIs(t, err, taskerrors.ErrInvalidArgument)
}

func Test_NonEmptyPath(t *testing.T) {
	for _, uri := range []string{"", "kestra://", "kestra:///", "/"} {
		_, err := NonEmptyPath("createDirectory", uri)
		require.ErrorIs(t, err, taskerrors.ErrInvalidArgument, uri)
	}

	p, err := NonEmptyPath("createDirectory", "kestra:///dir")
	require.NoError(t, err)
	require.Equal(t, "/dir", p)
}

func Test_NewURI(t *testing.T) {
	require.Equal(t, "kestra:///a/b.txt", NewURI("a/b.txt"))
	require.Equal(t, "kestra:///a/b.txt", NewURI("/a/b.txt"))
	require.True(t, IsStorageURI(NewURI("x")))
	require.False(t, IsStorageURI("/x"))
}
