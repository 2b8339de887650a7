package paths

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_HasParentSegment(t *testing.T) {
	tests := []struct {
		p    string
		want bool
	}{
		{"a/b.txt", false},
		{"..", true},
		{"a/../b", true},
		{`a\..\b`, true},
		{"a/..b/c", false},
		{"...", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.p, func(t *testing.T) {
			require.Equal(t, tt.want, HasParentSegment(tt.p))
		})
	}
}

func Test_Within(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "tmp", "base")

	tests := []struct {
		name string
		p    string
		want bool
	}{
		{"same", base, true},
		{"child", filepath.Join(base, "a", "b"), true},
		{"sibling with prefix", base + "x", false},
		{"parent", filepath.Dir(base), false},
		{"dotdot named child", filepath.Join(base, "..a"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Within(base, tt.p))
		})
	}
}

func Test_IsEscape(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(dir, "link.txt")))

	root, err := os.OpenRoot(dir)
	require.NoError(t, err)
	defer root.Close()

	_, linkErr := root.Open("link.txt")
	require.Error(t, linkErr)

	_, parentErr := root.Open("../secret.txt")
	require.Error(t, parentErr)

	_, missingErr := root.Open("missing.txt")
	require.Error(t, missingErr)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"symbolic link", linkErr, true},
		{"parent path", parentErr, true},
		{"wrapped", fmt.Errorf("opening: %w", linkErr), true},
		{"not found", missingErr, false},
		{"other path error", &fs.PathError{Op: "open", Path: "a", Err: errors.New("denied")}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsEscape(tt.err))
		})
	}
}
