// Package paths holds the path guards shared by the working directory and the local storage.
package paths

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
)

// escapeMessage is the text of the error os.Root returns for paths resolving outside of the root.
// The os package does not export a sentinel for it.
const escapeMessage = "path escapes from parent"

// HasParentSegment reports whether p contains a ".." element, using both '/' and '\' as separators.
func HasParentSegment(p string) bool {
	for _, segment := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			return true
		}
	}

	return false
}

// Within reports whether p is base or lies below it. Both paths are expected to be clean.
func Within(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// IsEscape reports whether err was returned by os.Root for a path, e.g. a symbolic link, resolving
// outside of the root.
func IsEscape(err error) bool {
	if err == nil {
		return false
	}

	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err != nil && pe.Err.Error() == escapeMessage
	}

	return strings.Contains(err.Error(), escapeMessage)
}
