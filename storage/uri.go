package storage

import (
	"net/url"
	"path"
	"strings"

	"github.com/cschleiden/go-taskrun/internal/paths"
	"github.com/cschleiden/go-taskrun/taskerrors"
)

const (
	Scheme       = "kestra"
	SchemePrefix = Scheme + "://"
)

// IsStorageURI returns true if s uses the storage URI scheme.
func IsStorageURI(s string) bool {
	return strings.HasPrefix(s, SchemePrefix)
}

// NewURI returns the canonical storage URI for the given slash-separated path.
func NewURI(p string) string {
	return SchemePrefix + path.Clean("/"+p)
}

// Path validates uri and returns its path, cleaned and rooted at "/". Everything following the
// scheme is treated as the path, so kestra:///a/b and kestra://a/b both address /a/b.
//
// URIs containing a '..' segment, before or after percent-decoding, are rejected with a traversal
// error.
func Path(op, uri string) (string, error) {
	p, err := rawPath(op, uri)
	if err != nil {
		return "", err
	}

	return path.Clean("/" + p), nil
}

// NonEmptyPath is like Path but rejects URIs without a path with an invalid argument error.
func NonEmptyPath(op, uri string) (string, error) {
	p, err := rawPath(op, uri)
	if err != nil {
		return "", err
	}

	if strings.Trim(p, "/") == "" {
		return "", taskerrors.NewInvalidArgument(op, uri, "unable to create a directory with empty url")
	}

	return path.Clean("/" + p), nil
}

func rawPath(op, uri string) (string, error) {
	p := uri
	if IsStorageURI(uri) {
		p = strings.TrimPrefix(uri, SchemePrefix)
	} else if i := strings.Index(uri, "://"); i > 0 && !strings.Contains(uri[:i], "/") {
		return "", taskerrors.NewInvalidArgument(op, uri, "unsupported uri scheme '"+uri[:i]+"'")
	}

	if paths.HasParentSegment(p) {
		return "", taskerrors.NewTraversal(op, uri)
	}

	// Paths that are not valid percent-encodings are taken literally
	decoded, err := url.PathUnescape(p)
	if err != nil {
		decoded = p
	}

	if paths.HasParentSegment(decoded) {
		return "", taskerrors.NewTraversal(op, uri)
	}

	return decoded, nil
}
