package taskerrors

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can branch without knowing which backend produced them.
type Kind int

const (
	KindUnknown Kind = iota
	NotFound
	Traversal
	InvalidArgument
	IOFailure
	VariableResolution
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Traversal:
		return "path traversal"
	case InvalidArgument:
		return "invalid argument"
	case IOFailure:
		return "io failure"
	case VariableResolution:
		return "variable resolution"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound           = &Error{Kind: NotFound}
	ErrTraversal          = &Error{Kind: Traversal}
	ErrInvalidArgument    = &Error{Kind: InvalidArgument}
	ErrIOFailure          = &Error{Kind: IOFailure}
	ErrVariableResolution = &Error{Kind: VariableResolution}
)

type Error struct {
	Kind Kind

	// Op is the operation that failed, e.g. "get" or "resolve"
	Op string

	// Path is the URI or file path the operation was working on
	Path string

	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}

	if e.Path != "" {
		msg = fmt.Sprintf("%s '%s'", msg, e.Path)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any other *Error of the same kind, so errors.Is(err, ErrNotFound) works for every
// not-found error regardless of operation or path.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

var _ error = (*Error)(nil)

func New(kind Kind, op, path string, err error) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Path: path,
		Err:  err,
	}
}

func NewNotFound(op, path string, err error) error {
	return New(NotFound, op, path, err)
}

func NewTraversal(op, path string) error {
	return New(Traversal, op, path, errors.New("path should be accessed with its full path and not using relative '..' segments"))
}

func NewInvalidArgument(op, path string, msg string) error {
	return New(InvalidArgument, op, path, errors.New(msg))
}

func NewIOFailure(op, path string, err error) error {
	return New(IOFailure, op, path, err)
}

func NewVariableResolution(template string, err error) error {
	return New(VariableResolution, "render", template, err)
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}
