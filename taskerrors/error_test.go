package taskerrors

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Is_MatchesKind(t *testing.T) {
	err := NewNotFound("get", "kestra:///a.txt", fs.ErrNotExist)

	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrTraversal)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func Test_Is_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("staging input: %w", NewTraversal("resolve", "../x"))

	require.ErrorIs(t, err, ErrTraversal)
	require.Equal(t, Traversal, KindOf(err))
}

func Test_KindOf_Unknown(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errors.New("foo")))
	require.Equal(t, KindUnknown, KindOf(nil))
}

func Test_Error_Message(t *testing.T) {
	err := NewInvalidArgument("createDirectory", "", "unable to create a directory with empty url")

	require.Equal(t, "createDirectory: invalid argument: unable to create a directory with empty url", err.Error())

	err = NewIOFailure("put", "kestra:///a", errors.New("disk full"))
	require.Equal(t, "put: io failure 'kestra:///a': disk full", err.Error())
}

func Test_PanicError(t *testing.T) {
	var pe *PanicError

	func() {
		defer func() {
			if r := recover(); r != nil {
				pe = NewPanicError(r)
			}
		}()

		panic("boom")
	}()

	require.NotNil(t, pe)
	require.Equal(t, "panic: boom", pe.Error())
	require.Contains(t, pe.Stacktrace(), "error_test.go")
}
