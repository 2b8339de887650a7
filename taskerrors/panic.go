package taskerrors

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// PanicError is returned when task code panicked during an attempt.
type PanicError struct {
	message    string
	stacktrace string
}

func (pe *PanicError) Error() string {
	return pe.message
}

func (pe *PanicError) Stacktrace() string {
	return pe.stacktrace
}

// NewPanicError captures the recovered value along with the stack of the panicking goroutine. It
// has to be called from the deferred function that recovered.
func NewPanicError(recovered any) *PanicError {
	goerr := goerrors.Wrap(recovered, 2)

	return &PanicError{
		message:    fmt.Sprintf("panic: %v", recovered),
		stacktrace: string(goerr.Stack()),
	}
}
