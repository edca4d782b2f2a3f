// Package errors defines the error kinds reported by the storage driver.
//
// Every error returned by the driver satisfies errors.Is against exactly one
// of the kinds below, so callers can branch on the kind without parsing
// messages.
package errors

import (
	stderrors "errors"
	"fmt"
	"syscall"

	"github.com/juju/errors"
)

const (
	// NotFound is returned when no pool or volume matches a name, UUID, key or path.
	NotFound = errors.NotFound

	// AlreadyExists is returned when a definition clashes with a live pool or volume.
	AlreadyExists = errors.AlreadyExists

	// Unsupported is returned when a backend lacks the requested capability.
	Unsupported = errors.NotSupported

	// InvalidArgument is returned for requests that can never succeed as given.
	InvalidArgument = errors.NotValid

	// InvalidState is returned when the pool or volume state forbids the operation.
	InvalidState = errors.ConstError("invalid state")

	// IOFailure is returned when the underlying system or device reports an error.
	IOFailure = errors.ConstError("i/o failure")

	// InternalInconsistency is returned when data violates an invariant.
	InternalInconsistency = errors.ConstError("internal inconsistency")
)

// NotFoundf returns a NotFound error.
func NotFoundf(format string, args ...interface{}) error {
	return errors.NotFoundf(format, args...)
}

// AlreadyExistsf returns an AlreadyExists error.
func AlreadyExistsf(format string, args ...interface{}) error {
	return errors.AlreadyExistsf(format, args...)
}

// Unsupportedf returns an Unsupported error.
func Unsupportedf(format string, args ...interface{}) error {
	return errors.NotSupportedf(format, args...)
}

// InvalidArgumentf returns an InvalidArgument error.
func InvalidArgumentf(format string, args ...interface{}) error {
	return errors.WithType(errors.Errorf(format, args...), InvalidArgument)
}

// InvalidStatef returns an InvalidState error.
func InvalidStatef(format string, args ...interface{}) error {
	return errors.WithType(errors.Errorf(format, args...), InvalidState)
}

// Internalf returns an InternalInconsistency error.
func Internalf(format string, args ...interface{}) error {
	return errors.WithType(errors.Errorf(format, args...), InternalInconsistency)
}

// IOError is an IOFailure carrying the OS error code of its cause.
type IOError struct {
	Msg   string
	Errno syscall.Errno
	Err   error
}

func (e *IOError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

// Is reports whether target is the IOFailure kind.
func (e *IOError) Is(target error) bool {
	return target == IOFailure
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NewIOError wraps err as an IOFailure, extracting its errno when one is present.
// A nil err yields nil.
func NewIOError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	ioErr := &IOError{Msg: fmt.Sprintf(format, args...), Err: err}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		ioErr.Errno = errno
	}
	return ioErr
}

// Errno returns the OS error code carried by err, or zero.
func Errno(err error) syscall.Errno {
	var ioErr *IOError
	if stderrors.As(err, &ioErr) && ioErr.Errno != 0 {
		return ioErr.Errno
	}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno
	}
	return 0
}

// Kind returns the kind err satisfies, or nil when it carries none.
func Kind(err error) error {
	for _, kind := range []error{NotFound, AlreadyExists, Unsupported, InvalidArgument, InvalidState, IOFailure, InternalInconsistency} {
		if stderrors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
