package errors

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// ErrorTracer carries a stable message plus the underlying error with its stack.
type ErrorTracer struct {
	Message string
	Err     error
}

// StackTracer is implemented by errors created through github.com/pkg/errors.
type StackTracer interface {
	StackTrace() errors.StackTrace
}

// NewTracer creates an ErrorTracer with the provided message.
func NewTracer(message string) *ErrorTracer {
	return &ErrorTracer{Message: message}
}

func (e *ErrorTracer) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ErrorTracer) Unwrap() error {
	return e.Err
}

// Wrap attaches err, adding a stack trace when err does not have one yet.
func (e *ErrorTracer) Wrap(err error) *ErrorTracer {
	e.Err = err
	if _, ok := err.(StackTracer); !ok && err != nil {
		e.Err = errors.WithStack(err)
	}
	return e
}

// StackTrace returns the stack of the wrapped error, if any.
func (e *ErrorTracer) StackTrace() errors.StackTrace {
	if st, ok := e.Err.(StackTracer); ok {
		return st.StackTrace()
	}
	return nil
}

// New returns an error with a stack trace.
func New(message string) error {
	return errors.New(message)
}

// Errorf formats an error with a stack trace.
func Errorf(format string, args ...any) error {
	return errors.Errorf(format, args...)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}
