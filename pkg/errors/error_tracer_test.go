package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSentinel = stderrors.New("sentinel")

func TestErrorTracer_Wrap(t *testing.T) {
	err := NewTracer("journal_append_error").Wrap(errSentinel)

	assert.True(t, Is(err, errSentinel))
	assert.Equal(t, "journal_append_error: sentinel", err.Error())
	assert.NotEmpty(t, err.StackTrace())

	var tracer *ErrorTracer
	assert.True(t, As(error(err), &tracer))
	assert.Equal(t, "journal_append_error", tracer.Message)
}

func TestErrorTracer_KeepsExistingStack(t *testing.T) {
	inner := New("boom")
	err := NewTracer("outer").Wrap(inner)

	assert.Same(t, inner, err.Unwrap())
}

func TestErrorTracer_NoCause(t *testing.T) {
	err := NewTracer("alone")
	assert.Equal(t, "alone", err.Error())
	assert.Nil(t, err.StackTrace())
}
