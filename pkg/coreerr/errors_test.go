package coreerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCode_UnwrapsThroughChains(t *testing.T) {
	base := New(CodeQueueClosed, "queue closed", nil)
	wrapped := fmt.Errorf("outer: %w", base)

	assert.Equal(t, CodeQueueClosed, Code(base))
	assert.Equal(t, CodeQueueClosed, Code(wrapped))
	assert.Equal(t, "", Code(errors.New("plain")))
	assert.Equal(t, "", Code(nil))
}

func TestWrap_PreservesExistingCode(t *testing.T) {
	inner := New(CodeInvalidMessage, "bad payload", nil)
	wrapped := Wrap(inner, "while validating")
	assert.Equal(t, CodeInvalidMessage, wrapped.Code)

	plain := Wrap(errors.New("boom"), "context")
	assert.Equal(t, CodeUnavailable, plain.Code)

	assert.Nil(t, Wrap(nil, "ignored"))
}

func TestAppError_ErrorStringIncludesCauseWhenPresent(t *testing.T) {
	cause := errors.New("io failure")
	e := New(CodeRetriesExhausted, "gave up", cause)
	assert.Contains(t, e.Error(), CodeRetriesExhausted)
	assert.Contains(t, e.Error(), "io failure")
	require.ErrorIs(t, e, cause)
}

func TestSequenceConflict_DetectedThroughWrapping(t *testing.T) {
	sc := NewSequenceConflictError("tally-1", "stale read")
	wrapped := fmt.Errorf("sink: %w", error(sc))

	assert.True(t, IsSequenceConflict(sc))
	assert.True(t, IsSequenceConflict(wrapped))
	assert.False(t, IsSequenceConflict(errors.New("other")))

	got, ok := AsSequenceConflict(wrapped)
	require.True(t, ok)
	assert.Equal(t, "tally-1", got.Key)
}

func TestSequenceConflict_RetryableByDefaultAndNonRetryableCopy(t *testing.T) {
	sc := NewSequenceConflictError("k", "stale")
	assert.True(t, sc.Retryable())

	frozen := sc.NonRetryable()
	assert.False(t, frozen.Retryable())
	assert.True(t, sc.Retryable(), "NonRetryable returns a copy, not a mutation")
	assert.Equal(t, CodeSequenceConflict, Code(frozen))
}
