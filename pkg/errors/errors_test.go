package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeStoreRead, "row vanished")

	assert.Equal(t, ErrCodeStoreRead, err.Code)
	assert.Equal(t, CategoryStore, err.Category)
	assert.False(t, err.Retryable)
	assert.False(t, err.Timestamp.IsZero())
	assert.Equal(t, "STORE_READ: row vanished", err.Error())
}

func TestErrorStringWithContext(t *testing.T) {
	err := New(ErrCodeStoreWrite, "disk full").
		WithComponent("store").
		WithOperation("set").
		WithKey("chunk_f1_0")

	assert.Equal(t, "[store:set] STORE_WRITE: disk full", err.Error())
	assert.Equal(t, "chunk_f1_0", err.Key)

	noOp := New(ErrCodeStoreWrite, "disk full").WithComponent("store")
	assert.Equal(t, "[store] STORE_WRITE: disk full", noOp.Error())
}

func TestWrapAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := Wrap(ErrCodeStoreWrite, "failed to persist chunk", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, err.Unwrap())
}

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(ErrCodeStoreRead, "outer", New(ErrCodeDeserialization, "inner"))

	assert.True(t, Is(err, New(ErrCodeStoreRead, "anything")))
	assert.True(t, Is(err, New(ErrCodeDeserialization, "anything")))
	assert.False(t, Is(err, New(ErrCodeCacheFull, "anything")))
}

func TestGetCategory(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigValidation, CategoryConfiguration},
		{ErrCodeStoreOpen, CategoryStore},
		{ErrCodeStoreDelete, CategoryStore},
		{ErrCodeCacheFull, CategoryResource},
		{ErrCodeResourceExhausted, CategoryResource},
		{ErrCodeSerialization, CategorySerialization},
		{ErrCodeDeserialization, CategorySerialization},
		{ErrCodeClosed, CategoryState},
		{ErrCodeValidationFailed, CategoryState},
		{ErrCodeInternalError, CategoryInternal},
		{ErrCodePanicRecovered, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, GetCategory(tt.code))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrCodeStoreUnavailable, "locked")))
	assert.True(t, IsRetryable(New(ErrCodeResourceExhausted, "pool drained")))
	assert.False(t, IsRetryable(New(ErrCodeValidationFailed, "bad progress")))
	assert.False(t, IsRetryable(fmt.Errorf("plain error")))

	// Wrapping preserves retryability through the chain.
	wrapped := fmt.Errorf("outer: %w", New(ErrCodeStoreOpen, "cannot open"))
	assert.True(t, IsRetryable(wrapped))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeStoreRead, CodeOf(New(ErrCodeStoreRead, "x")))
	assert.Equal(t, ErrCodeInternalError, CodeOf(fmt.Errorf("plain")))

	wrapped := fmt.Errorf("outer: %w", New(ErrCodeCacheFull, "full"))
	assert.Equal(t, ErrCodeCacheFull, CodeOf(wrapped))
}

func TestJSON(t *testing.T) {
	err := New(ErrCodeStoreWrite, "disk full").WithKey("chunk_f1_0")
	out := err.JSON()

	assert.Contains(t, out, `"code":"STORE_WRITE"`)
	assert.Contains(t, out, `"key":"chunk_f1_0"`)
	assert.Contains(t, out, `"retryable":false`)
}
