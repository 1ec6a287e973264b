package celldb

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryError_Error(t *testing.T) {
	err := NewCellUnavailableError("cell-2", "connection refused", nil, true)
	assert.Equal(t, "[cell_unavailable:CELL_UNAVAILABLE] cell cell-2: connection refused", err.Error())

	err = NewTimeoutError("deadline passed")
	assert.Equal(t, "[timeout_exceeded:QUERY_TIMEOUT] deadline passed", err.Error())
}

func TestQueryError_IsAndKindOf(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("execute: %w", NewCoordinationError("node failed", cause))

	assert.Equal(t, ErrorKindCoordinationFailed, KindOf(err))
	assert.True(t, IsKind(err, ErrorKindCoordinationFailed))
	assert.True(t, errors.Is(err, &QueryError{Kind: ErrorKindCoordinationFailed}))
	assert.False(t, errors.Is(err, &QueryError{Kind: ErrorKindCoordinationFailed, Code: ErrCodeQueryTimeout}))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, ErrorKind(""), KindOf(cause))
	assert.False(t, IsKind(nil, ErrorKindCoordinationFailed))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewCellUnavailableError("c", "reset", nil, true)))
	assert.False(t, IsTransient(NewCellUnavailableError("c", "bad schema", nil, false)))
	assert.False(t, IsTransient(NewTimeoutError("t")))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestQueryError_WithDetails(t *testing.T) {
	err := NewPermissionDeniedError("bob", "read", "cell-1").WithDetails(map[string]any{"cell": "cell-1"})
	assert.Equal(t, "bob", err.Details["caller"])
	assert.Equal(t, "read", err.Details["action"])
	assert.Equal(t, "cell-1", err.Details["cell"])
	assert.Equal(t, ErrorKindPermissionDenied, err.Kind)
}
