package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_MessageIncludesAuditIDs(t *testing.T) {
	err := &Error{
		Code:        CodeTimeout,
		Message:     "resolution exceeded deadline",
		DeviceID:    "dev-1",
		OperationID: "op-1",
	}
	assert.Equal(t, "TIMEOUT: resolution exceeded deadline (device=dev-1, operation=op-1)", err.Error())
}

func TestHelpers_MatchWrappedErrors(t *testing.T) {
	base := NotFound("session", "s-1")
	wrapped := fmt.Errorf("handoff: %w", base)

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsTimeout(wrapped))
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.False(t, Is(nil, CodeNotFound))

	var se *Error
	require.True(t, errors.As(wrapped, &se))
	assert.Equal(t, "s-1", se.SessionID)
}

func TestNotFound_SetsKindField(t *testing.T) {
	tests := []struct {
		kind string
		get  func(*Error) string
	}{
		{"device", func(e *Error) string { return e.DeviceID }},
		{"operation", func(e *Error) string { return e.OperationID }},
		{"session", func(e *Error) string { return e.SessionID }},
		{"conflict", func(e *Error) string { return e.ConflictID }},
		{"entity", func(e *Error) string { return e.EntityID }},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			assert.Equal(t, "x", tt.get(NotFound(tt.kind, "x")))
		})
	}
}

func TestRejectedAndRetryable(t *testing.T) {
	assert.True(t, Rejected(NotFound("device", "d")))
	assert.True(t, Rejected(CapacityExceeded("queue", 5)))
	assert.True(t, Rejected(Invalid("bad priority %d", 11)))
	assert.False(t, Rejected(Timeout("handoff", time.Second, nil)))

	assert.True(t, Retryable(Timeout("resolution", time.Second, context.DeadlineExceeded)))
	assert.True(t, Retryable(&Error{Code: CodeHandoffFailed}))
	assert.False(t, Retryable(IntegrityMismatch("d", "a", "b")))
}

func TestTimeout_UnwrapsCause(t *testing.T) {
	err := Timeout("crisis broadcast", 200*time.Millisecond, context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "200ms", err.Details["deadline"])
}

func TestFields_SortedDetails(t *testing.T) {
	err := IntegrityMismatch("dev-1", "aaa", "bbb")
	assert.Equal(t,
		[]string{"code", "INTEGRITY_MISMATCH", "device_id", "dev-1", "actual", "bbb", "expected", "aaa"},
		err.Fields(),
	)
}
