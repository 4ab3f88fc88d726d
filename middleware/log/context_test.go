package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTraceID(t *testing.T) {
	t.Run("keeps the provided id", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-123")
		assert.Equal(t, "trace-123", GetTraceID(ctx))
	})

	t.Run("generates a uuid when empty", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "")
		assert.Len(t, GetTraceID(ctx), 36)
	})

	t.Run("child contexts can override", func(t *testing.T) {
		parent := WithTraceID(context.Background(), "trace-1")
		child := WithTraceID(parent, "trace-2")
		assert.Equal(t, "trace-2", GetTraceID(child))
		assert.Equal(t, "trace-1", GetTraceID(parent))
	})

	t.Run("missing or mistyped value reads as empty", func(t *testing.T) {
		assert.Empty(t, GetTraceID(context.Background()))
		ctx := context.WithValue(context.Background(), traceIDKey, 12345)
		assert.Empty(t, GetTraceID(ctx))
	})
}

func TestNewTraceIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewTraceID()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestUserID(t *testing.T) {
	assert.Empty(t, GetUserID(context.Background()))
	ctx := WithUserID(context.Background(), "alice")
	assert.Equal(t, "alice", GetUserID(ctx))
}
