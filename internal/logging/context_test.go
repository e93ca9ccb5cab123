package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctxKey string

func TestDetachContextWithTimeout(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.WithValue(context.Background(), ctxKey("request"), "req-1"))

	detached, cancel := DetachContextWithTimeout(parent, 50*time.Millisecond)
	defer cancel()

	cancelParent()
	require.Error(t, parent.Err())
	assert.NoError(t, detached.Err(), "parent cancellation must not reach the detached context")
	assert.Equal(t, "req-1", detached.Value(ctxKey("request")))

	select {
	case <-detached.Done():
	case <-time.After(time.Second):
		t.Fatal("detached context never timed out")
	}
	assert.ErrorIs(t, detached.Err(), context.DeadlineExceeded)
}
