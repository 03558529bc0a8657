package unread

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()
	user := uuid.New()
	t1, t2 := uuid.New(), uuid.New()

	n, err := c.Incr(ctx, user, t1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, user, t1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = c.Incr(ctx, user, t2)
	require.NoError(t, err)

	perThread, total, err := c.Snapshot(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(2), perThread[t1.String()])
	assert.Equal(t, int64(1), perThread[t2.String()])

	require.NoError(t, c.Reset(ctx, user, t1))
	perThread, total, err = c.Snapshot(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.NotContains(t, perThread, t1.String())

	// Reset of an untouched thread is fine.
	require.NoError(t, c.Reset(ctx, user, uuid.New()))

	// Users are isolated.
	_, otherTotal, err := c.Snapshot(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, otherTotal)
}
