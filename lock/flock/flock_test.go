package flock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	l := New(path)
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx))
	require.NoError(t, l.Unlock(ctx))
	require.NoError(t, l.Lock(ctx))
	require.NoError(t, l.Unlock(ctx))
}

func TestTryLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	ctx := context.Background()

	a := New(path)
	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A second Lock instance on the same path is held off by flock(2).
	b := New(path)
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Unlock(ctx))
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Unlock(ctx))
}

func TestLockRespectsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	a := New(path)
	require.NoError(t, a.Lock(context.Background()))
	defer a.Unlock(context.Background()) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	b := New(path)
	assert.Error(t, b.Lock(ctx))
}

func TestUnlockWithoutLock(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "test.lock"))
	assert.NoError(t, l.Unlock(context.Background()))
}
