package distributed_lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLock_TryLockIsExclusive(t *testing.T) {
	lock := NewMemoryLock()
	ctx := context.Background()

	ok, err := lock.TryLock(ctx, "quality_binding:b1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.TryLock(ctx, "quality_binding:b1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "同一个键不能重复获取")

	locked, _ := lock.IsLocked(ctx, "quality_binding:b1")
	assert.True(t, locked)

	require.NoError(t, lock.Unlock(ctx, "quality_binding:b1"))
	ok, _ = lock.TryLock(ctx, "quality_binding:b1", time.Minute)
	assert.True(t, ok)
}

func TestMemoryLock_Expires(t *testing.T) {
	lock := NewMemoryLock()
	ctx := context.Background()

	ok, _ := lock.TryLock(ctx, "k", 20*time.Millisecond)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	ok, _ = lock.TryLock(ctx, "k", time.Minute)
	assert.True(t, ok, "过期后应可重新获取")
}

func TestMemoryLock_RefreshMissingKey(t *testing.T) {
	lock := NewMemoryLock()
	assert.Error(t, lock.Refresh(context.Background(), "missing", time.Second))
}

func TestLockExecutor_SkipsWhenHeld(t *testing.T) {
	lock := NewMemoryLock()
	ctx := context.Background()
	executor := NewLockExecutor(lock)

	ok, _ := lock.TryLock(ctx, "rule:r1", time.Minute)
	require.True(t, ok)

	called := false
	ran, err := executor.ExecuteWithLock(ctx, "rule:r1", time.Minute, func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.False(t, called)
}

func TestLockExecutor_ReleasesAfterRun(t *testing.T) {
	lock := NewMemoryLock()
	ctx := context.Background()
	executor := NewLockExecutor(lock)

	boom := errors.New("boom")
	ran, err := executor.ExecuteWithLock(ctx, "rule:r2", time.Minute, func() error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	locked, _ := lock.IsLocked(ctx, "rule:r2")
	assert.False(t, locked)
}

func TestLockExecutor_NilLockRunsDirectly(t *testing.T) {
	var executor *LockExecutor
	ran, err := executor.ExecuteWithLock(context.Background(), "x", time.Second, func() error { return nil })
	assert.True(t, ran)
	assert.NoError(t, err)
}
