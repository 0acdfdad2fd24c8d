package lock_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-hip/lock"
)

func TestTryAcquireExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	l, err := lock.TryAcquire(path)
	require.NoError(t, err)
	assert.Equal(t, path, l.Path())

	pid, err := lock.Holder(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// flock is per open file description, so a second open in the same
	// process conflicts.
	_, err = lock.TryAcquire(path)
	require.ErrorIs(t, err, lock.ErrHeld)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	pid, err = lock.Holder(path)
	require.NoError(t, err)
	assert.Zero(t, pid)

	l2, err := lock.TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, l2.Close())
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	held, err := lock.TryAcquire(path)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := lock.Acquire(ctx, path)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestAcquireHonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	held, err := lock.TryAcquire(path)
	require.NoError(t, err)
	defer held.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = lock.Acquire(ctx, path)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHolderMissingFile(t *testing.T) {
	pid, err := lock.Holder(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Zero(t, pid)
}
