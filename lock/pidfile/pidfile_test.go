package pidfile

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/deploykit/errdefs"
)

func newTestLock(t *testing.T, alive func(int) bool) (*Lock, string) {
	t.Helper()
	dir := t.TempDir()
	l := New(filepath.Join(dir, "deploykit.pid"), filepath.Join(dir, "deploykit.lock"))
	l.alive = alive
	return l, l.Path()
}

func mustReadPID(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	return pid
}

func TestAcquireWritesDecimalPID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, path := newTestLock(t, func(int) bool { return false })
	require.NoError(t, l.Acquire(ctx))
	require.Equal(t, os.Getpid(), mustReadPID(t, path))

	require.NoError(t, l.Release(ctx))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
	require.NoError(t, l.Release(ctx))
}

func TestAcquireReplacesStaleLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, path := newTestLock(t, func(int) bool { return false })
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o600))

	require.NoError(t, l.Acquire(ctx))
	require.Equal(t, os.Getpid(), mustReadPID(t, path))
	require.NoError(t, l.Release(ctx))
}

func TestAcquireRefusesLiveOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, path := newTestLock(t, func(pid int) bool { return pid == 4242 })
	require.NoError(t, os.WriteFile(path, []byte("4242\n"), 0o600))

	err := l.Acquire(ctx)
	require.Error(t, err)
	require.True(t, errdefs.IsConfig(err))
	require.Contains(t, err.Error(), "4242")
	require.Equal(t, 4242, mustReadPID(t, path))

	// The flock must have been released on refusal.
	ok, err := l.fl.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.fl.Unlock(ctx))
}

func TestAcquireGarbageFileIsReplaced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, path := newTestLock(t, func(int) bool { return true })
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o600))
	require.NoError(t, l.Acquire(ctx))
	require.Equal(t, os.Getpid(), mustReadPID(t, path))
	require.NoError(t, l.Release(ctx))
}

func TestPIDHelpers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.pid")
	require.NoError(t, writePID(path, 1234))
	pid, err := readPID(path)
	require.NoError(t, err)
	require.Equal(t, 1234, pid)

	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0o600))
	_, err = readPID(path)
	require.Error(t, err)

	require.True(t, processAlive(os.Getpid()))
	require.False(t, processAlive(0))
}
