package json

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/deploykit/errdefs"
)

type doc struct {
	Items map[string]int `json:"items"`
}

func (d *doc) Init() {
	if d.Items == nil {
		d.Items = map[string]int{}
	}
}

func newStore(t *testing.T) *Store[doc] {
	t.Helper()
	dir := t.TempDir()
	return New[doc](filepath.Join(dir, "db.lock"), filepath.Join(dir, "db.json"))
}

func TestUpdateThenWith(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.With(ctx, func(d *doc) error {
		require.NotNil(t, d.Items)
		require.Empty(t, d.Items)
		return nil
	}))
	require.NoError(t, s.Update(ctx, func(d *doc) error {
		d.Items["a"] = 1
		return nil
	}))
	require.NoError(t, s.With(ctx, func(d *doc) error {
		require.Equal(t, 1, d.Items["a"])
		return nil
	}))
}

func TestUpdateErrorDoesNotPersist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	boom := errors.New("boom")
	err := s.Update(ctx, func(d *doc) error {
		d.Items["lost"] = 1
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, s.With(ctx, func(d *doc) error {
		require.NotContains(t, d.Items, "lost")
		return nil
	}))
}

func TestLockerExcludesUpdaters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	ok, err := s.Locker().TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	other := New[doc](s.locker.Path(), s.filePath)
	ok, err = other.Locker().TryLock(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Write(func(d *doc) error {
		d.Items["held"] = 2
		return nil
	}))
	require.NoError(t, s.Locker().Unlock(ctx))

	require.NoError(t, other.With(ctx, func(d *doc) error {
		require.Equal(t, 2, d.Items["held"])
		return nil
	}))
}

func TestEmptyFileReadsAsZero(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.filePath, []byte("\n"), 0o600))
	require.NoError(t, s.Read(func(d *doc) error {
		require.NotNil(t, d.Items)
		return nil
	}))

	require.NoError(t, os.WriteFile(s.filePath, []byte("{"), 0o600))
	err := s.Read(func(*doc) error { return nil })
	require.True(t, errdefs.IsInternal(err))
}
