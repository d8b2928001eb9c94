// Package flock implements lock.Locker over flock(2).
package flock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/projecteru2/deploykit/lock"
)

const retryDelay = 100 * time.Millisecond

var _ lock.Locker = (*Lock)(nil)

// Lock is an exclusive lock on a file, shared by processes and by the
// goroutines holding the same *Lock. flock(2) alone does not exclude two
// goroutines of one process, so a one-slot channel guards the fd: whoever
// puts a token in it may open and lock a fresh fd.
type Lock struct {
	path  string
	token chan struct{}
	held  *flock.Flock // non-nil while locked
}

// New creates a Lock on path. The file and its directory are created on
// first acquisition.
func New(path string) *Lock {
	return &Lock{path: path, token: make(chan struct{}, 1)}
}

// Path is the lock file.
func (l *Lock) Path() string { return l.path }

// Lock blocks until the lock is held or ctx ends.
func (l *Lock) Lock(ctx context.Context) error {
	select {
	case l.token <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", l.path, ctx.Err())
	}
	ok, err := l.acquire(func(fl *flock.Flock) (bool, error) {
		return fl.TryLockContext(ctx, retryDelay)
	})
	switch {
	case err != nil:
		return fmt.Errorf("lock %s: %w", l.path, err)
	case !ok:
		return fmt.Errorf("lock %s: %w", l.path, context.Cause(ctx))
	}
	return nil
}

// TryLock reports false, without error, when someone else holds the lock.
func (l *Lock) TryLock(_ context.Context) (bool, error) {
	select {
	case l.token <- struct{}{}:
	default:
		return false, nil
	}
	ok, err := l.acquire(func(fl *flock.Flock) (bool, error) { return fl.TryLock() })
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", l.path, err)
	}
	return ok, nil
}

// Unlock releases the lock. Unlocking an unheld Lock is a no-op.
func (l *Lock) Unlock(_ context.Context) error {
	held := l.held
	l.held = nil
	var err error
	if held != nil {
		err = held.Close()
	}
	select {
	case <-l.token:
	default:
	}
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}

// acquire runs try on a fresh fd while the caller holds the token. The token
// is handed back unless the flock was taken.
func (l *Lock) acquire(try func(*flock.Flock) (bool, error)) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		<-l.token
		return false, err
	}
	fl := flock.New(l.path)
	ok, err := try(fl)
	if err != nil || !ok {
		<-l.token
		return false, err
	}
	l.held = fl
	return true, nil
}
