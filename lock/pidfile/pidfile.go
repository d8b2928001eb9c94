// Package pidfile implements the host-wide singleton lock: a PID file holding
// the owner's process id in decimal, guarded by a flock on a sibling file.
//
// A PID file whose owner is no longer alive is stale; Acquire removes and
// replaces it instead of failing.
package pidfile

import (
	"context"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/lock/flock"
)

// Lock is the singleton instance lock.
type Lock struct {
	path string
	fl   *flock.Lock
	pid  int

	// alive is swapped in tests.
	alive func(pid int) bool
}

// New creates a Lock writing the PID to pidPath and holding flock on lockPath.
func New(pidPath, lockPath string) *Lock {
	return &Lock{
		path:  pidPath,
		fl:    flock.New(lockPath),
		pid:   os.Getpid(),
		alive: processAlive,
	}
}

// Acquire takes the lock without blocking. A live owner yields a ConfigError
// naming its PID.
func (l *Lock) Acquire(ctx context.Context) error {
	logger := log.WithFunc("pidfile.Acquire")

	ok, err := l.fl.TryLock(ctx)
	if err != nil {
		return errdefs.WithKind(fmt.Errorf("lock %s: %w", l.path, err), errdefs.ErrInternal)
	}
	if !ok {
		owner, _ := readPID(l.path)
		return errdefs.Config("another installer instance is running (pid %d)", owner)
	}

	owner, err := readPID(l.path)
	switch {
	case err == nil && owner != l.pid && l.alive(owner):
		l.fl.Unlock(ctx) //nolint:errcheck
		return errdefs.Config("another installer instance is running (pid %d)", owner)
	case err == nil && owner != l.pid:
		logger.Warnf(ctx, "removing stale lock %s held by dead pid %d", l.path, owner)
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			l.fl.Unlock(ctx) //nolint:errcheck
			return errdefs.WithKind(fmt.Errorf("remove stale lock %s: %w", l.path, rmErr), errdefs.ErrInternal)
		}
	case err != nil && !os.IsNotExist(err):
		logger.Warnf(ctx, "replacing unreadable lock %s: %v", l.path, err)
	}

	if err := writePID(l.path, l.pid); err != nil {
		l.fl.Unlock(ctx) //nolint:errcheck
		return errdefs.WithKind(fmt.Errorf("write lock %s: %w", l.path, err), errdefs.ErrInternal)
	}
	return nil
}

// Release removes the PID file if this process owns it and drops the flock.
// Safe to call more than once.
func (l *Lock) Release(ctx context.Context) error {
	if owner, err := readPID(l.path); err == nil && owner == l.pid {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			log.WithFunc("pidfile.Release").Warnf(ctx, "remove %s: %v", l.path, err)
		}
	}
	return l.fl.Unlock(ctx)
}

// Path returns the PID file path.
func (l *Lock) Path() string { return l.path }
