package json

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/lock"
	"github.com/projecteru2/deploykit/lock/flock"
	"github.com/projecteru2/deploykit/storage"
	"github.com/projecteru2/deploykit/utils"
)

// compile-time interface check.
var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// Store keeps T as one JSON document, guarded by a flock on a sibling file.
// Writes replace the document atomically, so readers never need the lock.
type Store[T any] struct {
	filePath string
	locker   *flock.Lock
}

// New creates a Store for the given lock and data file paths.
func New[T any](lockPath, filePath string) *Store[T] {
	return &Store[T]{filePath: filePath, locker: flock.New(lockPath)}
}

// Locker is the lock With and Update take.
func (s *Store[T]) Locker() lock.Locker { return s.locker }

// With runs fn on the stored value with the lock held. A missing file
// reads as the zero T.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		return s.Read(fn)
	})
}

// Update is a locked read-modify-write.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		return s.Write(fn)
	})
}

// Read loads the file and passes it to fn. The caller must hold the lock.
func (s *Store[T]) Read(fn func(*T) error) error {
	var data T
	raw, err := os.ReadFile(s.filePath) //nolint:gosec // state directory
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return errdefs.WithKind(fmt.Errorf("read %s: %w", s.filePath, err), errdefs.ErrInternal)
	case len(bytes.TrimSpace(raw)) > 0:
		if err := json.Unmarshal(raw, &data); err != nil {
			return errdefs.WithKind(fmt.Errorf("parse %s: %w", s.filePath, err), errdefs.ErrInternal)
		}
	}
	if initer, ok := any(&data).(storage.Initer); ok {
		initer.Init()
	}
	return fn(&data)
}

// Write loads the file, passes it to fn and persists the result atomically
// if fn returns nil. The caller must hold the lock.
func (s *Store[T]) Write(fn func(*T) error) error {
	return s.Read(func(data *T) error {
		if err := fn(data); err != nil {
			return err
		}
		return utils.AtomicWriteJSON(s.filePath, data)
	})
}
