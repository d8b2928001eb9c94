// Package storage defines the record store behind the install journal.
package storage

import (
	"context"

	"github.com/projecteru2/deploykit/lock"
)

// Initer is implemented by record types that need zero values filled in
// (nil maps) after loading, including when nothing was stored yet.
type Initer interface {
	Init()
}

// Store holds one value of T behind a cross-process lock.
//
// With and Update take the lock themselves. Read and Write do not: they are
// for a caller that already holds Locker(), such as a GC cycle that locks
// every module before looking at any of them.
type Store[T any] interface {
	With(ctx context.Context, fn func(*T) error) error
	// Update persists the value only if fn returns nil.
	Update(ctx context.Context, fn func(*T) error) error

	Read(fn func(*T) error) error
	Write(fn func(*T) error) error

	Locker() lock.Locker
}
