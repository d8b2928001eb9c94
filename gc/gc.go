// Package gc reclaims state an install leaves behind when it does not finish
// cleanly: work directories of aborted attempts and old journal records.
package gc

import (
	"context"

	"github.com/projecteru2/deploykit/lock"
)

// Module describes one kind of state that participates in garbage
// collection. S is the snapshot type returned by ReadDB.
type Module[S any] struct {
	Name string

	// Locker is held for the whole cycle. TryLock returning false means an
	// install is using the state; the cycle is then aborted. A nil Locker
	// never contends.
	Locker lock.Locker

	// ReadDB captures the module's current state. Called with the lock held.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve returns the IDs to delete, given this module's snapshot and
	// the snapshots of every other module keyed by name.
	Resolve func(snap S, others map[string]any) []string

	// Collect deletes the given IDs. Called with the lock held.
	Collect func(ctx context.Context, ids []string) error
}

func (m Module[S]) name() string        { return m.Name }
func (m Module[S]) locker() lock.Locker { return m.Locker }

func (m Module[S]) snapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) targets(snap any, others map[string]any) []string {
	s, _ := snap.(S)
	return m.Resolve(s, others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}
