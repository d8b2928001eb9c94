package gc

import (
	"context"

	"github.com/projecteru2/deploykit/lock"
)

// runner erases S so modules with different snapshot types can share one
// Orchestrator. Module[S] is its only implementation.
type runner interface {
	name() string
	locker() lock.Locker
	snapshot(ctx context.Context) (any, error)
	targets(snap any, others map[string]any) []string
	collect(ctx context.Context, ids []string) error
}
