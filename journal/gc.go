package journal

import (
	"context"

	"github.com/projecteru2/deploykit/gc"
	"github.com/projecteru2/deploykit/utils"
)

// GCModuleName identifies the journal in a GC cycle.
const GCModuleName = "journal"

// GCModule prunes the journal down to keep finished attempts and removes
// temporary files abandoned by interrupted writes.
func (j *Journal) GCModule(keep int) gc.Module[DB] {
	return gc.Module[DB]{
		Name:   GCModuleName,
		Locker: j.store.Locker(),
		ReadDB: func(_ context.Context) (DB, error) {
			var snap DB
			err := j.store.Read(func(db *DB) error {
				snap = *db
				return nil
			})
			return snap, err
		},
		Resolve: func(snap DB, _ map[string]any) []string {
			snap.Init()
			return pruneTargets(&snap, keep)
		},
		Collect: func(ctx context.Context, ids []string) error {
			drop := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				drop[id] = struct{}{}
			}
			if err := j.store.Write(func(db *DB) error {
				for id := range drop {
					delete(db.Attempts, id)
				}
				return nil
			}); err != nil {
				return err
			}
			return utils.RemoveStaleFiles(ctx, j.dir, ".tmp-", j.now().Add(-utils.StaleTempAge))
		},
	}
}
