package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/config"
	"github.com/projecteru2/deploykit/gc"
	"github.com/projecteru2/deploykit/lock/flock"
	"github.com/projecteru2/deploykit/utils"
)

// WorkDirModuleName identifies abandoned mount directories in a GC cycle.
const WorkDirModuleName = "workdirs"

// WorkDirGC collects the mount directories of attempts that did not clean
// up after themselves. Its lock is the instance lock, so the module is
// skipped (and the cycle aborted) while an install is running; with the lock
// held every mount directory is abandoned.
func (in *Installer) WorkDirGC() gc.Module[[]string] {
	return gc.Module[[]string]{
		Name:   WorkDirModuleName,
		Locker: flock.New(in.conf.PIDLock()),
		ReadDB: func(_ context.Context) ([]string, error) {
			return utils.SubdirsWithPrefix(in.conf.WorkDir, config.MountPrefix), nil
		},
		Resolve: func(dirs []string, _ map[string]any) []string {
			return dirs
		},
		Collect: func(ctx context.Context, names []string) error {
			var errs []error
			for _, name := range names {
				if err := in.releaseWorkDir(ctx, filepath.Join(in.conf.WorkDir, name)); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

// releaseWorkDir detaches whatever an aborted attempt left mounted under
// root, then removes the directory. Target filesystems are never deleted
// from: a directory that stays non-empty is reported instead.
func (in *Installer) releaseWorkDir(ctx context.Context, root string) error {
	logger := log.WithFunc("install.releaseWorkDir")
	in.deps.RemoveBindMounts(ctx, root, true)
	if err := in.deps.Unmount(espMountPoint(root)); err != nil {
		logger.Warnf(ctx, "unmount ESP under %s: %v", root, err)
	}
	if err := in.deps.Swap.Off(ctx, root); err != nil {
		logger.Warnf(ctx, "swapoff under %s: %v", root, err)
	}
	if err := in.deps.Unmount(root); err != nil {
		return err
	}
	if err := os.Remove(root); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", root, err)
	}
	logger.Infof(ctx, "GC removed: %s", root)
	return nil
}
