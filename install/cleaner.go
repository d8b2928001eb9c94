package install

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/pipeline"
)

// Cleaner undoes the host-side state of an attempt: it leaves a chroot the
// process may still be in, copies the log into the target, unmounts the ESP,
// disables the swapfile, removes bind mounts, detaches the target root and
// flushes buffers. It runs at most once; later calls return immediately.
// Failures are logged and never stop the remaining steps.
type Cleaner struct {
	deps *Deps
	root string
	efi  bool

	mu         sync.Mutex
	done       bool
	rootMount  bool
	espMount   bool
	swapOn     bool
	bound      bool
	logFile    string
	logTarget  string
	finished   chan struct{}
	finishOnce sync.Once
}

func newCleaner(deps *Deps, root string, efi bool) *Cleaner {
	return &Cleaner{deps: deps, root: root, efi: efi, finished: make(chan struct{})}
}

// hold runs fn unless cleanup has already run, in which case it returns
// pipeline.ErrCancelled. Cleanup waits for fn to return, so fn may record
// the host state it creates on c directly, and guest steps run by fn never
// see the target root pulled out from under them.
func (c *Cleaner) hold(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return pipeline.ErrCancelled
	}
	return fn()
}

// Done is closed once cleanup has run.
func (c *Cleaner) Done() <-chan struct{} { return c.finished }

// Run performs the cleanup. It is safe to call from several goroutines.
func (c *Cleaner) Run(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	defer c.finishOnce.Do(func() { close(c.finished) })

	logger := log.WithFunc("install.Cleanup")
	logger.Infof(ctx, "cleaning up %s", c.root)

	if err := c.deps.EscapeActive(ctx); err != nil {
		logger.Warnf(ctx, "leave target root: %v", err)
	}
	if c.logTarget != "" {
		if err := copyLog(c.logFile, c.logTarget); err != nil {
			logger.Warnf(ctx, "copy log to %s: %v", c.logTarget, err)
		}
	}
	if c.espMount {
		if err := c.deps.Unmount(espMountPoint(c.root)); err != nil {
			logger.Warnf(ctx, "unmount ESP: %v", err)
		}
	}
	if c.swapOn {
		if err := c.deps.Swap.Off(ctx, c.root); err != nil {
			logger.Warnf(ctx, "swapoff: %v", err)
		}
	}
	if c.bound {
		c.deps.RemoveBindMounts(ctx, c.root, c.efi)
	}
	if c.rootMount {
		if err := c.deps.Unmount(c.root); err != nil {
			logger.Warnf(ctx, "unmount target root: %v", err)
		}
	}
	// Only succeeds once nothing is mounted there any more.
	if err := os.Remove(c.root); err != nil && !os.IsNotExist(err) {
		logger.Warnf(ctx, "remove %s: %v", c.root, err)
	}
	c.deps.Sync()
}

func espMountPoint(root string) string { return filepath.Join(root, "efi") }

// copyLog copies the installer log into dir, keeping its file name.
func copyLog(src, dir string) error {
	if src == "" {
		return nil
	}
	in, err := os.Open(src) //nolint:gosec // configured log path
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // /var/log
		return err
	}
	out, err := os.OpenFile(filepath.Join(dir, filepath.Base(src)), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec // log file
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck,gosec
		return err
	}
	return out.Close()
}
