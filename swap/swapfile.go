package swap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/projecteru2/core/log"
	"golang.org/x/sys/unix"

	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/sysexec"
)

// File is the swapfile path inside the target root.
const File = "/swapfile"

// FstabEntry is the mount table line for the swapfile.
const FstabEntry = File + " none swap sw 0 0\n"

// Manager creates and disables the swapfile of a mounted target root.
type Manager struct {
	Runner sysexec.Runner
}

// Path returns the host-side path of the swapfile under root.
func Path(root string) string {
	return filepath.Join(root, File)
}

// Create preallocates the swapfile with owner-only permissions, formats it
// and enables it.
func (m Manager) Create(ctx context.Context, root string, size int64) error {
	logger := log.WithFunc("swap.Create")
	path := Path(root)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // fixed path under the target root
	if err != nil {
		return errdefs.WithKind(fmt.Errorf("create swapfile: %w", err), errdefs.ErrInternal)
	}
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		f.Close()       //nolint:errcheck,gosec
		os.Remove(path) //nolint:errcheck,gosec
		return errdefs.WithKind(fmt.Errorf("allocate swapfile (%d bytes): %w", size, err), errdefs.ErrInternal)
	}
	if err := f.Close(); err != nil {
		return errdefs.WithKind(fmt.Errorf("close swapfile: %w", err), errdefs.ErrInternal)
	}
	// umask may have widened the mode.
	if err := os.Chmod(path, 0o600); err != nil {
		return errdefs.WithKind(fmt.Errorf("chmod swapfile: %w", err), errdefs.ErrInternal)
	}

	if _, err := m.Runner.Run(ctx, sysexec.Command("mkswap", path)); err != nil {
		return fmt.Errorf("format swapfile: %w", err)
	}
	if _, err := m.Runner.Run(ctx, sysexec.Command("swapon", path)); err != nil {
		return fmt.Errorf("enable swapfile: %w", err)
	}
	logger.Infof(ctx, "swapfile %s enabled (%d bytes)", path, size)
	return nil
}

// Off disables the swapfile if it exists. Missing files are not an error.
func (m Manager) Off(ctx context.Context, root string) error {
	path := Path(root)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := m.Runner.Run(ctx, sysexec.Command("swapoff", path)); err != nil {
		return fmt.Errorf("disable swapfile: %w", err)
	}
	return nil
}
