// Package chroot moves the process into an extracted system root and back.
//
// chroot(2) changes the root of the whole process, not just the calling
// goroutine, so a Session must not overlap with host-side file access from
// other goroutines. Leaving the jail relies on a directory handle opened on
// the host root before entering: fchdir to it, then chroot(".").
package chroot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/projecteru2/core/log"
	"golang.org/x/sys/unix"

	"github.com/projecteru2/deploykit/errdefs"
)

// EFIVars is the firmware variable filesystem grub-install needs under EFI.
const EFIVars = "/sys/firmware/efi/efivars"

// HostMounts are bound into the target root in this order.
var HostMounts = []string{"/dev", "/proc", "/sys", "/run/udev"}

// syscalls is the privileged surface of the package, swapped in tests.
type syscalls struct {
	mount   func(source, target, fstype string, flags uintptr, data string) error
	unmount func(target string, flags int) error
	chroot  func(path string) error
	chdir   func(path string) error
	fchdir  func(fd int) error
	open    func(path string) (*os.File, error)
}

var host = syscalls{
	mount:   unix.Mount,
	unmount: unix.Unmount,
	chroot:  unix.Chroot,
	chdir:   unix.Chdir,
	fchdir:  unix.Fchdir,
	open: func(path string) (*os.File, error) {
		return os.OpenFile(path, os.O_RDONLY|unix.O_DIRECTORY, 0) //nolint:gosec // fixed host path
	},
}

// Mounts returns the host paths bound into a target root.
func Mounts(efi bool) []string {
	mounts := append([]string(nil), HostMounts...)
	if efi {
		mounts = append(mounts, EFIVars)
	}
	return mounts
}

// Target maps a host mount path to its location under root.
func Target(root, mount string) string {
	return filepath.Join(root, mount)
}

// BindMounts binds every mount of Mounts(efi) into root. On failure the
// mounts already made are removed before returning.
func BindMounts(ctx context.Context, root string, efi bool) error {
	return host.bindMounts(ctx, root, efi)
}

func (s syscalls) bindMounts(ctx context.Context, root string, efi bool) error {
	logger := log.WithFunc("chroot.BindMounts")
	mounts := Mounts(efi)
	for i, m := range mounts {
		target := Target(root, m)
		if err := os.MkdirAll(target, 0o755); err != nil { //nolint:gosec // mount points must be traversable
			s.removeBindMounts(ctx, root, mounts[:i])
			return errdefs.WithKind(fmt.Errorf("create %s: %w", target, err), errdefs.ErrInternal)
		}
		if err := s.mount(m, target, "", unix.MS_BIND, ""); err != nil {
			s.removeBindMounts(ctx, root, mounts[:i])
			return errdefs.WithKind(fmt.Errorf("bind %s on %s: %w", m, target, err), errdefs.ErrInternal)
		}
		logger.Debugf(ctx, "bound %s on %s", m, target)
	}
	return nil
}

// RemoveBindMounts lazily detaches the bind mounts of root in reverse order.
// Mounts that are already gone are skipped, so it can run more than once.
// Failures are logged.
func RemoveBindMounts(ctx context.Context, root string, efi bool) {
	host.removeBindMounts(ctx, root, Mounts(efi))
}

func (s syscalls) removeBindMounts(ctx context.Context, root string, mounts []string) {
	logger := log.WithFunc("chroot.RemoveBindMounts")
	for i := len(mounts) - 1; i >= 0; i-- {
		target := Target(root, mounts[i])
		err := s.unmount(target, unix.MNT_DETACH)
		if err == nil || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
			continue
		}
		logger.Warnf(ctx, "detach %s: %v", target, err)
	}
}

// Session is an entered chroot. The zero value is not usable.
type Session struct {
	mu     sync.Mutex
	root   string
	escape *os.File
	sys    syscalls
}

// current is the session the process is inside, if any.
var current atomic.Pointer[Session]

// EscapeActive leaves the chroot the process is currently in, if any. It is
// meant for cleanup running on another goroutine after an interrupt.
func EscapeActive(ctx context.Context) error {
	if s := current.Load(); s != nil {
		return s.Escape(ctx)
	}
	return nil
}

// Enter opens the escape handle on the host root, then changes the process
// root to root.
func Enter(ctx context.Context, root string) (*Session, error) {
	return host.enter(ctx, root)
}

func (s syscalls) enter(ctx context.Context, root string) (*Session, error) {
	escape, err := s.open("/")
	if err != nil {
		return nil, errdefs.WithKind(fmt.Errorf("open host root: %w", err), errdefs.ErrInternal)
	}
	if err := s.chroot(root); err != nil {
		escape.Close() //nolint:errcheck,gosec
		return nil, errdefs.WithKind(fmt.Errorf("chroot %s: %w", root, err), errdefs.ErrInternal)
	}
	if err := s.chdir("/"); err != nil {
		sess := &Session{root: root, escape: escape, sys: s}
		if eerr := sess.Escape(ctx); eerr != nil {
			log.WithFunc("chroot.Enter").Warnf(ctx, "escape after failed chdir: %v", eerr)
		}
		return nil, errdefs.WithKind(fmt.Errorf("chdir / in %s: %w", root, err), errdefs.ErrInternal)
	}
	log.WithFunc("chroot.Enter").Infof(ctx, "entered %s", root)
	sess := &Session{root: root, escape: escape, sys: s}
	current.Store(sess)
	return sess, nil
}

// Root is the host path the session entered.
func (s *Session) Root() string { return s.root }

// Escape returns the process to the host root. Calling it again is a no-op.
func (s *Session) Escape(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.escape == nil {
		return nil
	}
	defer func() {
		s.escape.Close() //nolint:errcheck,gosec
		s.escape = nil
		current.CompareAndSwap(s, nil)
	}()
	if err := s.sys.fchdir(int(s.escape.Fd())); err != nil {
		return errdefs.WithKind(fmt.Errorf("fchdir to host root: %w", err), errdefs.ErrInternal)
	}
	if err := s.sys.chroot("."); err != nil {
		return errdefs.WithKind(fmt.Errorf("chroot back to host: %w", err), errdefs.ErrInternal)
	}
	if err := s.sys.chdir("/"); err != nil {
		return errdefs.WithKind(fmt.Errorf("chdir / on host: %w", err), errdefs.ErrInternal)
	}
	log.WithFunc("chroot.Escape").Infof(ctx, "left %s", s.root)
	return nil
}

// Scope binds the host mounts into root, enters it and runs fn. Escape and
// bind-mount removal happen on every exit path, in that order. An escape
// failure wins over fn's error since the process is then stuck in the jail.
func Scope(ctx context.Context, root string, efi bool, fn func(context.Context) error) error {
	return host.scope(ctx, root, efi, fn)
}

func (s syscalls) scope(ctx context.Context, root string, efi bool, fn func(context.Context) error) (err error) {
	if err := s.bindMounts(ctx, root, efi); err != nil {
		return err
	}
	defer s.removeBindMounts(ctx, root, Mounts(efi))

	sess, err := s.enter(ctx, root)
	if err != nil {
		return err
	}
	defer func() {
		if eerr := sess.Escape(ctx); eerr != nil {
			if err != nil {
				log.WithFunc("chroot.Scope").Warnf(ctx, "provisioning failed before escape: %v", err)
			}
			err = eerr
		}
	}()
	return fn(ctx)
}
