package install

import (
	"context"
	"net/http"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/projecteru2/deploykit/chroot"
	"github.com/projecteru2/deploykit/disk"
	installprogress "github.com/projecteru2/deploykit/progress/install"
	"github.com/projecteru2/deploykit/swap"
	"github.com/projecteru2/deploykit/sysexec"
	"github.com/projecteru2/deploykit/types"
	"github.com/projecteru2/deploykit/utils"
)

// Prober reads the disk layout.
type Prober interface {
	Device(ctx context.Context, path string) (types.Device, error)
	Partitions(ctx context.Context, dev string) ([]types.Partition, error)
}

// Formatter writes filesystems and reads their UUIDs.
type Formatter interface {
	Format(ctx context.Context, part *types.Partition, fsType string) error
	UUID(ctx context.Context, path string) (string, error)
}

// Swapper creates and disables the on-target swapfile.
type Swapper interface {
	Create(ctx context.Context, root string, size int64) error
	Off(ctx context.Context, root string) error
}

// Recorder persists the attempt. Recording failures never fail an install.
type Recorder interface {
	Start(ctx context.Context, cfg *types.InstallConfig, logFile string) (string, error)
	Stage(ctx context.Context, id string, stage installprogress.Stage) error
	Finish(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, err error) error
	Cancel(ctx context.Context, id string) error
}

// InstanceLock keeps a second installer from running.
type InstanceLock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Deps are the host side effects an Installer performs. Zero fields are
// filled with the real implementations by New.
type Deps struct {
	Runner      sysexec.Runner
	Prober      Prober
	Partitioner disk.Partitioner
	Formatter   Formatter
	Swap        Swapper
	Recorder    Recorder
	Lock        InstanceLock
	HTTPClient  *http.Client

	Mount   func(part types.Partition, target string) error
	Unmount func(target string) error
	// Scope runs fn inside the target root with host mounts bound.
	Scope func(ctx context.Context, root string, efi bool, fn func(context.Context) error) error
	// RemoveBindMounts and EscapeActive are the host-side halves of Scope
	// used by cleanup.
	RemoveBindMounts func(ctx context.Context, root string, efi bool)
	EscapeActive     func(ctx context.Context) error
	// PrepareUnmount detaches stale mounts of a device.
	PrepareUnmount func(ctx context.Context, source string)
	// GuestRoot maps the mounted target to the root guest steps resolve
	// paths against. Inside a real chroot that is always "/".
	GuestRoot func(root string) string

	Firmware types.Firmware
	Arch     string
	Memory   func() (int64, error)
	Sync     func()
}

func (d *Deps) fill() {
	if d.Runner == nil {
		d.Runner = sysexec.Exec{}
	}
	if d.Prober == nil {
		d.Prober = disk.Lsblk{Runner: d.Runner}
	}
	if d.Partitioner == nil {
		d.Partitioner = disk.Sfdisk{Runner: d.Runner}
	}
	if d.Formatter == nil {
		d.Formatter = disk.Formatter{Runner: d.Runner}
	}
	if d.Swap == nil {
		d.Swap = swap.Manager{Runner: d.Runner}
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.Lock == nil {
		d.Lock = nopLock{}
	}
	if d.Mount == nil {
		d.Mount = disk.Mount
	}
	if d.Unmount == nil {
		d.Unmount = disk.Unmount
	}
	if d.Scope == nil {
		d.Scope = chroot.Scope
	}
	if d.RemoveBindMounts == nil {
		d.RemoveBindMounts = chroot.RemoveBindMounts
	}
	if d.EscapeActive == nil {
		d.EscapeActive = chroot.EscapeActive
	}
	if d.PrepareUnmount == nil {
		d.PrepareUnmount = func(ctx context.Context, source string) {
			disk.PrepareUnmount(ctx, disk.MountsFile, source)
		}
	}
	if d.GuestRoot == nil {
		d.GuestRoot = func(string) string { return "/" }
	}
	if d.Firmware == "" {
		d.Firmware = disk.DetectFirmware(disk.EFISysfsDir)
	}
	if d.Arch == "" {
		d.Arch = runtime.GOARCH
	}
	if d.Memory == nil {
		d.Memory = utils.TotalMemory
	}
	if d.Sync == nil {
		d.Sync = unix.Sync
	}
}

type nopRecorder struct{}

func (nopRecorder) Start(context.Context, *types.InstallConfig, string) (string, error) { return "", nil }
func (nopRecorder) Stage(context.Context, string, installprogress.Stage) error { return nil }
func (nopRecorder) Finish(context.Context, string) error { return nil }
func (nopRecorder) Fail(context.Context, string, error) error { return nil }
func (nopRecorder) Cancel(context.Context, string) error { return nil }

type nopLock struct{}

func (nopLock) Acquire(context.Context) error { return nil }
func (nopLock) Release(context.Context) error { return nil }
