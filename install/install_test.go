package install

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	units "github.com/docker/go-units"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/deploykit/config"
	"github.com/projecteru2/deploykit/disk"
	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/gc"
	"github.com/projecteru2/deploykit/pipeline"
	"github.com/projecteru2/deploykit/progress"
	installprogress "github.com/projecteru2/deploykit/progress/install"
	"github.com/projecteru2/deploykit/sysexec"
	"github.com/projecteru2/deploykit/sysexec/sysexectest"
	"github.com/projecteru2/deploykit/types"
)

// host records every side effect the installer asks for.
type host struct {
	mu     sync.Mutex
	events []string

	dev   types.Device
	parts []types.Partition

	lockErr  error
	onFormat func()
}

func (h *host) record(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, fmt.Sprintf(format, args...))
}

func (h *host) log() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *host) has(prefix string) bool {
	for _, e := range h.log() {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

func (h *host) Device(_ context.Context, path string) (types.Device, error) {
	if path != h.dev.Path {
		return types.Device{}, errdefs.Config("device %s not found", path)
	}
	return h.dev, nil
}

func (h *host) Partitions(context.Context, string) ([]types.Partition, error) {
	return append([]types.Partition(nil), h.parts...), nil
}

func (h *host) Apply(_ context.Context, dev types.Device, layout disk.Layout) ([]types.Partition, error) {
	h.record("partition %s %s", dev.Path, layout.Table)
	out := make([]types.Partition, len(layout.Parts))
	for i, spec := range layout.Parts {
		out[i] = types.Partition{
			Path:   disk.PartitionPath(dev.Path, i+1),
			Parent: dev.Path,
			Number: i + 1,
			Size:   spec.Size * layout.SectorSize,
			Role:   types.RolePrimary,
			ESP:    spec.ESP,
		}
	}
	return out, nil
}

func (h *host) Format(_ context.Context, part *types.Partition, fsType string) error {
	h.record("format %s %s", part.Path, fsType)
	if h.onFormat != nil {
		h.onFormat()
	}
	part.FSType = fsType
	part.UUID = "uuid-" + filepath.Base(part.Path)
	return nil
}

func (h *host) UUID(_ context.Context, path string) (string, error) {
	return "uuid-" + filepath.Base(path), nil
}

func (h *host) Create(_ context.Context, _ string, size int64) error {
	h.record("swapon %d", size)
	return nil
}

func (h *host) Off(context.Context, string) error {
	h.record("swapoff")
	return nil
}

func (h *host) Acquire(context.Context) error {
	h.record("lock")
	return h.lockErr
}

func (h *host) Release(context.Context) error {
	h.record("unlock")
	return nil
}

// journal fake
type recorder struct{ h *host }

func (r recorder) Start(_ context.Context, cfg *types.InstallConfig, _ string) (string, error) {
	r.h.record("journal start %s", cfg.User.Password)
	return "attempt-1", nil
}

func (r recorder) Stage(_ context.Context, _ string, stage installprogress.Stage) error {
	r.h.record("journal stage %d", int(stage))
	return nil
}

func (r recorder) Finish(context.Context, string) error {
	r.h.record("journal finished")
	return nil
}

func (r recorder) Fail(_ context.Context, _ string, err error) error {
	r.h.record("journal failed %s", errdefs.KindOf(err))
	return nil
}

func (r recorder) Cancel(context.Context, string) error {
	r.h.record("journal cancelled")
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []installprogress.Event
	onFn   func(installprogress.Event)
}

func (l *eventLog) tracker() progress.Tracker {
	return progress.NewTracker(func(e installprogress.Event) {
		l.mu.Lock()
		l.events = append(l.events, e)
		fn := l.onFn
		l.mu.Unlock()
		if fn != nil {
			fn(e)
		}
	})
}

// stageOrder collapses the event stream to the sequence of stages entered.
func (l *eventLog) stageOrder() []installprogress.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []installprogress.Stage
	for _, e := range l.events {
		if e.Kind != installprogress.KindPending {
			continue
		}
		if len(out) == 0 || out[len(out)-1] != e.Stage {
			out = append(out, e.Stage)
		}
	}
	return out
}

func (l *eventLog) last() installprogress.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func releaseArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	add := func(name string, typ byte, mode int64, body string) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Typeflag: typ, Mode: mode, Size: int64(len(body)),
			Uid: os.Getuid(), Gid: os.Getgid(), ModTime: time.Unix(1700000000, 0),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	add("etc/", tar.TypeDir, 0o755, "")
	add("etc/os-release", tar.TypeReg, 0o644, "NAME=\"AOSC OS\"\n")
	add("etc/fstab", tar.TypeReg, 0o644, "# /etc/fstab\n")
	add("usr/share/zoneinfo/UTC", tar.TypeReg, 0o644, "TZif2")
	add("var/log/", tar.TypeDir, 0o755, "")
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func serveRelease(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body) //nolint:errcheck,gosec
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	h       *host
	runner  *sysexectest.Runner
	conf    *config.Config
	in      *Installer
	cfg     types.InstallConfig
	events  *eventLog
	archive []byte
}

func newFixture(t *testing.T, fw types.Firmware, srv *httptest.Server, archive []byte) *fixture {
	t.Helper()
	f := &fixture{h: &host{}, runner: sysexectest.New(), events: &eventLog{}, archive: archive}
	f.runner.Lenient = true

	f.conf = config.DefaultConfig()
	f.conf.WorkDir = t.TempDir()
	f.conf.RunDir = t.TempDir()
	f.conf.PollInterval = time.Millisecond
	f.conf.Log.Filename = filepath.Join(t.TempDir(), "deploykit.log")
	require.NoError(t, os.WriteFile(f.conf.Log.Filename, []byte("install log\n"), 0o600))

	table := types.TableMSDOS
	f.h.parts = []types.Partition{
		{Path: "/dev/sda1", Parent: "/dev/sda", Number: 1, FSType: "xfs", Size: 50 * units.GiB, Role: types.RolePrimary},
	}
	if fw == types.FirmwareEFI {
		table = types.TableGPT
		f.h.parts = []types.Partition{
			{Path: "/dev/sda1", Parent: "/dev/sda", Number: 1, Size: 512 * units.MiB, Role: types.RolePrimary, ESP: true},
			{Path: "/dev/sda2", Parent: "/dev/sda", Number: 2, FSType: "ext4", Size: 50 * units.GiB, Role: types.RolePrimary},
		}
	}
	f.h.dev = types.Device{Path: "/dev/sda", Size: 100 * units.GiB, Table: table, SectorSize: 512}

	h := f.h
	f.in = New(f.conf, Deps{
		Runner:      f.runner,
		Prober:      h,
		Partitioner: h,
		Formatter:   h,
		Swap:        h,
		Recorder:    recorder{h},
		Lock:        h,
		HTTPClient:  srv.Client(),
		Mount: func(part types.Partition, target string) error {
			h.record("mount %s %s", part.Path, filepath.Base(target))
			return os.MkdirAll(target, 0o755)
		},
		Unmount: func(target string) error {
			h.record("unmount %s", filepath.Base(target))
			return nil
		},
		Scope: func(ctx context.Context, root string, efi bool, fn func(context.Context) error) error {
			h.record("enter efi=%v", efi)
			defer h.record("escape")
			return fn(ctx)
		},
		RemoveBindMounts: func(context.Context, string, bool) { h.record("remove bind mounts") },
		EscapeActive:     func(context.Context) error { return nil },
		PrepareUnmount:   func(_ context.Context, source string) { h.record("prepare %s", source) },
		GuestRoot:        func(root string) string { return root },
		Firmware:         fw,
		Arch:             "amd64",
		Memory:           func() (int64, error) { return 4 * units.GiB, nil },
		Sync:             func() { h.record("sync") },
	})

	sum := sha256.Sum256(archive)
	target := f.h.parts[len(f.h.parts)-1]
	f.cfg = types.InstallConfig{
		Partition: types.Partition{Path: target.Path, Parent: "/dev/sda"},
		Variant: types.ReleaseVariant{
			Name: "Base", Size: int64(len(archive)), InstallSize: units.GiB,
			SHA256: hex.EncodeToString(sum[:]), RelativePath: "os-amd64/base/aosc-os_base.tar.gz",
		},
		Mirror:   types.MirrorEndpoint{Name: "test", URL: srv.URL + "/"},
		User:     types.User{Name: "aosc", Password: "anthon"},
		Hostname: "aosc",
		Locale:   "C.UTF-8",
		Timezone: "UTC",
	}
	return f
}

// hookRunner lets a test act just before a command runs.
type hookRunner struct {
	*sysexectest.Runner
	before func(sysexec.Cmd)
}

func (r hookRunner) Run(ctx context.Context, c sysexec.Cmd) ([]byte, error) {
	if r.before != nil {
		r.before(c)
	}
	return r.Runner.Run(ctx, c)
}

// cleanedUp returns a channel closed by the first sync, which only cleanup
// issues.
func (f *fixture) cleanedUp() <-chan struct{} {
	ch := make(chan struct{})
	var once sync.Once
	prev := f.in.deps.Sync
	f.in.deps.Sync = func() {
		prev()
		once.Do(func() { close(ch) })
	}
	return ch
}

func allStages() []installprogress.Stage {
	var out []installprogress.Stage
	for s := installprogress.StageFormat; s <= installprogress.StageFinalize; s++ {
		out = append(out, s)
	}
	return out
}

func TestRunBIOS(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	f := newFixture(t, types.FirmwareBIOS, serveRelease(t, archive), archive)
	var guestRoot string
	scope := f.in.deps.Scope
	f.in.deps.Scope = func(ctx context.Context, root string, efi bool, fn func(context.Context) error) error {
		guestRoot = root
		return scope(ctx, root, efi, fn)
	}

	require.NoError(t, f.in.Run(context.Background(), f.cfg, f.events.tracker(), nil))

	require.Equal(t, allStages(), f.events.stageOrder())
	require.Equal(t, installprogress.KindFinished, f.events.last().Kind)

	log := f.h.log()
	require.Equal(t, "lock", log[0])
	require.Equal(t, "unlock", log[len(log)-1])
	require.Contains(t, log, "journal start ******")
	require.Contains(t, log, "journal finished")
	require.Contains(t, log, "prepare /dev/sda1")
	// An allowed existing filesystem is kept.
	require.Contains(t, log, "format /dev/sda1 xfs")
	require.Contains(t, log, "enter efi=false")
	require.False(t, f.h.has("swapon"))
	require.False(t, f.h.has("partition"))

	calls := f.runner.Calls()
	require.Contains(t, calls, "grub-install --target=i386-pc /dev/sda")
	require.Contains(t, calls, "grub-mkconfig -o /boot/grub/grub.cfg")
	require.Contains(t, calls, "useradd -m -s /bin/bash aosc")

	fstab, err := os.ReadFile(filepath.Join(guestRoot, "etc/fstab"))
	require.NoError(t, err)
	require.Equal(t, "# /etc/fstab\nUUID=uuid-sda1 / xfs defaults 0 1\n", string(fstab))

	hostname, err := os.ReadFile(filepath.Join(guestRoot, "etc/hostname"))
	require.NoError(t, err)
	require.Equal(t, "aosc", string(hostname))

	copied, err := os.ReadFile(filepath.Join(guestRoot, "var/log/deploykit.log"))
	require.NoError(t, err)
	require.Contains(t, string(copied), "install log")
	require.NoFileExists(t, filepath.Join(guestRoot, archiveName))
}

func TestRunEFIWithSwapAndReformat(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	f := newFixture(t, types.FirmwareEFI, serveRelease(t, archive), archive)
	f.cfg.Swap = types.Swap{Enabled: true}
	f.cfg.Reformat = true
	var guestRoot string
	scope := f.in.deps.Scope
	f.in.deps.Scope = func(ctx context.Context, root string, efi bool, fn func(context.Context) error) error {
		guestRoot = root
		return scope(ctx, root, efi, fn)
	}

	require.NoError(t, f.in.Run(context.Background(), f.cfg, f.events.tracker(), nil))

	log := f.h.log()
	require.Contains(t, log, "format /dev/sda2 ext4")
	require.Contains(t, log, "format /dev/sda1 vfat")
	require.Contains(t, log, "mount /dev/sda1 efi")
	require.Contains(t, log, "enter efi=true")
	require.True(t, f.h.has("swapon "))
	require.Contains(t, log, "swapoff")
	require.Contains(t, log, "unmount efi")

	// Cleanup order: ESP, swap, bind mounts, root, sync.
	idx := func(e string) int {
		for i, l := range log {
			if l == e {
				return i
			}
		}
		return -1
	}
	require.Less(t, idx("escape"), idx("unmount efi"))
	require.Less(t, idx("unmount efi"), idx("swapoff"))
	require.Less(t, idx("swapoff"), idx("remove bind mounts"))
	require.Less(t, idx("remove bind mounts"), idx("unmount "+filepath.Base(guestRoot)))
	require.Less(t, idx("unmount "+filepath.Base(guestRoot)), idx("sync"))

	require.Contains(t, f.runner.Calls(), "grub-install --target=x86_64-efi --bootloader-id=AOSC OS --efi-directory=/efi")

	fstab, err := os.ReadFile(filepath.Join(guestRoot, "etc/fstab"))
	require.NoError(t, err)
	require.Contains(t, string(fstab), "UUID=uuid-sda2 / ext4 defaults 0 1\n")
	require.Contains(t, string(fstab), "UUID=uuid-sda1 /efi vfat defaults,nofail 0 2\n")
	require.Contains(t, string(fstab), "/swapfile none swap sw 0 0\n")
}

func TestRunChecksumMismatch(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	corrupted := bytes.Clone(archive)
	corrupted[len(corrupted)/2] ^= 0xff
	f := newFixture(t, types.FirmwareBIOS, serveRelease(t, corrupted), archive)

	err := f.in.Run(context.Background(), f.cfg, f.events.tracker(), nil)
	require.Error(t, err)
	require.True(t, errdefs.IsNetwork(err))
	require.Contains(t, err.Error(), "checksum mismatch")
	require.Contains(t, err.Error(), installprogress.StageVerify.Name())
	require.Contains(t, errdefs.Hints(err), f.conf.Log.Filename)

	require.NotContains(t, f.events.stageOrder(), installprogress.StageExtract)
	require.Empty(t, f.runner.Calls())
	require.Contains(t, f.h.log(), "journal failed network")
	require.False(t, f.h.has("enter"))

	entries, err := os.ReadDir(f.conf.WorkDir)
	require.NoError(t, err)
	require.Empty(t, entries, "work dir is removed after cleanup")
}

func TestRunRejectsTableFirmwareMismatch(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	f := newFixture(t, types.FirmwareEFI, serveRelease(t, archive), archive)
	f.h.dev.Table = types.TableMSDOS

	err := f.in.Run(context.Background(), f.cfg, nil, nil)
	require.Error(t, err)
	require.True(t, errdefs.IsConfig(err))
	require.Contains(t, errdefs.Hints(err), "GPT")
	require.False(t, f.h.has("format"))
	require.False(t, f.h.has("mount"))
}

func TestRunRejectsLogicalPartition(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	f := newFixture(t, types.FirmwareBIOS, serveRelease(t, archive), archive)
	f.h.parts[0].Role = types.RoleLogical

	err := f.in.Run(context.Background(), f.cfg, nil, nil)
	require.True(t, errdefs.IsConfig(err))
	require.False(t, f.h.has("format"))
}

func TestRunRejectsUnsupportedArchive(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	f := newFixture(t, types.FirmwareBIOS, serveRelease(t, archive), archive)
	f.cfg.Variant.RelativePath = "os-amd64/base/release.zip"

	err := f.in.Run(context.Background(), f.cfg, nil, nil)
	require.True(t, errdefs.IsInternal(err))
	require.False(t, f.h.has("format"))
}

func TestRunLockBusy(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	f := newFixture(t, types.FirmwareBIOS, serveRelease(t, archive), archive)
	f.h.lockErr = errdefs.Config("another installer is running (pid 42)")

	err := f.in.Run(context.Background(), f.cfg, nil, nil)
	require.True(t, errdefs.IsConfig(err))
	require.Equal(t, []string{"lock"}, f.h.log())
}

func TestRunAutoPartition(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	f := newFixture(t, types.FirmwareEFI, serveRelease(t, archive), archive)
	f.h.dev.Table = types.TableNone
	f.cfg.AutoPartition = true
	f.cfg.Partition = types.Partition{Parent: "/dev/sda"}

	require.NoError(t, f.in.Run(context.Background(), f.cfg, nil, nil))
	log := f.h.log()
	require.Contains(t, log, "partition /dev/sda gpt")
	require.Contains(t, log, "format /dev/sda2 ext4")
	require.Contains(t, log, "format /dev/sda1 vfat")
	require.Contains(t, log, "mount /dev/sda1 efi")
}

func TestStartCancelDuringDownload(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
		w.Write(archive[:len(archive)/2]) //nolint:errcheck,gosec
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	f := newFixture(t, types.FirmwareBIOS, srv, archive)

	cancel := make(chan struct{})
	var once sync.Once
	f.events.onFn = func(e installprogress.Event) {
		if e.Stage == installprogress.StageDownload {
			once.Do(func() { close(cancel) })
		}
	}

	err := f.in.Start(context.Background(), f.cfg, f.events.tracker(), cancel).Wait()
	require.ErrorIs(t, err, pipeline.ErrCancelled)
	require.True(t, f.h.has("sync"))
	require.True(t, f.h.has("unmount .dkmount"))
	require.Eventually(t, func() bool { return f.h.has("journal cancelled") }, 5*time.Second, 5*time.Millisecond)
	require.False(t, f.h.has("enter"))
}

func TestRunRejectsUndersizedPartition(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	f := newFixture(t, types.FirmwareBIOS, serveRelease(t, archive), archive)
	f.h.parts[0].Size = units.GiB

	err := f.in.Run(context.Background(), f.cfg, nil, nil)
	require.True(t, errdefs.IsConfig(err))
	require.Contains(t, err.Error(), "too small")
	require.False(t, f.h.has("format"))
}

func TestStartCancelDuringFormatLeavesNothingMounted(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	f := newFixture(t, types.FirmwareEFI, serveRelease(t, archive), archive)
	f.cfg.Swap = types.Swap{Enabled: true}
	cleaned := f.cleanedUp()
	cancel := make(chan struct{})
	var once sync.Once
	f.h.onFormat = func() {
		once.Do(func() {
			close(cancel)
			<-cleaned
		})
	}

	err := f.in.Start(context.Background(), f.cfg, f.events.tracker(), cancel).Wait()
	require.ErrorIs(t, err, pipeline.ErrCancelled)
	require.Eventually(t, func() bool { return f.h.has("unlock") }, 5*time.Second, 5*time.Millisecond)

	require.False(t, f.h.has("mount "))
	require.False(t, f.h.has("swapon"))
	require.Contains(t, f.h.log(), "journal cancelled")
	require.NotContains(t, f.h.log(), "journal finished")
	require.NotContains(t, f.events.stageOrder(), installprogress.StageDownload)
}

func TestStartCancelBeforeGuestStepSkipsIt(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	f := newFixture(t, types.FirmwareBIOS, serveRelease(t, archive), archive)
	var guestRoot string
	scope := f.in.deps.Scope
	f.in.deps.Scope = func(ctx context.Context, root string, efi bool, fn func(context.Context) error) error {
		guestRoot = root
		return scope(ctx, root, efi, fn)
	}
	cleaned := f.cleanedUp()
	cancel := make(chan struct{})
	var once sync.Once
	f.events.onFn = func(e installprogress.Event) {
		if e.Kind == installprogress.KindPending && e.Stage == installprogress.StageFinalize {
			once.Do(func() {
				close(cancel)
				<-cleaned
			})
		}
	}

	err := f.in.Start(context.Background(), f.cfg, f.events.tracker(), cancel).Wait()
	require.ErrorIs(t, err, pipeline.ErrCancelled)
	require.Eventually(t, func() bool { return f.h.has("unlock") }, 5*time.Second, 5*time.Millisecond)

	for _, call := range f.runner.Calls() {
		require.NotContains(t, call, "useradd")
		require.NotContains(t, call, "chpasswd")
	}
	require.NoFileExists(t, filepath.Join(guestRoot, "etc/hostname"))
	require.Contains(t, f.h.log(), "journal cancelled")
	require.NotContains(t, f.h.log(), "journal finished")
	require.NotEqual(t, installprogress.KindFinished, f.events.last().Kind)
}

func TestCancelWaitsForRunningGuestStep(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	f := newFixture(t, types.FirmwareBIOS, serveRelease(t, archive), archive)
	cleaned := f.cleanedUp()
	cancel := make(chan struct{})
	var once sync.Once
	var cleanedEarly bool
	f.in.deps.Runner = hookRunner{Runner: f.runner, before: func(c sysexec.Cmd) {
		if c.Name != "grub-install" {
			return
		}
		once.Do(func() {
			close(cancel)
			time.Sleep(50 * time.Millisecond)
			select {
			case <-cleaned:
				cleanedEarly = true
			default:
			}
		})
	}}

	err := f.in.Start(context.Background(), f.cfg, f.events.tracker(), cancel).Wait()
	require.ErrorIs(t, err, pipeline.ErrCancelled)
	require.Eventually(t, func() bool { return f.h.has("unlock") }, 5*time.Second, 5*time.Millisecond)

	require.False(t, cleanedEarly, "cleanup ran while the bootloader step was still running")
	calls := f.runner.Calls()
	// The running step completes; the next one never starts.
	require.Contains(t, calls, "grub-mkconfig -o /boot/grub/grub.cfg")
	for _, call := range calls {
		require.NotContains(t, call, "useradd")
	}
	require.NotContains(t, f.h.log(), "journal finished")
}

func TestCleanerRunsOnce(t *testing.T) {
	t.Parallel()

	h := &host{}
	deps := Deps{
		Swap:             h,
		Unmount:          func(target string) error { h.record("unmount %s", target); return nil },
		RemoveBindMounts: func(context.Context, string, bool) { h.record("remove bind mounts") },
		EscapeActive:     func(context.Context) error { h.record("escape"); return nil },
		Sync:             func() { h.record("sync") },
	}
	root := filepath.Join(t.TempDir(), ".dkmount1")
	c := newCleaner(&deps, root, true)
	require.NoError(t, c.hold(func() error {
		c.rootMount, c.espMount, c.swapOn, c.bound = true, true, true, true
		return nil
	}))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(context.Background())
		}()
	}
	wg.Wait()
	<-c.Done()

	require.Equal(t, []string{
		"escape",
		"unmount " + filepath.Join(root, "efi"),
		"swapoff",
		"remove bind mounts",
		"unmount " + root,
		"sync",
	}, h.log())
}

func TestWorkDirGC(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	f := newFixture(t, types.FirmwareBIOS, serveRelease(t, archive), archive)
	for _, name := range []string{".dkmount123", ".dkmount456", "keep"} {
		require.NoError(t, os.Mkdir(filepath.Join(f.conf.WorkDir, name), 0o750))
	}

	o := gc.New()
	gc.Register(o, f.in.WorkDirGC())
	require.NoError(t, o.Run(context.Background()))

	entries, err := os.ReadDir(f.conf.WorkDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "keep", entries[0].Name())
	require.True(t, f.h.has("unmount .dkmount123"))
}

func TestWorkDirGCKeepsNonEmptyTargets(t *testing.T) {
	t.Parallel()

	archive := releaseArchive(t)
	f := newFixture(t, types.FirmwareBIOS, serveRelease(t, archive), archive)
	dir := filepath.Join(f.conf.WorkDir, ".dkmount789")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0o750))

	o := gc.New()
	gc.Register(o, f.in.WorkDirGC())
	err := o.Run(context.Background())
	require.Error(t, err)
	require.DirExists(t, filepath.Join(dir, "etc"))
	require.False(t, errors.Is(err, context.Canceled))
}
