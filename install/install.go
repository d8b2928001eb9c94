// Package install runs an installation from start to finish: pre-flight
// checks, formatting, the fetch-verify-extract pipeline, guest provisioning
// inside the target root, and cleanup.
package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/config"
	"github.com/projecteru2/deploykit/disk"
	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/guest"
	"github.com/projecteru2/deploykit/pipeline"
	"github.com/projecteru2/deploykit/progress"
	installprogress "github.com/projecteru2/deploykit/progress/install"
	"github.com/projecteru2/deploykit/types"
)

// archiveName is the download's file name inside the target root.
const archiveName = "tarball"

// Installer performs installs with one set of host dependencies.
type Installer struct {
	conf *config.Config
	deps Deps
}

// New creates an Installer. Unset deps use the real host implementations.
func New(conf *config.Config, deps Deps) *Installer {
	deps.fill()
	return &Installer{conf: conf, deps: deps}
}

// Attempt is an install running on its own goroutine.
type Attempt struct {
	result    chan error
	cancelled chan struct{}
}

// Wait blocks until the install returns or, after cancellation, until
// cleanup has finished. In the latter case the install goroutine is
// abandoned and pipeline.ErrCancelled is returned.
func (a *Attempt) Wait() error {
	select {
	case err := <-a.result:
		return err
	case <-a.cancelled:
		select {
		case err := <-a.result:
			return err
		default:
			return pipeline.ErrCancelled
		}
	}
}

// Start runs the install on a new goroutine. Closing cancel aborts it.
func (in *Installer) Start(ctx context.Context, cfg types.InstallConfig, tracker progress.Tracker, cancel <-chan struct{}) *Attempt {
	a := &Attempt{result: make(chan error, 1), cancelled: make(chan struct{})}
	go func() {
		a.result <- in.run(ctx, cfg, tracker, cancel, a.cancelled)
	}()
	return a
}

// Run installs synchronously. Closing cancel aborts the pipeline and cleans
// up; a guest step already running finishes first and no later step starts.
func (in *Installer) Run(ctx context.Context, cfg types.InstallConfig, tracker progress.Tracker, cancel <-chan struct{}) error {
	return in.run(ctx, cfg, tracker, cancel, nil)
}

func (in *Installer) run(ctx context.Context, cfg types.InstallConfig, tracker progress.Tracker, cancel <-chan struct{}, cancelled chan<- struct{}) (err error) {
	logger := log.WithFunc("install.Run")
	if tracker == nil {
		tracker = progress.Nop
	}
	logFile := in.conf.LogFile()

	if err := in.deps.Lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if rerr := in.deps.Lock.Release(ctx); rerr != nil {
			logger.Warnf(ctx, "release instance lock: %v", rerr)
		}
	}()

	redacted := cfg.Redacted()
	logger.Infof(ctx, "install requested: %+v", redacted)

	id, jerr := in.deps.Recorder.Start(ctx, &redacted, logFile)
	if jerr != nil {
		logger.Warnf(ctx, "journal: %v", jerr)
	}
	defer func() {
		in.record(context.WithoutCancel(ctx), id, err)
		if err != nil && logFile != "" {
			err = errdefs.WithHint(err, "The installer log is at "+logFile+".")
		}
	}()

	archive, err := in.preflight(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("pre-flight: %w", err)
	}

	root, err := os.MkdirTemp(in.conf.WorkDir, config.MountPrefix)
	if err != nil {
		return errdefs.WithKind(fmt.Errorf("create mount point: %w", err), errdefs.ErrInternal)
	}
	efi := in.deps.Firmware == types.FirmwareEFI
	cleaner := newCleaner(&in.deps, root, efi)
	defer cleaner.Run(context.WithoutCancel(ctx))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-cancel:
			logger.Warnf(ctx, "cancellation requested, cleaning up")
			cleaner.Run(context.WithoutCancel(ctx))
			if cancelled != nil {
				close(cancelled)
			}
		case <-stop:
		}
	}()

	st := &stages{in: in, id: id, tracker: tracker, cancel: cancel}
	p := pipeline.New(pipeline.Options{
		PollInterval:    in.conf.PollInterval,
		ResponseTimeout: in.conf.ResponseTimeout,
		Tracker:         tracker,
		Cancel:          cancel,
		Runner:          in.deps.Runner,
		Client:          in.deps.HTTPClient,
	})

	if err := st.enter(ctx, installprogress.StageFormat); err != nil {
		return err
	}
	if err := in.format(ctx, &cfg); err != nil {
		return fmt.Errorf("%s: %w", installprogress.StageFormat.Name(), err)
	}
	if err := cleaner.hold(func() error { return in.mount(ctx, &cfg, root, cleaner) }); err != nil {
		return in.stageErr(installprogress.StageFormat, err)
	}
	if cfg.Swap.Enabled {
		if err := cleaner.hold(func() error {
			if err := in.deps.Swap.Create(ctx, root, cfg.Swap.Size); err != nil {
				return fmt.Errorf("create swapfile: %w", err)
			}
			cleaner.swapOn = true
			return nil
		}); err != nil {
			return err
		}
	}

	state := pipeline.NewState()
	archivePath := filepath.Join(root, archiveName)
	if err := st.enter(ctx, installprogress.StageDownload); err != nil {
		return err
	}
	if err := p.Download(ctx, cfg.URL(), archivePath, cfg.Variant.Size, state); err != nil {
		pipeline.RemoveArchive(ctx, archivePath)
		return in.stageErr(installprogress.StageDownload, err)
	}

	if err := st.enter(ctx, installprogress.StageVerify); err != nil {
		return err
	}
	if _, err := p.Verify(ctx, state, cfg.Variant.SHA256); err != nil {
		pipeline.RemoveArchive(ctx, archivePath)
		return in.stageErr(installprogress.StageVerify, err)
	}

	if err := st.enter(ctx, installprogress.StageExtract); err != nil {
		return err
	}
	err = p.Extract(ctx, archivePath, root, archive, state)
	pipeline.RemoveArchive(ctx, archivePath)
	if err != nil {
		return in.stageErr(installprogress.StageExtract, err)
	}
	if err := cleaner.hold(func() error {
		cleaner.logFile = logFile
		cleaner.logTarget = filepath.Join(root, "var", "log")
		return in.writeFstab(ctx, root, &cfg)
	}); err != nil {
		return in.stageErr(installprogress.StageExtract, err)
	}

	plan := guest.PlanFor(&cfg, in.deps.Firmware, in.deps.Arch, in.conf.DistroName)
	if err := cleaner.hold(func() error {
		cleaner.bound = true
		return nil
	}); err != nil {
		return err
	}
	if err := in.deps.Scope(ctx, root, efi, func(ctx context.Context) error {
		prov := guest.New(in.deps.Runner)
		prov.Root = in.deps.GuestRoot(root)
		for _, step := range prov.Steps(plan) {
			if err := st.enter(ctx, step.Stage); err != nil {
				return err
			}
			if err := cleaner.hold(func() error { return step.Run(ctx) }); err != nil {
				return in.stageErr(step.Stage, err)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	cleaner.Run(ctx)
	// An interrupt that raced the last step still counts.
	select {
	case <-cancel:
		return pipeline.ErrCancelled
	default:
	}
	tracker.OnEvent(installprogress.Finished())
	logger.Infof(ctx, "installation of %s on %s finished", cfg.Variant.Name, cfg.Partition.Path)
	return nil
}

func (in *Installer) stageErr(stage installprogress.Stage, err error) error {
	if errors.Is(err, pipeline.ErrCancelled) {
		return err
	}
	return fmt.Errorf("%s: %w", stage.Name(), err)
}

func (in *Installer) record(ctx context.Context, id string, err error) {
	if id == "" {
		return
	}
	var jerr error
	switch {
	case err == nil:
		jerr = in.deps.Recorder.Finish(ctx, id)
	case errors.Is(err, pipeline.ErrCancelled):
		jerr = in.deps.Recorder.Cancel(ctx, id)
	default:
		jerr = in.deps.Recorder.Fail(ctx, id, err)
	}
	if jerr != nil {
		log.WithFunc("install.record").Warnf(ctx, "journal: %v", jerr)
	}
}

// stages emits the Pending event that opens each stage and journals it.
type stages struct {
	in      *Installer
	id      string
	tracker progress.Tracker
	cancel  <-chan struct{}
}

func (s *stages) enter(ctx context.Context, stage installprogress.Stage) error {
	select {
	case <-s.cancel:
		return pipeline.ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	log.WithFunc("install.Run").Infof(ctx, "%s", stage.Label())
	pct := 0
	if stage > installprogress.StageExtract {
		pct = installprogress.Indeterminate
	}
	s.tracker.OnEvent(installprogress.Pending(stage, pct))
	if s.id != "" {
		if err := s.in.deps.Recorder.Stage(ctx, s.id, stage); err != nil {
			log.WithFunc("install.Run").Warnf(ctx, "journal: %v", err)
		}
	}
	return nil
}

// mount attaches the target root and, under EFI, the ESP at <root>/efi.
// The caller holds c.
func (in *Installer) mount(ctx context.Context, cfg *types.InstallConfig, root string, c *Cleaner) error {
	logger := log.WithFunc("install.mount")
	if err := in.deps.Mount(cfg.Partition, root); err != nil {
		return err
	}
	c.rootMount = true
	logger.Infof(ctx, "mounted %s on %s", cfg.Partition.Path, root)

	if cfg.ESP == nil {
		return nil
	}
	target := espMountPoint(root)
	if err := in.deps.Mount(*cfg.ESP, target); err != nil {
		return err
	}
	c.espMount = true
	logger.Infof(ctx, "mounted %s on %s", cfg.ESP.Path, target)
	return nil
}

// format writes the target filesystem, plus a FAT32 ESP when the ESP is
// blank.
func (in *Installer) format(ctx context.Context, cfg *types.InstallConfig) error {
	fs := disk.FillFSType(cfg.Partition, cfg.Reformat)
	if err := in.deps.Formatter.Format(ctx, &cfg.Partition, fs); err != nil {
		return err
	}
	if cfg.ESP == nil {
		return nil
	}
	if !cfg.ESP.Formatted() {
		return in.deps.Formatter.Format(ctx, cfg.ESP, "vfat")
	}
	if cfg.ESP.UUID == "" {
		uuid, err := in.deps.Formatter.UUID(ctx, cfg.ESP.Path)
		if err != nil {
			return err
		}
		cfg.ESP.UUID = uuid
	}
	return nil
}

// writeFstab appends the root and ESP mounts to the target's /etc/fstab.
func (in *Installer) writeFstab(ctx context.Context, root string, cfg *types.InstallConfig) error {
	entry, err := disk.FstabEntry(cfg.Partition, "/")
	if err != nil {
		return err
	}
	if cfg.ESP != nil {
		esp, err := disk.FstabEntry(*cfg.ESP, guest.EFIDir)
		if err != nil {
			return err
		}
		entry += esp
	}
	path := filepath.Join(root, "etc", "fstab")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // /etc
		return errdefs.WithKind(err, errdefs.ErrInternal)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // fstab is world-readable
	if err != nil {
		return errdefs.WithKind(fmt.Errorf("open fstab: %w", err), errdefs.ErrInternal)
	}
	if _, err := f.WriteString(entry); err != nil {
		f.Close() //nolint:errcheck,gosec
		return errdefs.WithKind(fmt.Errorf("write fstab: %w", err), errdefs.ErrInternal)
	}
	log.WithFunc("install.writeFstab").Infof(ctx, "fstab:\n%s", entry)
	return f.Close()
}
