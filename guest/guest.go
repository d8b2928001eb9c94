// Package guest configures an extracted system from inside its root:
// initramfs, bootloader, SSH host keys and the finishing touches (swap
// entry, timezone, hardware clock, hostname, user account, locale).
//
// Every path is resolved against Provisioner.Root, which is "/" once the
// process has entered the target with package chroot. Commands run through
// a sysexec.Runner and therefore see the same root.
package guest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/projecteru2/core/log"

	installprogress "github.com/projecteru2/deploykit/progress/install"
	"github.com/projecteru2/deploykit/sysexec"
	"github.com/projecteru2/deploykit/types"
)

// Plan is what the guest system is configured with.
type Plan struct {
	Firmware types.Firmware
	// Arch is a GOARCH value; it selects the GRUB target.
	Arch string
	// BootDevice receives the BIOS boot code (the parent disk).
	BootDevice string
	// DistroName is the EFI bootloader ID.
	DistroName string

	Hostname string
	Locale   string
	Timezone string
	RTCLocal bool
	User     types.User
	Swap     bool
}

// PlanFor derives the guest plan of an install.
func PlanFor(cfg *types.InstallConfig, fw types.Firmware, arch, distro string) Plan {
	return Plan{
		Firmware:   fw,
		Arch:       arch,
		BootDevice: cfg.Partition.Parent,
		DistroName: distro,
		Hostname:   cfg.Hostname,
		Locale:     cfg.Locale,
		Timezone:   cfg.Timezone,
		RTCLocal:   cfg.RTCLocal,
		User:       cfg.User,
		Swap:       cfg.Swap.Enabled,
	}
}

// Provisioner runs the guest steps.
type Provisioner struct {
	Root   string
	Runner sysexec.Runner
}

// New creates a Provisioner for the current (already entered) root.
func New(runner sysexec.Runner) *Provisioner {
	if runner == nil {
		runner = sysexec.Exec{}
	}
	return &Provisioner{Root: "/", Runner: runner}
}

// Step is one guest stage.
type Step struct {
	Stage installprogress.Stage
	Run   func(context.Context) error
}

// Steps lists the guest stages in the order they must run. Each is fatal.
func (p *Provisioner) Steps(plan Plan) []Step {
	return []Step{
		{installprogress.StageInitramfs, p.Initramfs},
		{installprogress.StageBootloader, func(ctx context.Context) error { return p.Bootloader(ctx, plan) }},
		{installprogress.StageSSHKeys, p.SSHHostKeys},
		{installprogress.StageFinalize, func(ctx context.Context) error { return p.Finalize(ctx, plan) }},
	}
}

// Finalize applies the remaining system settings in order.
func (p *Provisioner) Finalize(ctx context.Context, plan Plan) error {
	logger := log.WithFunc("guest.Finalize")
	if plan.Swap {
		if err := p.SwapEntry(); err != nil {
			return fmt.Errorf("add swap entry: %w", err)
		}
	}
	if err := p.Timezone(plan.Timezone); err != nil {
		return fmt.Errorf("set timezone: %w", err)
	}
	if err := p.HardwareClock(ctx, plan.RTCLocal); err != nil {
		return fmt.Errorf("set hardware clock: %w", err)
	}
	if err := p.Hostname(plan.Hostname); err != nil {
		return fmt.Errorf("set hostname: %w", err)
	}
	if err := p.AddUser(ctx, plan.User); err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	if plan.User.FullName != "" {
		if err := p.SetFullName(ctx, plan.User.Name, plan.User.FullName); err != nil {
			return fmt.Errorf("set full name: %w", err)
		}
	}
	if err := p.Locale(plan.Locale); err != nil {
		return fmt.Errorf("set locale: %w", err)
	}
	logger.Infof(ctx, "guest configured: host %s, user %s, zone %s, locale %s", plan.Hostname, plan.User.Name, plan.Timezone, plan.Locale)
	return nil
}

func (p *Provisioner) path(name string) string {
	root := p.Root
	if root == "" {
		root = "/"
	}
	return filepath.Join(root, name)
}

func (p *Provisioner) writeFile(name, content string, perm os.FileMode) error {
	target := p.path(name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil { //nolint:gosec // system directories
		return err
	}
	return os.WriteFile(target, []byte(content), perm)
}
