package guest

import (
	"context"
	"errors"
	"os/exec"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/sysexec"
	"github.com/projecteru2/deploykit/types"
)

// GrubConfig is where grub-mkconfig writes the boot menu.
const GrubConfig = "/boot/grub/grub.cfg"

// EFIDir is the ESP mount point inside the target.
const EFIDir = "/efi"

var efiTargets = map[string]string{
	"amd64":   "x86_64-efi",
	"386":     "i386-efi",
	"arm64":   "arm64-efi",
	"riscv64": "riscv64-efi",
	"loong64": "loongarch64-efi",
}

var biosTargets = map[string]string{
	"amd64": "i386-pc",
	"386":   "i386-pc",
}

// GrubTarget returns the grub-install --target for arch and firmware, or ""
// when GRUB is not installed on that combination.
func GrubTarget(arch string, fw types.Firmware) string {
	if fw == types.FirmwareEFI {
		return efiTargets[arch]
	}
	return biosTargets[arch]
}

// Initramfs regenerates the initial RAM filesystem with update-initramfs,
// falling back to dracut when the former is not installed.
func (p *Provisioner) Initramfs(ctx context.Context) error {
	logger := log.WithFunc("guest.Initramfs")
	if retro {
		logger.Infof(ctx, "retro build: skipping initramfs")
		return nil
	}
	_, err := p.Runner.Run(ctx, sysexec.Command("update-initramfs"))
	if err == nil {
		return nil
	}
	if !notFound(err) {
		return err
	}
	logger.Infof(ctx, "update-initramfs unavailable, falling back to dracut")
	_, err = p.Runner.Run(ctx, sysexec.Command("dracut", "--force"))
	return err
}

// Bootloader installs GRUB and writes its configuration.
func (p *Provisioner) Bootloader(ctx context.Context, plan Plan) error {
	logger := log.WithFunc("guest.Bootloader")
	target := GrubTarget(plan.Arch, plan.Firmware)
	if target == "" {
		logger.Warnf(ctx, "no GRUB target for %s/%s, skipping bootloader", plan.Arch, plan.Firmware)
		return nil
	}

	args := []string{"--target=" + target}
	if plan.Firmware == types.FirmwareEFI {
		args = append(args, "--bootloader-id="+plan.DistroName, "--efi-directory="+EFIDir)
	} else {
		if plan.BootDevice == "" {
			return errdefs.Internal("no boot device for BIOS GRUB install")
		}
		args = append(args, plan.BootDevice)
	}
	if _, err := p.Runner.Run(ctx, sysexec.Command("grub-install", args...)); err != nil {
		return err
	}
	if _, err := p.Runner.Run(ctx, sysexec.Command("grub-mkconfig", "-o", GrubConfig)); err != nil {
		return err
	}
	logger.Infof(ctx, "GRUB installed (%s)", target)
	return nil
}

func notFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}
