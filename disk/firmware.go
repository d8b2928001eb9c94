// Package disk holds the partition and firmware consistency rules and the
// block-device plumbing around them: probing, auto-partitioning, formatting,
// mounting and mount-table entries.
package disk

import (
	"os"

	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/types"
)

// EFISysfsDir exists only when the host booted through UEFI.
const EFISysfsDir = "/sys/firmware/efi"

// DetectFirmware reports EFI when efiDir is a directory, BIOS otherwise.
func DetectFirmware(efiDir string) types.Firmware {
	if info, err := os.Stat(efiDir); err == nil && info.IsDir() {
		return types.FirmwareEFI
	}
	return types.FirmwareBIOS
}

// ValidateTable checks the partition map kind suits the firmware boot mode:
// GPT under EFI, DOS/MBR under BIOS.
func ValidateTable(table types.TableKind, fw types.Firmware) error {
	switch {
	case fw == types.FirmwareEFI && table == types.TableGPT:
		return nil
	case fw == types.FirmwareBIOS && table == types.TableMSDOS:
		return nil
	case fw == types.FirmwareEFI:
		return errdefs.WithHint(
			errdefs.Config("unsupported combination of UEFI firmware and %s partition map", tableName(table)),
			"Your computer boots through UEFI. Please use the GPT partition map on the target device.")
	default:
		return errdefs.WithHint(
			errdefs.Config("unsupported combination of BIOS firmware and %s partition map", tableName(table)),
			"Your computer boots through legacy BIOS. Please use the DOS/MBR partition map on the target device.")
	}
}

// RequirePrimary rejects extended and logical partitions on an MBR table;
// a bootloader cannot be reliably installed there.
func RequirePrimary(table types.TableKind, part types.Partition) error {
	if table != types.TableMSDOS || part.Role == types.RolePrimary || part.Role == "" {
		return nil
	}
	return errdefs.WithHint(
		errdefs.Config("%s is an MBR %s partition", part.Path, part.Role),
		"Please select a primary partition instead.")
}

// FindESP returns the EFI System Partition among parts.
func FindESP(parts []types.Partition) (types.Partition, error) {
	for _, p := range parts {
		if p.ESP {
			return p, nil
		}
	}
	return types.Partition{}, errdefs.WithHint(
		errdefs.Config("no EFI System Partition found on the target device"),
		"Please create an EFI System Partition (FAT32, at least 512MiB, flagged esp) and retry.")
}

func tableName(t types.TableKind) string {
	if t == types.TableNone {
		return "no"
	}
	return string(t)
}
