package disk

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"

	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/types"
)

const (
	// firstSector keeps the first partition 1MiB aligned on 512-byte sectors.
	firstSector = 2048
	espSize     = 512 * units.MiB
	// tailReserve is left free at the end of the device for the backup GPT.
	tailReserve = units.MiB

	// MaxMBRSize is the largest target accepted on a DOS/MBR map, counting
	// sectors as a signed 32-bit value.
	MaxMBRSize int64 = 512 * (1<<31 - 1)
)

// PartSpec is one partition of a layout, in sectors.
type PartSpec struct {
	Start  int64
	Size   int64
	FSType string
	ESP    bool
	Boot   bool
}

// End is the last sector of the partition (inclusive).
func (p PartSpec) End() int64 { return p.Start + p.Size - 1 }

// Layout is a partition table to write to an empty device.
type Layout struct {
	Table      types.TableKind
	SectorSize int64
	Parts      []PartSpec
}

// AutoLayout lays out an empty device deterministically. Under EFI: a 512MiB
// FAT32 ESP then one data partition over the remainder. Under BIOS: one
// bootable partition spanning the device. Devices an MBR table cannot address
// are rejected before anything is written.
func AutoLayout(dev types.Device, fw types.Firmware) (Layout, error) {
	sector := dev.SectorSize
	if sector <= 0 {
		sector = 512
	}
	total := dev.Size / sector
	tail := int64(tailReserve) / sector

	switch fw {
	case types.FirmwareEFI:
		espSectors := int64(espSize) / sector
		rootStart := firstSector + espSectors
		rootSize := total - tail - rootStart
		if rootSize <= 0 {
			return Layout{}, errdefs.Config("device %s is too small to partition (%s)", dev.Path, units.BytesSize(float64(dev.Size)))
		}
		return Layout{
			Table:      types.TableGPT,
			SectorSize: sector,
			Parts: []PartSpec{
				{Start: firstSector, Size: espSectors, FSType: "vfat", ESP: true, Boot: true},
				{Start: rootStart, Size: rootSize, FSType: DefaultFSType},
			},
		}, nil
	default:
		if dev.Size > MaxMBRSize {
			return Layout{}, errdefs.WithHint(
				errdefs.Config("device %s is larger than 2TiB and cannot use the DOS/MBR partition map", dev.Path),
				"Please boot the installer in UEFI mode to use a GPT partition map.")
		}
		size := total - tail - firstSector
		if size <= 0 {
			return Layout{}, errdefs.Config("device %s is too small to partition (%s)", dev.Path, units.BytesSize(float64(dev.Size)))
		}
		return Layout{
			Table:      types.TableMSDOS,
			SectorSize: sector,
			Parts: []PartSpec{
				{Start: firstSector, Size: size, FSType: DefaultFSType, Boot: true},
			},
		}, nil
	}
}

// Script renders the layout as sfdisk input.
func (l Layout) Script() string {
	var b strings.Builder
	label := "dos"
	if l.Table == types.TableGPT {
		label = "gpt"
	}
	fmt.Fprintf(&b, "label: %s\n", label)
	for _, p := range l.Parts {
		typ := "L"
		if p.ESP {
			typ = "U"
		}
		fmt.Fprintf(&b, "start=%d, size=%d, type=%s", p.Start, p.Size, typ)
		if p.Boot && l.Table == types.TableMSDOS {
			b.WriteString(", bootable")
		}
		b.WriteByte('\n')
	}
	return b.String()
}
