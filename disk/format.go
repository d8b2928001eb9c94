package disk

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/sysexec"
	"github.com/projecteru2/deploykit/types"
)

// DefaultFSType is written to unformatted or rejected target partitions.
const DefaultFSType = "ext4"

// AllowedFSTypes may host the root filesystem as found.
var AllowedFSTypes = []string{"ext4", "xfs"}

// FillFSType decides which filesystem the target partition gets. An allowed
// existing filesystem is kept (and still reformatted) unless forceDefault is
// set; anything else becomes DefaultFSType.
func FillFSType(part types.Partition, forceDefault bool) string {
	if forceDefault || !slices.Contains(AllowedFSTypes, part.FSType) {
		return DefaultFSType
	}
	return part.FSType
}

// MkfsArgs returns the formatter command for fsType on path.
func MkfsArgs(fsType, path string) sysexec.Cmd {
	name := "mkfs." + fsType
	switch fsType {
	case "ext4":
		return sysexec.Command(name, "-Fq", path)
	case "vfat", "fat32":
		return sysexec.Command("mkfs.vfat", "-F32", path)
	default:
		return sysexec.Command(name, "-f", path)
	}
}

// MountFSType maps a filesystem name to the type mount(2) expects.
func MountFSType(fsType string) string {
	if strings.HasPrefix(fsType, "fat") {
		return "vfat"
	}
	return fsType
}

// Formatter writes filesystems.
type Formatter struct {
	Runner sysexec.Runner
}

// Format creates fsType on part and refreshes part.FSType and part.UUID.
func (f Formatter) Format(ctx context.Context, part *types.Partition, fsType string) error {
	logger := log.WithFunc("disk.Format")
	logger.Infof(ctx, "formatting %s as %s", part.Path, fsType)

	if _, err := f.Runner.Run(ctx, MkfsArgs(fsType, part.Path)); err != nil {
		return fmt.Errorf("format %s: %w", part.Path, err)
	}
	part.FSType = fsType
	uuid, err := f.UUID(ctx, part.Path)
	if err != nil {
		return err
	}
	part.UUID = uuid
	return nil
}

// UUID reads the filesystem UUID of path.
func (f Formatter) UUID(ctx context.Context, path string) (string, error) {
	out, err := f.Runner.Run(ctx, sysexec.Command("blkid", "-s", "UUID", "-o", "value", path))
	if err != nil {
		return "", fmt.Errorf("read UUID of %s: %w", path, err)
	}
	uuid := strings.TrimSpace(string(out))
	if uuid == "" {
		return "", errdefs.Internal("no filesystem UUID reported for %s", path)
	}
	return uuid, nil
}

// FstabEntry renders the mount table line mounting part at mountpoint.
func FstabEntry(part types.Partition, mountpoint string) (string, error) {
	if part.UUID == "" {
		return "", errdefs.Internal("no filesystem UUID known for %s", part.Path)
	}
	var options string
	pass := 2
	switch part.FSType {
	case "vfat", "fat16", "fat32":
		options = "defaults,nofail"
	case "ext4", "btrfs", "xfs", "f2fs":
		options = "defaults"
	case "swap":
		options, pass = "sw", 0
	default:
		return "", errdefs.Internal("unsupported filesystem type %q for fstab", part.FSType)
	}
	if mountpoint == "/" {
		pass = 1
	}
	return fmt.Sprintf("UUID=%s %s %s %s 0 %d\n", part.UUID, mountpoint, MountFSType(part.FSType), options, pass), nil
}
