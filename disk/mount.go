package disk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/projecteru2/core/log"
	"golang.org/x/sys/unix"

	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/types"
)

// Mount mounts part at target, creating target if needed.
func Mount(part types.Partition, target string) error {
	if part.Path == "" || part.FSType == "" {
		return errdefs.Internal("cannot mount %q: no device or filesystem", part.Path)
	}
	if err := os.MkdirAll(target, 0o755); err != nil { //nolint:gosec // mount points must be traversable
		return errdefs.WithKind(fmt.Errorf("create mount point %s: %w", target, err), errdefs.ErrInternal)
	}
	if err := unix.Mount(part.Path, target, MountFSType(part.FSType), 0, ""); err != nil {
		return errdefs.WithKind(fmt.Errorf("mount %s on %s: %w", part.Path, target, err), errdefs.ErrInternal)
	}
	return nil
}

// Unmount lazily detaches target. Not-mounted and missing targets succeed.
func Unmount(target string) error {
	err := unix.Unmount(target, unix.MNT_DETACH)
	if err == nil || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return fmt.Errorf("unmount %s: %w", target, err)
}

// MountsFile lists the host's active mounts.
const MountsFile = "/proc/self/mounts"

// MountPointsOf returns where source is mounted according to a mounts file,
// deepest mount last.
func MountPointsOf(mountsFile, source string) ([]string, error) {
	f, err := os.Open(mountsFile) //nolint:gosec // procfs path
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", mountsFile, err)
	}
	defer f.Close() //nolint:errcheck

	var points []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == source {
			points = append(points, unescapeMount(fields[1]))
		}
	}
	return points, scanner.Err()
}

// PrepareUnmount detaches every existing mount of the partition (auto-mounts,
// leftovers of an aborted attempt) before the installer mounts it. Errors are
// logged only.
func PrepareUnmount(ctx context.Context, mountsFile, source string) {
	logger := log.WithFunc("disk.PrepareUnmount")
	points, err := MountPointsOf(mountsFile, source)
	if err != nil {
		logger.Warnf(ctx, "list mounts of %s: %v", source, err)
		return
	}
	for i := len(points) - 1; i >= 0; i-- {
		logger.Infof(ctx, "detaching %s from %s", source, points[i])
		if err := Unmount(points[i]); err != nil {
			logger.Warnf(ctx, "detach %s: %v", points[i], err)
		}
	}
}

// unescapeMount decodes the octal escapes (\040 for space) of /proc/mounts.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
