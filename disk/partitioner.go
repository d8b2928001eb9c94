package disk

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/sysexec"
	"github.com/projecteru2/deploykit/types"
	"github.com/projecteru2/deploykit/utils"
)

const (
	nodeWaitTimeout  = 10 * time.Second
	nodeWaitInterval = 100 * time.Millisecond
)

// Partitioner writes a fresh partition table.
type Partitioner interface {
	Apply(ctx context.Context, dev types.Device, layout Layout) ([]types.Partition, error)
}

// Sfdisk implements Partitioner by feeding a script to sfdisk.
type Sfdisk struct {
	Runner sysexec.Runner
	// Exists is swapped in tests; defaults to checking the device node.
	Exists func(path string) bool
}

var _ Partitioner = Sfdisk{}

// Apply wipes dev, writes layout and waits for the kernel to create the
// partition nodes. The returned partitions are unformatted.
func (s Sfdisk) Apply(ctx context.Context, dev types.Device, layout Layout) ([]types.Partition, error) {
	logger := log.WithFunc("disk.Apply")
	logger.Infof(ctx, "writing %s partition table to %s", layout.Table, dev.Path)

	cmd := sysexec.Command("sfdisk", "--wipe", "always", "--wipe-partitions", "always", dev.Path).
		WithStdin([]byte(layout.Script()))
	if _, err := s.Runner.Run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("partition %s: %w", dev.Path, err)
	}

	exists := s.Exists
	if exists == nil {
		exists = func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}
	}

	parts := make([]types.Partition, len(layout.Parts))
	for i, spec := range layout.Parts {
		path := PartitionPath(dev.Path, i+1)
		if err := utils.WaitFor(ctx, nodeWaitTimeout, nodeWaitInterval, func() (bool, error) {
			return exists(path), nil
		}); err != nil {
			return nil, fmt.Errorf("wait for %s: %w", path, err)
		}
		parts[i] = types.Partition{
			Path:   path,
			Parent: dev.Path,
			Number: i + 1,
			Size:   spec.Size * layout.SectorSize,
			Role:   types.RolePrimary,
			ESP:    spec.ESP,
		}
	}
	return parts, nil
}

// PartitionPath names the n-th partition node of dev: sda→sda1,
// nvme0n1→nvme0n1p1, mmcblk0→mmcblk0p1.
func PartitionPath(dev string, n int) string {
	if dev != "" && dev[len(dev)-1] >= '0' && dev[len(dev)-1] <= '9' {
		return fmt.Sprintf("%sp%d", dev, n)
	}
	return fmt.Sprintf("%s%d", strings.TrimSuffix(dev, "/"), n)
}
