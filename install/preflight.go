package install

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/disk"
	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/pipeline"
	"github.com/projecteru2/deploykit/swap"
	"github.com/projecteru2/deploykit/types"
	"github.com/projecteru2/deploykit/validate"
)

// preflight checks everything that can be checked before the disk is
// touched, completes cfg from the live disk state and returns the archive
// format of the release. With AutoPartition it also writes the new table.
func (in *Installer) preflight(ctx context.Context, cfg *types.InstallConfig) (pipeline.Archive, error) {
	logger := log.WithFunc("install.preflight")

	if err := validate.Config(cfg); err != nil {
		return pipeline.Archive{}, err
	}
	archive, err := pipeline.DetectArchive(cfg.URL())
	if err != nil {
		return pipeline.Archive{}, err
	}
	if cfg.Partition.Parent == "" {
		return pipeline.Archive{}, errdefs.Config("partition %s has no parent device", cfg.Partition.Path)
	}
	fw := in.deps.Firmware
	logger.Infof(ctx, "firmware: %s, arch: %s", fw, in.deps.Arch)

	dev, err := in.deps.Prober.Device(ctx, cfg.Partition.Parent)
	if err != nil {
		return pipeline.Archive{}, err
	}

	var parts []types.Partition
	if cfg.AutoPartition {
		if parts, err = in.autoPartition(ctx, dev, fw, cfg); err != nil {
			return pipeline.Archive{}, err
		}
	} else {
		if err := disk.ValidateTable(dev.Table, fw); err != nil {
			return pipeline.Archive{}, err
		}
		if parts, err = in.deps.Prober.Partitions(ctx, dev.Path); err != nil {
			return pipeline.Archive{}, err
		}
		part, ok := findPartition(parts, cfg.Partition.Path)
		if !ok {
			return pipeline.Archive{}, errdefs.WithHint(
				errdefs.Config("partition %s not found on %s", cfg.Partition.Path, dev.Path),
				"Did you partition your target disk?")
		}
		cfg.Partition = part
		if err := disk.RequirePrimary(dev.Table, part); err != nil {
			return pipeline.Archive{}, err
		}
		if err := validate.Space(part, cfg.Variant); err != nil {
			return pipeline.Archive{}, err
		}
	}

	cfg.ESP = nil
	if fw == types.FirmwareEFI {
		esp, err := disk.FindESP(parts)
		if err != nil {
			return pipeline.Archive{}, err
		}
		cfg.ESP = &esp
		logger.Infof(ctx, "ESP: %s", esp.Path)
	}

	if err := in.checkSwap(ctx, cfg); err != nil {
		return pipeline.Archive{}, err
	}

	in.deps.PrepareUnmount(ctx, cfg.Partition.Path)
	if cfg.ESP != nil {
		in.deps.PrepareUnmount(ctx, cfg.ESP.Path)
	}
	return archive, nil
}

// autoPartition lays out dev from scratch and points cfg at the new data
// partition.
func (in *Installer) autoPartition(ctx context.Context, dev types.Device, fw types.Firmware, cfg *types.InstallConfig) ([]types.Partition, error) {
	layout, err := disk.AutoLayout(dev, fw)
	if err != nil {
		return nil, err
	}
	old, err := in.deps.Prober.Partitions(ctx, dev.Path)
	if err != nil {
		return nil, err
	}
	for _, p := range old {
		in.deps.PrepareUnmount(ctx, p.Path)
	}
	parts, err := in.deps.Partitioner.Apply(ctx, dev, layout)
	if err != nil {
		return nil, err
	}
	for i := range parts {
		parts[i].FSType = ""
		if !parts[i].ESP {
			cfg.Partition = parts[i]
		}
	}
	if err := validate.Space(cfg.Partition, cfg.Variant); err != nil {
		return nil, err
	}
	log.WithFunc("install.autoPartition").Infof(ctx, "partitioned %s: target %s (%s)",
		dev.Path, cfg.Partition.Path, units.BytesSize(float64(cfg.Partition.Size)))
	return parts, nil
}

// checkSwap fills in the recommended size and rejects sizes too small to be
// useful.
func (in *Installer) checkSwap(ctx context.Context, cfg *types.InstallConfig) error {
	if !cfg.Swap.Enabled {
		return nil
	}
	mem, err := in.deps.Memory()
	if err != nil {
		return errdefs.WithKind(fmt.Errorf("read memory size: %w", err), errdefs.ErrInternal)
	}
	if cfg.Swap.Size <= 0 {
		cfg.Swap.Size = swap.Recommended(mem)
	}
	hibernate, err := swap.Hibernation(cfg.Swap.Size, mem)
	if err != nil {
		return err
	}
	log.WithFunc("install.checkSwap").Infof(ctx, "swapfile %s, hibernation %v",
		units.BytesSize(float64(cfg.Swap.Size)), hibernate)
	return nil
}

func findPartition(parts []types.Partition, path string) (types.Partition, bool) {
	for _, p := range parts {
		if p.Path == path {
			return p, true
		}
	}
	return types.Partition{}, false
}
