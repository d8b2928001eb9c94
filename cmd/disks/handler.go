package disks

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/deploykit/cmd/core"
	"github.com/projecteru2/deploykit/disk"
	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/sysexec"
	"github.com/projecteru2/deploykit/types"
	"github.com/projecteru2/deploykit/validate"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) prober() disk.Lsblk { return disk.Lsblk{Runner: sysexec.Exec{}} }

func (h Handler) Devices(cmd *cobra.Command, _ []string) error {
	ctx, _, err := h.Init(cmd)
	if err != nil {
		return err
	}
	devs, err := h.prober().Devices(ctx)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Println("No disks found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tMODEL\tSIZE\tTABLE")
	for _, d := range devs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Path, d.Model, cmdcore.FormatSize(d.Size), tableLabel(d.Table))
	}
	return w.Flush()
}

func (h Handler) Partitions(cmd *cobra.Command, args []string) error {
	ctx, _, err := h.Init(cmd)
	if err != nil {
		return err
	}
	parts, err := h.prober().Partitions(ctx, args[0])
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		fmt.Printf("No partitions on %s.\n", args[0])
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tNUMBER\tSIZE\tFSTYPE\tROLE\tESP\tUUID")
	for _, p := range parts {
		fs := p.FSType
		if fs == "" {
			fs = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%v\t%s\n",
			p.Path, p.Number, cmdcore.FormatSize(p.Size), fs, p.Role, p.ESP, p.UUID)
	}
	return w.Flush()
}

// Check runs the pre-flight disk checks without touching the disk.
func (h Handler) Check(cmd *cobra.Command, args []string) error {
	ctx, _, err := h.Init(cmd)
	if err != nil {
		return err
	}
	fw := disk.DetectFirmware(disk.EFISysfsDir)
	prober := h.prober()

	dev, err := prober.Device(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Firmware: %s, %s: %s partition map\n", fw, dev.Path, tableLabel(dev.Table))
	if dev.Table == types.TableNone {
		if _, err := disk.AutoLayout(dev, fw); err != nil {
			return err
		}
		fmt.Println("Device is empty and can be partitioned automatically.")
		return nil
	}
	if err := disk.ValidateTable(dev.Table, fw); err != nil {
		return err
	}
	parts, err := prober.Partitions(ctx, dev.Path)
	if err != nil {
		return err
	}
	if fw == types.FirmwareEFI {
		esp, err := disk.FindESP(parts)
		if err != nil {
			return err
		}
		fmt.Printf("ESP: %s\n", esp.Path)
	}
	if len(args) < 2 { //nolint:mnd
		fmt.Println("OK")
		return nil
	}

	var part *types.Partition
	for i := range parts {
		if parts[i].Path == args[1] {
			part = &parts[i]
		}
	}
	if part == nil {
		return errdefs.WithHint(
			errdefs.Config("partition %s not found on %s", args[1], dev.Path),
			"Did you partition your target disk?")
	}
	if err := disk.RequirePrimary(dev.Table, *part); err != nil {
		return err
	}
	if s, _ := cmd.Flags().GetString("install-size"); s != "" {
		var variant types.ReleaseVariant
		if variant.InstallSize, err = cmdcore.ParseSize(s); err != nil {
			return err
		}
		if d, _ := cmd.Flags().GetString("size"); d != "" {
			if variant.Size, err = cmdcore.ParseSize(d); err != nil {
				return err
			}
		}
		if err := validate.Space(*part, variant); err != nil {
			return err
		}
	}
	fmt.Printf("OK: %s will be formatted as %s\n", part.Path, disk.FillFSType(*part, false))
	return nil
}

func tableLabel(t types.TableKind) string {
	if t == types.TableNone {
		return "none"
	}
	return string(t)
}
