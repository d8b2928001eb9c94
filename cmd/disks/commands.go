package disks

import "github.com/spf13/cobra"

// Actions defines read-only disk inspection.
type Actions interface {
	Devices(cmd *cobra.Command, args []string) error
	Partitions(cmd *cobra.Command, args []string) error
	Check(cmd *cobra.Command, args []string) error
}

// Command builds the "disks" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	disksCmd := &cobra.Command{
		Use:   "disks",
		Short: "Inspect installation targets",
	}

	devicesCmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls"},
		Short:   "List whole disks",
		RunE:    h.Devices,
	}

	partitionsCmd := &cobra.Command{
		Use:   "partitions DEVICE",
		Short: "List the partitions of DEVICE",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Partitions,
	}

	checkCmd := &cobra.Command{
		Use:   "check DEVICE [PARTITION]",
		Short: "Check DEVICE (and PARTITION) against the firmware boot mode",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  h.Check,
	}
	checkCmd.Flags().String("install-size", "", "unpacked release size to check PARTITION against")
	checkCmd.Flags().String("size", "", "download size of the release")

	disksCmd.AddCommand(devicesCmd, partitionsCmd, checkCmd)
	return disksCmd
}
