package install

import "github.com/spf13/cobra"

// Actions defines the install operation.
type Actions interface {
	Install(cmd *cobra.Command, args []string) error
}

// Command builds the "install" command.
func Command(h Actions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install [flags] PARTITION",
		Short: "Install a system release onto PARTITION (or onto --device with --auto-partition)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  h.Install,
	}
	addReleaseFlags(cmd)
	addSystemFlags(cmd)
	return cmd
}

func addReleaseFlags(cmd *cobra.Command) {
	cmd.Flags().String("mirror", "https://repo.aosc.io/aosc-os/", "mirror base URL")
	cmd.Flags().String("path", "", "release path relative to the mirror (required)")
	cmd.Flags().String("variant", "Base", "release variant name")
	cmd.Flags().String("sha256", "", "expected SHA-256 of the release (required)")
	cmd.Flags().String("size", "", "download size of the release, e.g. 1.2GiB (required)")
	cmd.Flags().String("install-size", "", "unpacked size of the release, e.g. 5GiB (required)")
	_ = cmd.MarkFlagRequired("path")
	_ = cmd.MarkFlagRequired("sha256")
	_ = cmd.MarkFlagRequired("size")
	_ = cmd.MarkFlagRequired("install-size")
}

func addSystemFlags(cmd *cobra.Command) {
	cmd.Flags().String("device", "", "target device (defaults to the partition's parent)")
	cmd.Flags().Bool("auto-partition", false, "wipe --device and create a fresh partition table")
	cmd.Flags().Bool("reformat", false, "always format the target as ext4")
	cmd.Flags().String("user", "", "name of the user account to create (required)")
	cmd.Flags().String("password", "", "password of the user account (prompted when empty)")
	cmd.Flags().String("full-name", "", "full name of the user account")
	cmd.Flags().String("hostname", "aosc", "hostname of the installed system")
	cmd.Flags().String("timezone", "UTC", "timezone, e.g. Asia/Shanghai")
	cmd.Flags().String("locale", "C.UTF-8", "system locale")
	cmd.Flags().Bool("rtc-local", false, "keep the hardware clock in local time")
	cmd.Flags().Bool("no-swap", false, "do not create a swapfile")
	cmd.Flags().String("swap-size", "", "swapfile size, e.g. 4GiB (default: recommended for this machine)")
	cmd.Flags().Bool("reboot", false, "reboot after a successful install")
	_ = cmd.MarkFlagRequired("user")
}
