package others

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Actions defines cross-cutting system operations.
type Actions interface {
	GC(cmd *cobra.Command, args []string) error
	History(cmd *cobra.Command, args []string) error
	Swap(cmd *cobra.Command, args []string) error
	Version(cmd *cobra.Command, args []string) error
}

// Commands builds system command set (gc, history, swap, version, completion).
func Commands(h Actions) []*cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history [ID]",
		Short: "List past install attempts, or show one in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE:  h.History,
	}

	swapCmd := &cobra.Command{
		Use:   "swap",
		Short: "Show the recommended swapfile size for this machine",
		RunE:  h.Swap,
	}
	swapCmd.Flags().String("size", "", "check a custom swapfile size, e.g. 4GiB")

	return []*cobra.Command{
		{
			Use:   "gc",
			Short: "Prune the install journal and release abandoned mount points",
			RunE:  h.GC,
		},
		historyCmd,
		swapCmd,
		{
			Use:   "version",
			Short: "Show version, git revision, and build timestamp",
			RunE:  h.Version,
		},
		{
			Use:       "completion [bash|zsh|fish|powershell]",
			Short:     "Generate shell completion script",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
			RunE: func(cmd *cobra.Command, args []string) error {
				root := cmd.Root()
				switch args[0] {
				case "bash":
					return root.GenBashCompletion(os.Stdout)
				case "zsh":
					return root.GenZshCompletion(os.Stdout)
				case "fish":
					return root.GenFishCompletion(os.Stdout, true)
				case "powershell":
					return root.GenPowerShellCompletionWithDesc(os.Stdout)
				default:
					return fmt.Errorf("unsupported shell: %s", args[0])
				}
			},
		},
	}
}
