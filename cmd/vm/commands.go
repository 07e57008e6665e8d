package vm

import "github.com/spf13/cobra"

// Actions defines VM lifecycle operations.
type Actions interface {
	Run(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	Exec(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
}

// Command builds the "vm" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage microVMs",
	}

	runCmd := &cobra.Command{
		Use:   "run [flags]",
		Short: "Boot microVM(s) in the foreground; Ctrl-C tears them down",
		Args:  cobra.NoArgs,
		RunE:  h.Run,
	}
	runCmd.Flags().Int("cpu", 1, "vCPU count")
	runCmd.Flags().String("memory", "512M", "memory size")
	runCmd.Flags().Int("count", 1, "number of VMs to boot")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List VM runtime directories with process status",
		RunE:    h.List,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect VM",
		Short: "Show hypervisor and agent status for a VM (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}

	execCmd := &cobra.Command{
		Use:   "exec VM -- COMMAND [ARG...]",
		Short: "Run a command inside the guest over vsock",
		Args:  cobra.MinimumNArgs(2), //nolint:mnd
		RunE:  h.Exec,
	}
	execCmd.Flags().Duration("timeout", 0, "command timeout (default 30s)")

	rmCmd := &cobra.Command{
		Use:   "rm VM [VM...]",
		Short: "Terminate VM process(es) and reclaim their runtime state",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.RM,
	}

	vmCmd.AddCommand(
		runCmd,
		listCmd,
		inspectCmd,
		execCmd,
		rmCmd,
	)
	return vmCmd
}
