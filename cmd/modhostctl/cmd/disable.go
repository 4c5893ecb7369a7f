package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
)

func newDisableCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Remove a module from the persisted enabled set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			ws, err := openWorkspace(flags)
			if err != nil {
				return err
			}
			if _, err := ws.registry.Get(name); err != nil {
				return err
			}

			ws.state.Disable(name)
			if err := ws.audit.Record(modhost.AuditModuleDisabled, name, ""); err != nil {
				return err
			}
			if err := ws.save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Module %q disabled; takes effect at the next load pass\n", name)
			return nil
		},
	}
}
