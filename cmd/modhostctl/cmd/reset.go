package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
)

func newResetCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <name>",
		Short: "Clear a module's persisted broken or quarantined state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			ws, err := openWorkspace(flags)
			if err != nil {
				return err
			}
			info, err := ws.registry.Get(name)
			if err != nil {
				return err
			}

			switch info.State {
			case modhost.StateQuarantined:
				if err := ws.registry.ClearQuarantine(name); err != nil {
					return err
				}
				if err := ws.audit.Record(modhost.AuditQuarantineCleared, name, info.StateReason); err != nil {
					return err
				}
			case modhost.StateBroken:
				if err := ws.registry.SetState(name, modhost.StateUnloaded, ""); err != nil {
					return err
				}
				if err := ws.audit.Record(modhost.AuditModuleReset, name, info.StateReason); err != nil {
					return err
				}
			default:
				return fmt.Errorf("module %q is %s, nothing to reset", name, info.State.String())
			}

			if err := ws.save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Module %q reset\n", name)
			return nil
		},
	}
}
