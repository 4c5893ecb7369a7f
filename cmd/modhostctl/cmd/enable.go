package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
)

func newEnableCommand(flags *rootFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable a module for the next load pass",
		Long: `Enable adds the module to the persisted enabled set. With --force a
persisted broken state is cleared as well, so the next load pass retries
the module. Quarantine is never cleared here; that is what reset is for.`,
		Args: cobra.ExactArgs(1),
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

			detail := ""
			if info.State == modhost.StateBroken {
				if !force {
					return fmt.Errorf("module %q is broken (%s); use --force to clear and retry",
						name, info.StateReason)
				}
				if err := ws.registry.SetState(name, modhost.StateUnloaded, ""); err != nil {
					return err
				}
				detail = "force: cleared broken state"
			}

			ws.state.Enable(name)
			if err := ws.audit.Record(modhost.AuditModuleEnabled, name, detail); err != nil {
				return err
			}
			if err := ws.save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Module %q enabled\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Also clear a persisted broken state")
	return cmd
}
