package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
)

func newListCommand(flags *rootFlags) *cobra.Command {
	var stateFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered modules and their persisted state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(flags)
			if err != nil {
				return err
			}

			filter := modhost.ModuleFilter{}
			if stateFilter != "" {
				state, perr := modhost.ParseLoadState(stateFilter)
				if perr != nil {
					return perr
				}
				filter.State = &state
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tTIER\tSTATE\tENABLED\tDEPENDENCIES")
			for _, info := range ws.registry.List(filter) {
				deps := make([]string, 0, len(info.Descriptor.Dependencies))
				for _, dep := range info.Descriptor.Dependencies {
					deps = append(deps, dep.String())
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
					info.Descriptor.Name, info.Descriptor.Version,
					info.Descriptor.Tier.String(), info.State.String(),
					ws.state.IsEnabled(info.Descriptor.Name),
					strings.Join(deps, ","))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&stateFilter, "filter-state", "", "Only show modules in the given state")
	return cmd
}
