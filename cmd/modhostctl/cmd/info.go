package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newInfoCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show the detailed view of one module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			if flags.addr != "" {
				var detail json.RawMessage
				if err := fetchJSON(flags.addr, "/modules/"+name, &detail); err != nil {
					return err
				}
				return printJSON(cmd, detail)
			}

			ws, err := openWorkspace(flags)
			if err != nil {
				return err
			}
			info, err := ws.registry.Get(name)
			if err != nil {
				return err
			}

			out := struct {
				Module  any  `json:"module"`
				Enabled bool `json:"enabled"`
			}{Module: info, Enabled: ws.state.IsEnabled(name)}
			return printJSON(cmd, out)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	return nil
}
