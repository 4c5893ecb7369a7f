// Package cmd implements the modhostctl operator commands: inspecting and
// controlling a modhost module runtime through its persisted state, its
// modules directory and, when available, its status API.
package cmd

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
)

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	modulesDir string
	statePath  string
	auditPath  string
	addr       string
}

// NewRootCommand creates the root command for modhostctl.
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "modhostctl",
		Short: "Operator CLI for the modhost module runtime",
		Long: `modhostctl inspects and controls a modhost module runtime.

Module and state inspection works offline against the modules directory
and the state file. When a running host exposes its status API, --addr
switches the read commands to live data.`,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&flags.modulesDir, "modules-dir", "modules", "Directory scanned for module units")
	cmd.PersistentFlags().StringVar(&flags.statePath, "state", "modhost.state.yaml", "Path of the persisted state file")
	cmd.PersistentFlags().StringVar(&flags.auditPath, "audit", "modhost.audit.jsonl", "Path of the audit log")
	cmd.PersistentFlags().StringVar(&flags.addr, "addr", "", "Base URL of a running host's status API (e.g. http://127.0.0.1:8420)")

	cmd.AddCommand(newListCommand(flags))
	cmd.AddCommand(newInfoCommand(flags))
	cmd.AddCommand(newEnableCommand(flags))
	cmd.AddCommand(newDisableCommand(flags))
	cmd.AddCommand(newResetCommand(flags))
	cmd.AddCommand(newStatusCommand(flags))
	cmd.AddCommand(newCreateCommand(flags))

	return cmd
}

// workspace is the offline view of a host: the discovered descriptors
// replayed into a registry together with the persisted state.
type workspace struct {
	flags    *rootFlags
	registry *modhost.Registry
	state    *modhost.StateFile
	audit    *modhost.AuditLog
	logger   modhost.Logger
}

// openWorkspace discovers modules and loads the state file. The CLI keeps
// its own logging quiet; problems surface as command errors.
func openWorkspace(flags *rootFlags) (*workspace, error) {
	logger := modhost.WrapSlog(slog.New(slog.NewTextHandler(io.Discard, nil)))

	state := modhost.NewStateFile(flags.statePath, logger)
	if err := state.Load(); err != nil {
		return nil, err
	}

	registry := modhost.NewRegistry(logger)
	descriptors, err := modhost.NewDiscovery(flags.modulesDir, logger).Discover()
	if err != nil {
		return nil, err
	}
	for _, desc := range descriptors {
		if rerr := registry.Register(desc); rerr != nil {
			return nil, rerr
		}
	}
	state.ApplyTo(registry)

	return &workspace{
		flags:    flags,
		registry: registry,
		state:    state,
		audit:    modhost.NewAuditLog(flags.auditPath, logger),
		logger:   logger,
	}, nil
}

// save persists the enabled set and the broken and quarantined states.
func (ws *workspace) save() error {
	return ws.state.Save(ws.registry.Snapshot())
}
