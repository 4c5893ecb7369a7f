package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the host status summary",
		Long: `Status prints registry, circuit breaker and health state. With --addr
the data comes live from a running host; otherwise only the persisted
view (enabled, broken, quarantined sets) is available.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.addr != "" {
				var report json.RawMessage
				if err := fetchJSON(flags.addr, "/status", &report); err != nil {
					return err
				}
				return printJSON(cmd, report)
			}

			ws, err := openWorkspace(flags)
			if err != nil {
				return err
			}

			counts := make(map[string]int)
			enabled := 0
			for _, info := range ws.registry.Snapshot() {
				counts[info.State.String()]++
				if ws.state.IsEnabled(info.Descriptor.Name) {
					enabled++
				}
			}
			out := struct {
				Modules int            `json:"modules"`
				Enabled int            `json:"enabled"`
				Counts  map[string]int `json:"counts"`
				Note    string         `json:"note"`
			}{
				Modules: ws.registry.Len(),
				Enabled: enabled,
				Counts:  counts,
				Note:    "persisted view only; pass --addr for live breaker and health state",
			}
			return printJSON(cmd, out)
		},
	}
}

// fetchJSON GETs a status API path and decodes the response body.
func fetchJSON(addr, path string, target any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	url := strings.TrimRight(addr, "/") + path

	resp, err := client.Get(url) //nolint:noctx // interactive one-shot CLI call
	if err != nil {
		return fmt.Errorf("querying %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if derr := json.NewDecoder(resp.Body).Decode(&apiErr); derr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", url, apiErr.Error)
		}
		return fmt.Errorf("%s: unexpected status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decoding response from %s: %w", url, err)
	}
	return nil
}
