package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
)

// createOptions collects the answers for a new module unit.
type createOptions struct {
	Name         string
	Version      string
	Description  string
	Tier         string
	Dependencies string
	Checksum     bool
}

func newCreateCommand(flags *rootFlags) *cobra.Command {
	var skipPrompts bool
	opts := &createOptions{}

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Scaffold a new module unit in the modules directory",
		Long: `Create writes a template module unit with a descriptor frontmatter.
Missing details are gathered interactively; --yes accepts the defaults
instead. The embedded checksum is computed over the generated unit so it
verifies immediately.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				opts.Name = args[0]
			}
			if !skipPrompts {
				if err := promptForModule(opts); err != nil {
					return err
				}
			}
			if opts.Name == "" {
				return fmt.Errorf("module name is required")
			}
			if opts.Version == "" {
				opts.Version = "0.1.0"
			}

			path, err := writeModuleUnit(flags.modulesDir, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created module unit %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPrompts, "yes", false, "Skip prompts and use defaults")
	cmd.Flags().StringVar(&opts.Version, "version", "", "Module version (default 0.1.0)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "Module description")
	cmd.Flags().StringVar(&opts.Tier, "tier", "optional", "Criticality tier (core, important, optional)")
	cmd.Flags().StringVar(&opts.Dependencies, "deps", "", "Comma-separated dependencies; append ? for optional ones")
	cmd.Flags().BoolVar(&opts.Checksum, "checksum", true, "Embed a content checksum")

	return cmd
}

func promptForModule(opts *createOptions) error {
	var questions []*survey.Question
	if opts.Name == "" {
		questions = append(questions, &survey.Question{
			Name:     "name",
			Prompt:   &survey.Input{Message: "Module name:"},
			Validate: survey.Required,
		})
	}
	questions = append(questions,
		&survey.Question{
			Name:   "version",
			Prompt: &survey.Input{Message: "Version:", Default: "0.1.0"},
		},
		&survey.Question{
			Name:   "description",
			Prompt: &survey.Input{Message: "Description:"},
		},
		&survey.Question{
			Name: "tier",
			Prompt: &survey.Select{
				Message: "Criticality tier:",
				Options: []string{"optional", "important", "core"},
				Default: "optional",
			},
		},
		&survey.Question{
			Name:   "dependencies",
			Prompt: &survey.Input{Message: "Dependencies (comma separated, ? suffix for optional):"},
		},
		&survey.Question{
			Name:   "checksum",
			Prompt: &survey.Confirm{Message: "Embed a content checksum?", Default: true},
		},
	)
	return survey.Ask(questions, opts)
}

// writeModuleUnit renders the unit, stamps the checksum and writes it to
// the modules directory. An existing unit with the same name is never
// overwritten.
func writeModuleUnit(modulesDir string, opts *createOptions) (string, error) {
	tier, err := modhost.ParseTier(opts.Tier)
	if err != nil {
		return "", err
	}

	desc := modhost.ModuleDescriptor{
		Name:        opts.Name,
		Version:     opts.Version,
		Description: strings.TrimSpace(opts.Description),
		Tier:        tier,
	}
	for _, token := range strings.Split(opts.Dependencies, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		dep := modhost.Dependency{Name: strings.TrimSuffix(token, "?"), Optional: strings.HasSuffix(token, "?")}
		desc.Dependencies = append(desc.Dependencies, dep)
	}

	body := []byte(fmt.Sprintf("# %s\n# %s\n", opts.Name, desc.Description))
	unit, err := modhost.WriteModuleUnit(desc, body)
	if err != nil {
		return "", err
	}
	if opts.Checksum {
		desc.Checksum = modhost.ComputeChecksum(unit)
		if unit, err = modhost.WriteModuleUnit(desc, body); err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(modulesDir, 0o755); err != nil {
		return "", fmt.Errorf("creating modules directory: %w", err)
	}
	path := filepath.Join(modulesDir, opts.Name+".mod")
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("module unit %s already exists", path)
	}
	if err := os.WriteFile(path, unit, 0o644); err != nil {
		return "", fmt.Errorf("writing module unit: %w", err)
	}
	return path, nil
}
