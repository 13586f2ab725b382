package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/drover/internal/permission"
)

// newPermissionsCmd creates the permissions export command
func newPermissionsCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Export the agent permission settings file",
		Long: `Render the config's command allowlist and file access globs to the
JSON settings file agent CLIs consume.

Example:
  drover permissions
  drover permissions --out .drover/agent-settings.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			path := out
			if path == "" {
				path = filepath.Join(app.paths.Root, "agent-settings.json")
			}

			s, err := permission.Export(app.cfg, path)
			if err != nil {
				return err
			}

			if !quiet {
				fmt.Printf("Wrote %d rules to %s\n", len(s.Permissions.Allow), path)
				if verbose {
					for _, rule := range s.Permissions.Allow {
						fmt.Println("  " + rule)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default .drover/agent-settings.json)")
	return cmd
}
