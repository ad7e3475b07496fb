// fleet init: scaffold a new fleet.yaml in the target directory.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/f9-o/fleet/internal/core/config"
	"github.com/f9-o/fleet/pkg/pprint"
)

func NewInitCmd() *cobra.Command {
	var targetPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a new fleet.yaml in the current (or specified) directory",
		Example: `  fleet init
  fleet init --path ./infra`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if targetPath == "" {
				targetPath = "."
			}
			outFile := filepath.Join(targetPath, config.ProjectFile)
			if _, err := os.Stat(outFile); err == nil {
				return fmt.Errorf("%s already exists at %s, delete it first to reinitialise", config.ProjectFile, outFile)
			}

			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return fmt.Errorf("create dir %q: %w", targetPath, err)
			}
			if err := os.WriteFile(outFile, []byte(config.DefaultConfigTemplate), 0644); err != nil {
				return fmt.Errorf("write %s: %w", config.ProjectFile, err)
			}

			pprint.Success("Created %s", outFile)
			pprint.Info("Point it at your flake, then run: fleet secret force-keys && fleet deploy switch")
			return nil
		},
	}

	cmd.Flags().StringVar(&targetPath, "path", ".", "Target directory for fleet.yaml")
	return cmd
}
