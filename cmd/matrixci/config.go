// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"matrixci/internal/config"

	"github.com/spf13/cobra"
)

// newConfigCommand creates the `matrixci config` command tree.
// Subcommands that read configuration use the App's Provider.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the pipeline definition",
		Long: `Manage the pipeline definition.

The pipeline is read from ./matrixci.cue unless --config names another file.
Every scalar setting can be overridden with a MATRIXCI_* environment variable,
e.g. MATRIXCI_MATRIX_MAX_PARALLEL=4.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective pipeline as CUE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := app.loadConfig(cmd.Context())
			if err != nil {
				return app.fail(err)
			}
			if path == "" {
				path = "(defaults)"
			}
			fmt.Fprintln(app.stderr, SubtitleStyle.Render("// source: "+path))
			fmt.Fprint(app.stdout, config.GenerateCUE(cfg))
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter pipeline file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultPath(app.flags.dir)
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path, force); err != nil {
				return app.fail(err)
			}
			fmt.Fprintf(app.stdout, "%s wrote %s\n", SuccessStyle.Render("Created:"), path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	cfgCmd.AddCommand(initCmd)

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the CUE schema pipelines are validated against",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(app.stdout, config.Schema())
			return nil
		},
	})

	return cfgCmd
}
