// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"

	"matrixci/internal/config"
	"matrixci/internal/issue"

	"github.com/spf13/cobra"
)

// newImportCommand creates the `matrixci import` command.
func newImportCommand(app *App) *cobra.Command {
	var (
		job    string
		output string
		force  bool
	)

	importCmd := &cobra.Command{
		Use:   "import <workflow.yml>",
		Short: "Convert a CI workflow matrix into a pipeline file",
		Long: `Convert a CI workflow matrix into a pipeline file.

The job's strategy.matrix (including include/exclude), strategy.max-parallel,
job env and on.push.branches are carried over. Values that use workflow
expressions cannot be evaluated and are reported as warnings.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return app.fail(issue.NewErrorContext().
					WithOperation("import workflow").
					WithResource(args[0]).
					WithSuggestion("Verify the workflow path is correct").
					Wrap(err).
					BuildError())
			}
			defer f.Close()

			res, err := config.ImportWorkflow(f, config.ImportOptions{Job: job})
			if err != nil {
				return app.fail(issue.NewErrorContext().
					WithOperation("import workflow").
					WithResource(args[0]).
					WithSuggestion("Select the job with --job when the workflow has several matrices").
					WithIssue(issue.MatrixInvalidId).
					Wrap(err).
					BuildError())
			}
			for _, w := range res.Warnings {
				fmt.Fprintln(app.stderr, WarningStyle.Render("Warning: ")+w)
			}

			content := config.GenerateCUE(res.Config)
			if output == "" {
				fmt.Fprint(app.stdout, content)
				return nil
			}
			if !force {
				if _, err := os.Stat(output); err == nil {
					return app.fail(issue.NewErrorContext().
						WithOperation("import workflow").
						WithResource(output).
						WithSuggestion("Use --force to overwrite the existing file").
						Wrap(os.ErrExist).
						BuildError())
				}
			}
			if err := os.WriteFile(output, []byte(content), 0o644); err != nil {
				return app.fail(err)
			}
			fmt.Fprintf(app.stdout, "%s job %q written to %s\n", SuccessStyle.Render("Imported:"), res.Job, output)
			return nil
		},
	}

	importCmd.Flags().StringVar(&job, "job", "", "workflow job to import (default: first job with a matrix)")
	importCmd.Flags().StringVarP(&output, "output", "o", "", "write the pipeline to this file instead of stdout")
	importCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite the output file")
	return importCmd
}
