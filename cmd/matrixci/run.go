// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"strings"

	"matrixci/internal/app/execute"
	"matrixci/internal/config"
	"matrixci/internal/container"
	"matrixci/internal/environment"
	"matrixci/internal/pipeline"

	"github.com/spf13/cobra"
)

const summaryWidth = 100

type runFlags struct {
	branch      string
	commit      string
	maxParallel int
	kind        string
	engine      string
	bigTests    bool
	skipPublish bool
	force       bool
	plain       bool
}

// newRunCommand creates the `matrixci run` command.
func newRunCommand(app *App) *cobra.Command {
	var f runFlags

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the test suite across every matrix cell",
		Long: `Run the test suite across every matrix cell.

Each cell gets its own environment and scoped credentials. Coverage from every
cell that produced a profile is merged into one report, written to the report
directory and uploaded once when publishing is enabled.

Exit codes:
  0  every cell passed
  1  at least one cell failed its test suite
  2  at least one cell could not be provisioned or timed out
  3  tests passed but the coverage upload failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, app, &f)
		},
	}

	runCmd.Flags().StringVar(&f.branch, "branch", "", "branch being tested (default: detected from CI variables)")
	runCmd.Flags().StringVar(&f.commit, "commit", "", "commit being tested (default: detected from CI variables)")
	runCmd.Flags().IntVarP(&f.maxParallel, "max-parallel", "j", 0, "maximum cells running at once (default: from pipeline)")
	runCmd.Flags().StringVar(&f.kind, "kind", "", "environment kind override: native or container")
	runCmd.Flags().StringVar(&f.engine, "engine", "", "container engine override: docker or podman")
	runCmd.Flags().BoolVar(&f.bigTests, "big-tests", false, "enable the suite's large tests")
	runCmd.Flags().BoolVar(&f.skipPublish, "skip-publish", false, "do not upload coverage")
	runCmd.Flags().BoolVar(&f.force, "force", false, "run even when the branch does not match the trigger")
	runCmd.Flags().BoolVar(&f.plain, "plain", false, "print the summary as markdown instead of rendering it")

	return runCmd
}

func runPipeline(cmd *cobra.Command, app *App, f *runFlags) error {
	ctx := cmd.Context()

	cfg, path, err := app.loadConfig(ctx)
	if err != nil {
		return app.fail(err)
	}

	branch, commit := execute.DetectGit(app.lookup)
	if f.branch != "" {
		branch = f.branch
	}
	if f.commit != "" {
		commit = f.commit
	}

	if !f.force && !cfg.Trigger.ShouldRun(branch) {
		fmt.Fprintf(app.stdout, "%s branch %q is not one of %s\n",
			WarningStyle.Render("Skipped:"), branch, strings.Join(cfg.Trigger.Branches, ", "))
		return nil
	}

	overrides := execute.Overrides{
		MaxParallel: f.maxParallel,
		Kind:        environment.Kind(f.kind),
		Engine:      container.EngineType(f.engine),
		SkipPublish: f.skipPublish,
		Branch:      branch,
		Commit:      commit,
	}
	if cmd.Flags().Changed("big-tests") {
		v := f.bigTests
		overrides.BigTests = &v
	}

	pl, resolved, err := execute.Build(execute.BuildOptions{
		Config:         cfg,
		Overrides:      overrides,
		Logger:         app.logger,
		Output:         app.stderr,
		Lookup:         app.lookup,
		NewProvisioner: app.newProvisioner,
		Scoper:         app.scoper,
	})
	if err != nil {
		return app.fail(err)
	}

	cells, err := pl.Cells()
	if err != nil {
		return app.fail(err)
	}
	printRunHeader(app, resolved, path, branch, len(cells))

	out, err := pl.Run(ctx)
	if err != nil {
		return app.fail(err)
	}

	summary := out.Summary()
	if !f.plain {
		if rendered, rErr := out.Render(summaryWidth); rErr == nil {
			summary = rendered
		}
	}
	fmt.Fprint(app.stdout, summary)

	code := out.ExitCode()
	if code == pipeline.ExitOK {
		fmt.Fprintln(app.stdout, SuccessStyle.Render("All cells passed."))
		return nil
	}
	outErr := outcomeError(out)
	renderError(app.stderr, outErr, app.flags.verbose)
	return &ExitError{Code: code, Err: outErr}
}

func printRunHeader(app *App, cfg *config.Config, path, branch string, cells int) {
	if path == "" {
		path = "(defaults)"
	}
	name := cfg.Name
	if name == "" {
		name = "pipeline"
	}
	fmt.Fprintln(app.stdout, TitleStyle.Render(name))
	fmt.Fprintf(app.stdout, "%s %s\n", labelStyle.Render("Config:"), path)
	if branch != "" {
		fmt.Fprintf(app.stdout, "%s %s\n", labelStyle.Render("Branch:"), branch)
	}
	fmt.Fprintf(app.stdout, "%s %d across %s (max %d parallel)\n",
		labelStyle.Render("Cells:"), cells, cfg.Environment.Kind, cfg.Matrix.MaxParallel)
	publishing := "disabled"
	if cfg.Publish.Enabled {
		publishing = cfg.Publish.Endpoint
	}
	fmt.Fprintf(app.stdout, "%s %s\n\n", labelStyle.Render("Publish:"), publishing)
}
