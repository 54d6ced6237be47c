// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for matrixci.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"matrixci/internal/issue"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// rootFlags holds the persistent flags shared by every subcommand.
type rootFlags struct {
	verbose bool
	cfgFile string
	dir     string
}

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "matrixci",
		Short: "Run a test suite across a build matrix",
		Long: TitleStyle.Render("matrixci") + SubtitleStyle.Render(" - Run a test suite across a build matrix") + `

matrixci expands a matrix of operating systems and runtime versions, runs
every cell in an isolated environment under a concurrency ceiling, merges
the coverage they produce, and publishes one report.

Pipelines are defined in 'matrixci.cue' files using CUE format.

` + SubtitleStyle.Render("Quick Start:") + `
  1. Create a pipeline with: matrixci config init
  2. Adjust the axes and suite command
  3. Run it with: matrixci run

` + SubtitleStyle.Render("Examples:") + `
  matrixci matrix                   List the cells a run would execute
  matrixci run --max-parallel 4     Run with at most four cells at once
  matrixci run --skip-publish       Run without uploading coverage
  matrixci import ci.yml            Convert a workflow matrix to CUE`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if app.flags.verbose {
				app.logger.SetLevel(log.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&app.flags.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&app.flags.cfgFile, "config", "", "pipeline file (default is ./matrixci.cue)")
	rootCmd.PersistentFlags().StringVarP(&app.flags.dir, "dir", "C", ".", "directory searched for matrixci.cue")

	rootCmd.AddCommand(newRunCommand(app))
	rootCmd.AddCommand(newMatrixCommand(app))
	rootCmd.AddCommand(newConfigCommand(app))
	rootCmd.AddCommand(newImportCommand(app))

	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute builds the production command tree and runs it.
// This is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	rootCmd := NewRootCommand(app)

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(exitCode(err))
	}
}

// formatErrorForDisplay formats an error for user display.
// If the error is an ActionableError, it uses the Format method.
// In verbose mode, shows the full error chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}
