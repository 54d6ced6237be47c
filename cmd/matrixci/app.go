// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"io"
	"os"

	"matrixci/internal/app/execute"
	"matrixci/internal/config"
	"matrixci/internal/credential"
	"matrixci/internal/pipeline"

	"github.com/charmbracelet/log"
)

type (
	// App wires CLI services and shared dependencies. All Cobra command handlers
	// receive an App reference and load configuration through its Provider.
	App struct {
		Config         config.Provider
		stdout         io.Writer
		stderr         io.Writer
		lookup         credential.LookupFunc
		newProvisioner execute.ProvisionerFactory
		scoper         pipeline.CredentialScoper
		logger         *log.Logger
		flags          rootFlags
	}

	// Dependencies defines the injection points for building an App. Nil fields are
	// replaced with production defaults by NewApp.
	Dependencies struct {
		Config config.Provider
		Stdout io.Writer
		Stderr io.Writer
		// Lookup resolves environment variables for credentials and git detection.
		Lookup credential.LookupFunc
		// NewProvisioner replaces the environment provisioner factory.
		NewProvisioner execute.ProvisionerFactory
		// Scoper replaces the configured storage credential source.
		Scoper pipeline.CredentialScoper
	}
)

// NewApp creates an App, filling nil dependencies with production defaults.
func NewApp(deps Dependencies) *App {
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Lookup == nil {
		deps.Lookup = os.LookupEnv
	}

	logger := log.NewWithOptions(deps.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           log.InfoLevel,
	})

	return &App{
		Config:         deps.Config,
		stdout:         deps.Stdout,
		stderr:         deps.Stderr,
		lookup:         deps.Lookup,
		newProvisioner: deps.NewProvisioner,
		scoper:         deps.Scoper,
		logger:         logger,
	}
}

// loadConfig loads the pipeline selected by the persistent --config and --dir flags.
func (a *App) loadConfig(ctx context.Context) (*config.Config, string, error) {
	return a.Config.Load(ctx, config.LoadOptions{
		ConfigFilePath: a.flags.cfgFile,
		Dir:            a.flags.dir,
	})
}
