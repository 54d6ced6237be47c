// SPDX-License-Identifier: MPL-2.0

package execute

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/charmbracelet/log"

	"matrixci/internal/config"
	"matrixci/internal/container"
	"matrixci/internal/credential"
	"matrixci/internal/environment"
	"matrixci/internal/fixtures"
	"matrixci/internal/pipeline"
	"matrixci/internal/publish"
	"matrixci/internal/runner"
	"matrixci/internal/scheduler"
)

// ErrInvalidOverrides is the sentinel error wrapped by InvalidOverridesError.
var ErrInvalidOverrides = errors.New("invalid overrides")

type (
	// Overrides are the CLI-level adjustments applied on top of the configuration.
	// Zero values leave the configured value in place.
	Overrides struct {
		MaxParallel int
		Kind        environment.Kind
		Engine      container.EngineType
		BigTests    *bool
		SkipPublish bool
		Branch      string
		Commit      string
	}

	// InvalidOverridesError is returned when Overrides has invalid fields. It wraps
	// ErrInvalidOverrides for errors.Is() compatibility and collects field errors.
	InvalidOverridesError struct {
		FieldErrors []error
	}

	// ProvisionerFactory creates the environment provisioner for a kind.
	ProvisionerFactory func(kind environment.Kind, native environment.NativeConfig, ctr environment.ContainerConfig, engine container.EngineType, logger *log.Logger) (environment.Provisioner, error)

	// BuildOptions configures Build.
	//
	// Config is required. All other fields are optional.
	BuildOptions struct {
		Config    *config.Config
		Overrides Overrides
		Logger    *log.Logger
		// Output receives provisioning output (setup steps, image builds).
		Output io.Writer
		// Lookup resolves environment variables; defaults to os.LookupEnv.
		Lookup credential.LookupFunc
		// NewProvisioner defaults to environment.NewProvisioner.
		NewProvisioner ProvisionerFactory
		// Scoper replaces the configured storage credential source when set.
		Scoper pipeline.CredentialScoper
	}
)

// Error implements the error interface for InvalidOverridesError.
func (e *InvalidOverridesError) Error() string {
	return fmt.Sprintf("invalid overrides: %d field error(s)", len(e.FieldErrors))
}

// Unwrap returns ErrInvalidOverrides followed by the field errors.
func (e *InvalidOverridesError) Unwrap() []error {
	return append([]error{ErrInvalidOverrides}, e.FieldErrors...)
}

// IsValid returns whether the overrides are usable.
func (o Overrides) IsValid() (bool, []error) {
	var errs []error
	if o.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("max-parallel must be at least 1, got %d", o.MaxParallel))
	}
	if o.Kind != "" {
		if ok, fieldErrs := o.Kind.IsValid(); !ok {
			errs = append(errs, fieldErrs...)
		}
	}
	if o.Engine != "" {
		if ok, fieldErrs := o.Engine.IsValid(); !ok {
			errs = append(errs, fieldErrs...)
		}
	}
	if len(errs) > 0 {
		return false, []error{&InvalidOverridesError{FieldErrors: errs}}
	}
	return true, nil
}

// Resolve applies overrides to a copy of cfg. Precedence is CLI override, then
// configuration (which already folds in MATRIXCI_* variables), then defaults.
func Resolve(cfg *config.Config, o Overrides) (*config.Config, error) {
	if cfg == nil {
		return nil, errors.New("Resolve: config must not be nil")
	}
	if ok, errs := o.IsValid(); !ok {
		return nil, errs[0]
	}

	resolved := *cfg
	if o.MaxParallel > 0 {
		resolved.Matrix.MaxParallel = o.MaxParallel
	}
	if o.Kind != "" {
		resolved.Environment.Kind = o.Kind
	}
	if o.Engine != "" {
		resolved.Environment.Engine = o.Engine
	}
	if o.BigTests != nil {
		resolved.Suite.BigTests = *o.BigTests
	}
	if o.SkipPublish {
		resolved.Publish.Enabled = false
	}
	if err := resolved.Validate(); err != nil {
		return nil, err
	}
	return &resolved, nil
}

// DetectGit returns the pushed branch and commit from well-known CI variables.
func DetectGit(lookup credential.LookupFunc) (branch, commit string) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	first := func(names ...string) string {
		for _, n := range names {
			if v, ok := lookup(n); ok && v != "" {
				return v
			}
		}
		return ""
	}
	return first("MATRIXCI_BRANCH", "GITHUB_REF_NAME", "CI_COMMIT_BRANCH", "BRANCH_NAME"),
		first("MATRIXCI_COMMIT", "GITHUB_SHA", "CI_COMMIT_SHA", "GIT_COMMIT")
}

// Build resolves overrides and wires every component of the pipeline. Nothing is
// started; the container engine is checked only for container environments.
func Build(opts BuildOptions) (*pipeline.Pipeline, *config.Config, error) {
	cfg, err := Resolve(opts.Config, opts.Overrides)
	if err != nil {
		return nil, nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	newProvisioner := opts.NewProvisioner
	if newProvisioner == nil {
		newProvisioner = environment.NewProvisioner
	}

	sched, err := scheduler.New(cfg.Matrix.MaxParallel,
		scheduler.WithTimeout(cfg.Suite.Timeout),
		scheduler.WithLogger(logger.WithPrefix("scheduler")))
	if err != nil {
		return nil, nil, err
	}

	env := cfg.Environment
	prov, err := newProvisioner(env.Kind,
		environment.NativeConfig{SourceDir: env.SourceDir, WorkRoot: env.WorkRoot, Setup: env.Setup, Env: env.Env, Inherit: nativeInherit(cfg)},
		environment.ContainerConfig{SourceDir: env.SourceDir, WorkRoot: env.WorkRoot, ImageTemplate: env.Image, Setup: env.Setup, Env: env.Env},
		env.Engine, logger.WithPrefix("provision"))
	if err != nil {
		return nil, nil, fmt.Errorf("create %s provisioner: %w", env.Kind, err)
	}

	suite := runner.Suite{
		Command:        cfg.Suite.Command,
		CoverageFile:   cfg.Suite.CoverageFile,
		CoverageFormat: cfg.Suite.CoverageFormat,
		FlagNames:      cfg.Suite.FlagNames(),
		Logger:         logger.WithPrefix("runner"),
	}
	if err := suite.Validate(); err != nil {
		return nil, nil, err
	}

	output := opts.Output
	if output == nil {
		output = io.Discard
	}
	branch, commit := DetectGit(lookup)
	if opts.Overrides.Branch != "" {
		branch = opts.Overrides.Branch
	}
	if opts.Overrides.Commit != "" {
		commit = opts.Overrides.Commit
	}

	plOpts := []pipeline.Option{
		pipeline.WithProvisionRetry(cfg.Retry.Policy()),
		pipeline.WithFlags(cfg.Suite.Flags()),
		pipeline.WithReport(pipeline.ReportOptions{Dir: cfg.Report.Dir, SourceRoot: env.SourceDir, Title: cfg.Report.Title}),
		pipeline.WithGit(branch, commit),
		pipeline.WithOutput(output),
		pipeline.WithLogger(logger.WithPrefix("pipeline")),
	}

	scoper, err := buildScoper(cfg, opts.Scoper, lookup, logger)
	if err != nil {
		return nil, nil, err
	}
	if scoper != nil {
		plOpts = append(plOpts, pipeline.WithScoper(scoper))
	}

	storage := cfg.Credentials.Storage
	if len(storage.Fixtures) > 0 {
		fetcher, err := fixtures.NewFetcher(fixtures.Config{
			Endpoint: storage.Endpoint,
			Insecure: storage.Insecure,
			Region:   storage.Region,
			Objects:  storage.Fixtures,
		}, logger.WithPrefix("fixtures"))
		if err != nil {
			return nil, nil, err
		}
		plOpts = append(plOpts, pipeline.WithFixtures(fetcher))
	}

	if cfg.Publish.Enabled {
		pub, err := publish.New(publish.Config{
			Endpoint:    cfg.Publish.Endpoint,
			ServiceName: cfg.Publish.ServiceName,
			Retry:       cfg.Publish.Policy(),
			Timeout:     cfg.Publish.Timeout,
		}, publish.WithLogger(logger.WithPrefix("publish")))
		if err != nil {
			return nil, nil, err
		}
		tokenEnv := cfg.Credentials.Report.TokenEnv
		plOpts = append(plOpts, pipeline.WithPublisher(pub, func() (credential.ReportToken, error) {
			return credential.ReportTokenFromEnv(tokenEnv, lookup)
		}))
	}

	pl, err := pipeline.New(cfg.Matrix.Definition(), sched, prov, suite, plOpts...)
	if err != nil {
		return nil, nil, err
	}
	return pl, cfg, nil
}

func buildScoper(cfg *config.Config, override pipeline.CredentialScoper, lookup credential.LookupFunc, logger *log.Logger) (pipeline.CredentialScoper, error) {
	if override != nil {
		return override, nil
	}
	storage := cfg.Credentials.Storage
	if storage.Source == credential.SourceNone || storage.Source == "" {
		return nil, nil
	}
	src, err := credential.NewSource(storage.Source, storage.Profile, storage.Region)
	if err != nil {
		return nil, err
	}
	if envSrc, ok := src.(*credential.EnvSource); ok {
		envSrc.Lookup = lookup
	}
	return credential.NewScoper(src, credential.WithLogger(logger.WithPrefix("credential"))), nil
}

// nativeInherit filters the host environment for native cells. The report token
// belongs to the upload boundary and is denied whatever the configured mode.
func nativeInherit(cfg *config.Config) environment.InheritConfig {
	in := cfg.Environment.Inherit
	deny := slices.Clone(in.Deny)
	if tok := cfg.Credentials.Report.TokenEnv; tok != "" && !slices.Contains(deny, tok) {
		deny = append(deny, tok)
	}
	return environment.InheritConfig{Mode: in.Mode, Allow: slices.Clone(in.Allow), Deny: deny}
}
