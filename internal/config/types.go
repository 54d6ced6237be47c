// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"matrixci/internal/container"
	"matrixci/internal/coverage"
	"matrixci/internal/credential"
	"matrixci/internal/environment"
	"matrixci/internal/fixtures"
	"matrixci/internal/matrix"
	"matrixci/internal/retry"
	"matrixci/internal/runner"
)

// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
var ErrInvalidConfig = errors.New("invalid config")

type (
	// InvalidConfigError is returned when a Config has invalid fields. It wraps
	// ErrInvalidConfig and every field-level error for errors.Is() compatibility.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config is the pipeline definition.
	Config struct {
		Name        string            `json:"name" mapstructure:"name"`
		Trigger     TriggerConfig     `json:"trigger" mapstructure:"trigger"`
		Matrix      MatrixConfig      `json:"matrix" mapstructure:"matrix"`
		Environment EnvironmentConfig `json:"environment" mapstructure:"environment"`
		Suite       SuiteConfig       `json:"suite" mapstructure:"suite"`
		Credentials CredentialsConfig `json:"credentials" mapstructure:"credentials"`
		Publish     PublishConfig     `json:"publish" mapstructure:"publish"`
		Retry       RetryConfig       `json:"retry" mapstructure:"retry"`
		Report      ReportConfig      `json:"report" mapstructure:"report"`
	}

	// TriggerConfig restricts which pushes run the pipeline.
	TriggerConfig struct {
		// Branches lists the branches a push must target; empty accepts any branch.
		Branches []string `json:"branches" mapstructure:"branches"`
	}

	// AxisConfig is one matrix axis. Axes are a list so their order is preserved.
	AxisConfig struct {
		Name   string   `json:"name" mapstructure:"name"`
		Values []string `json:"values" mapstructure:"values"`
	}

	// MatrixConfig defines the build matrix and its concurrency ceiling.
	MatrixConfig struct {
		Axes        []AxisConfig        `json:"axes" mapstructure:"axes"`
		Include     []map[string]string `json:"include" mapstructure:"include"`
		Exclude     []map[string]string `json:"exclude" mapstructure:"exclude"`
		MaxParallel int                 `json:"max_parallel" mapstructure:"max_parallel"`
	}

	// EnvironmentConfig selects and configures the environment provisioner.
	EnvironmentConfig struct {
		Kind      environment.Kind     `json:"kind" mapstructure:"kind"`
		SourceDir string               `json:"source_dir" mapstructure:"source_dir"`
		WorkRoot  string               `json:"work_root" mapstructure:"work_root"`
		Image     string               `json:"image" mapstructure:"image"`
		Engine    container.EngineType `json:"engine" mapstructure:"engine"`
		Setup     []string             `json:"setup" mapstructure:"setup"`
		Env       map[string]string    `json:"env" mapstructure:"env"`
		Inherit   EnvInheritConfig     `json:"inherit" mapstructure:"inherit"`
	}

	// EnvInheritConfig filters the host variables native cells see. AWS_* and
	// MATRIXCI_* variables and the report token are never inherited.
	EnvInheritConfig struct {
		Mode  environment.InheritMode `json:"mode" mapstructure:"mode"`
		Allow []string                `json:"allow" mapstructure:"allow"`
		Deny  []string                `json:"deny" mapstructure:"deny"`
	}

	// SuiteVars names the environment variables the suite flags are exported as.
	SuiteVars struct {
		DisplayBackend string `json:"display_backend" mapstructure:"display_backend"`
		EnvMode        string `json:"env_mode" mapstructure:"env_mode"`
		BigTests       string `json:"big_tests" mapstructure:"big_tests"`
	}

	// SuiteConfig describes the opaque test suite.
	SuiteConfig struct {
		Command        string          `json:"command" mapstructure:"command"`
		CoverageFile   string          `json:"coverage_file" mapstructure:"coverage_file"`
		CoverageFormat coverage.Format `json:"coverage_format" mapstructure:"coverage_format"`
		DisplayBackend string          `json:"display_backend" mapstructure:"display_backend"`
		EnvMode        string          `json:"env_mode" mapstructure:"env_mode"`
		BigTests       bool            `json:"big_tests" mapstructure:"big_tests"`
		Timeout        time.Duration   `json:"timeout" mapstructure:"timeout"`
		Vars           SuiteVars       `json:"vars" mapstructure:"vars"`
	}

	// StorageConfig configures the storage-read credential boundary and the fixtures
	// fetched with it.
	StorageConfig struct {
		Source   credential.SourceKind `json:"source" mapstructure:"source"`
		Profile  string                `json:"profile" mapstructure:"profile"`
		Region   string                `json:"region" mapstructure:"region"`
		Endpoint string                `json:"endpoint" mapstructure:"endpoint"`
		Insecure bool                  `json:"insecure" mapstructure:"insecure"`
		Fixtures []fixtures.Object     `json:"fixtures" mapstructure:"fixtures"`
	}

	// ReportCredentialConfig configures the report-upload credential boundary.
	ReportCredentialConfig struct {
		TokenEnv string `json:"token_env" mapstructure:"token_env"`
	}

	// CredentialsConfig holds one section per trust boundary.
	CredentialsConfig struct {
		Storage StorageConfig          `json:"storage" mapstructure:"storage"`
		Report  ReportCredentialConfig `json:"report" mapstructure:"report"`
	}

	// PublishConfig configures the coverage upload.
	PublishConfig struct {
		Enabled     bool          `json:"enabled" mapstructure:"enabled"`
		Endpoint    string        `json:"endpoint" mapstructure:"endpoint"`
		ServiceName string        `json:"service_name" mapstructure:"service_name"`
		Attempts    int           `json:"attempts" mapstructure:"attempts"`
		Backoff     time.Duration `json:"backoff" mapstructure:"backoff"`
		Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	}

	// RetryConfig bounds provisioning re-attempts.
	RetryConfig struct {
		ProvisionAttempts int           `json:"provision_attempts" mapstructure:"provision_attempts"`
		Backoff           time.Duration `json:"backoff" mapstructure:"backoff"`
	}

	// ReportConfig configures the coverage report directory.
	ReportConfig struct {
		Dir   string `json:"dir" mapstructure:"dir"`
		Title string `json:"title" mapstructure:"title"`
	}
)

// Error implements the error interface.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid config: %d field error(s): %s", len(e.FieldErrors), strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidConfig followed by the field errors.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}

// Definition converts the matrix section into an expandable definition.
func (m MatrixConfig) Definition() matrix.Definition {
	d := matrix.Definition{Axes: make([]matrix.Axis, len(m.Axes))}
	for i, a := range m.Axes {
		d.Axes[i] = matrix.Axis{Name: a.Name, Values: append([]string(nil), a.Values...)}
	}
	for _, sel := range m.Include {
		d.Include = append(d.Include, matrix.Selector(sel))
	}
	for _, sel := range m.Exclude {
		d.Exclude = append(d.Exclude, matrix.Selector(sel))
	}
	return d
}

// Flags returns the flag values handed to the suite.
func (s SuiteConfig) Flags() runner.Flags {
	return runner.Flags{DisplayBackend: s.DisplayBackend, EnvMode: s.EnvMode, BigTests: s.BigTests}
}

// FlagNames returns the variable names the flags are exported as.
func (s SuiteConfig) FlagNames() runner.FlagNames {
	return runner.FlagNames{DisplayBackend: s.Vars.DisplayBackend, EnvMode: s.Vars.EnvMode, BigTests: s.Vars.BigTests}
}

// Policy returns the provisioning retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{Attempts: r.ProvisionAttempts, Backoff: r.Backoff}
}

// Policy returns the upload retry policy.
func (p PublishConfig) Policy() retry.Policy {
	return retry.Policy{Attempts: p.Attempts, Backoff: p.Backoff}
}

// Validate checks constraints the schema cannot express and every enum value. The
// matrix is validated with matrix.Definition.Validate so axis problems surface as
// matrix.ConfigurationError.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Matrix.Definition().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Matrix.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("matrix.max_parallel must be at least 1, got %d", c.Matrix.MaxParallel))
	}

	if ok, fieldErrs := c.Environment.Kind.IsValid(); !ok {
		errs = append(errs, fieldErrs...)
	}
	if ok, fieldErrs := c.Environment.Inherit.Mode.IsValid(); !ok {
		errs = append(errs, fieldErrs...)
	}
	if c.Environment.Kind == environment.KindContainer {
		if ok, fieldErrs := c.Environment.Engine.IsValid(); !ok {
			errs = append(errs, fieldErrs...)
		}
		if strings.TrimSpace(c.Environment.Image) == "" {
			errs = append(errs, errors.New("environment.image is required for container environments"))
		}
	}

	if strings.TrimSpace(c.Suite.Command) == "" {
		errs = append(errs, errors.New("suite.command is required"))
	}
	if c.Suite.CoverageFile != "" {
		if ok, fieldErrs := c.Suite.CoverageFormat.IsValid(); !ok {
			errs = append(errs, fieldErrs...)
		}
	}
	if c.Suite.Timeout < 0 {
		errs = append(errs, fmt.Errorf("suite.timeout must not be negative, got %s", c.Suite.Timeout))
	}

	if ok, fieldErrs := c.Credentials.Storage.Source.IsValid(); !ok {
		errs = append(errs, fieldErrs...)
	}
	for i, obj := range c.Credentials.Storage.Fixtures {
		if err := obj.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("credentials.storage.fixtures[%d]: %w", i, err))
		}
	}
	if len(c.Credentials.Storage.Fixtures) > 0 && c.Credentials.Storage.Source == credential.SourceNone {
		errs = append(errs, errors.New("credentials.storage.source must be aws or env when fixtures are declared"))
	}

	if c.Publish.Enabled {
		if c.Publish.Endpoint == "" {
			errs = append(errs, errors.New("publish.endpoint is required when publishing is enabled"))
		}
		if c.Credentials.Report.TokenEnv == "" {
			errs = append(errs, errors.New("credentials.report.token_env is required when publishing is enabled"))
		}
	}
	if c.Publish.Attempts < 1 {
		errs = append(errs, fmt.Errorf("publish.attempts must be at least 1, got %d", c.Publish.Attempts))
	}
	if c.Retry.ProvisionAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.provision_attempts must be at least 1, got %d", c.Retry.ProvisionAttempts))
	}
	if strings.TrimSpace(c.Report.Dir) == "" {
		errs = append(errs, errors.New("report.dir is required"))
	}

	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

// ShouldRun reports whether a push to branch triggers the pipeline. An empty
// branch list accepts every branch.
func (t TriggerConfig) ShouldRun(branch string) bool {
	if len(t.Branches) == 0 {
		return true
	}
	for _, b := range t.Branches {
		if b == branch {
			return true
		}
	}
	return false
}
