// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"matrixci/internal/container"
	"matrixci/internal/coverage"
	"matrixci/internal/credential"
	"matrixci/internal/environment"
	"matrixci/internal/fixtures"
	"matrixci/internal/matrix"
	"matrixci/internal/publish"
	"matrixci/internal/runner"
)

const (
	// DefaultMaxParallel is the concurrency ceiling used when none is configured.
	DefaultMaxParallel = 20
	// DefaultSuiteCommand runs pytest under coverage and keeps the suite's exit status.
	DefaultSuiteCommand = "coverage run -m pytest; status=$?; coverage json -o coverage.json; exit $status"
	// DefaultTokenEnv is the variable the report-upload token is read from.
	DefaultTokenEnv = "COVERALLS_REPO_TOKEN"
	// DefaultPublishEndpoint is the coverage service job endpoint.
	DefaultPublishEndpoint = "https://coveralls.io/api/v1/jobs"
)

// DefaultConfig returns the default configuration. It declares no matrix axes, so
// a pipeline file (or Starter) must supply them.
func DefaultConfig() *Config {
	return &Config{
		Name: AppName,
		Matrix: MatrixConfig{
			MaxParallel: DefaultMaxParallel,
		},
		Environment: EnvironmentConfig{
			Kind:      environment.KindNative,
			SourceDir: ".",
			Image:     "python:{{runtime}}",
			Engine:    container.EngineTypeDocker,
			Inherit:   EnvInheritConfig{Mode: environment.InheritAll},
		},
		Suite: SuiteConfig{
			Command:        DefaultSuiteCommand,
			CoverageFile:   "coverage.json",
			CoverageFormat: coverage.FormatCoveragePy,
			DisplayBackend: "Agg",
			EnvMode:        "dev",
			Timeout:        60 * time.Minute,
			Vars: SuiteVars{
				DisplayBackend: runner.DefaultDisplayBackendVar,
				EnvMode:        runner.DefaultEnvModeVar,
				BigTests:       runner.DefaultBigTestsVar,
			},
		},
		Credentials: CredentialsConfig{
			Storage: StorageConfig{
				Source:   credential.SourceNone,
				Endpoint: fixtures.DefaultEndpoint,
			},
			Report: ReportCredentialConfig{TokenEnv: DefaultTokenEnv},
		},
		Publish: PublishConfig{
			Endpoint:    DefaultPublishEndpoint,
			ServiceName: publish.DefaultServiceName,
			Attempts:    1,
			Backoff:     5 * time.Second,
			Timeout:     publish.DefaultTimeout,
		},
		Retry: RetryConfig{
			ProvisionAttempts: 2,
			Backoff:           10 * time.Second,
		},
		Report: ReportConfig{
			Dir:   "coverage_html",
			Title: "Coverage report",
		},
	}
}

// Starter returns the pipeline written by 'matrixci config init': three operating
// systems across five runtime versions, triggered by pushes to main.
func Starter() *Config {
	cfg := DefaultConfig()
	cfg.Trigger.Branches = []string{"main"}
	cfg.Matrix.Axes = []AxisConfig{
		{Name: matrix.AxisOS, Values: []string{"ubuntu-latest", "macos-latest", "windows-latest"}},
		{Name: matrix.AxisRuntime, Values: []string{"3.8", "3.9", "3.10", "3.11", "3.12"}},
	}
	cfg.Environment.Setup = []string{"python -m pip install -r requirements.txt coverage pytest"}
	return cfg
}

// GenerateCUE generates a CUE representation of the configuration.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// matrixci pipeline\n")
	sb.WriteString("// Validated against #Pipeline; see 'matrixci config schema'.\n\n")

	fmt.Fprintf(&sb, "name: %q\n", cfg.Name)

	if len(cfg.Trigger.Branches) > 0 {
		fmt.Fprintf(&sb, "\ntrigger: branches: %s\n", cueStrings(cfg.Trigger.Branches))
	}

	sb.WriteString("\nmatrix: {\n")
	sb.WriteString("\taxes: [\n")
	for _, a := range cfg.Matrix.Axes {
		fmt.Fprintf(&sb, "\t\t{name: %q, values: %s},\n", a.Name, cueStrings(a.Values))
	}
	sb.WriteString("\t]\n")
	writeSelectors(&sb, "include", cfg.Matrix.Include)
	writeSelectors(&sb, "exclude", cfg.Matrix.Exclude)
	fmt.Fprintf(&sb, "\tmax_parallel: %d\n", cfg.Matrix.MaxParallel)
	sb.WriteString("}\n")

	sb.WriteString("\nenvironment: {\n")
	fmt.Fprintf(&sb, "\tkind: %q\n", cfg.Environment.Kind)
	fmt.Fprintf(&sb, "\tsource_dir: %q\n", cfg.Environment.SourceDir)
	if cfg.Environment.WorkRoot != "" {
		fmt.Fprintf(&sb, "\twork_root: %q\n", cfg.Environment.WorkRoot)
	}
	fmt.Fprintf(&sb, "\timage: %q\n", cfg.Environment.Image)
	fmt.Fprintf(&sb, "\tengine: %q\n", cfg.Environment.Engine)
	if len(cfg.Environment.Setup) > 0 {
		fmt.Fprintf(&sb, "\tsetup: %s\n", cueStrings(cfg.Environment.Setup))
	}
	if len(cfg.Environment.Env) > 0 {
		sb.WriteString("\tenv: {\n")
		for _, k := range sortedKeys(cfg.Environment.Env) {
			fmt.Fprintf(&sb, "\t\t%q: %q\n", k, cfg.Environment.Env[k])
		}
		sb.WriteString("\t}\n")
	}
	if in := cfg.Environment.Inherit; (in.Mode != "" && in.Mode != environment.InheritAll) || len(in.Allow) > 0 || len(in.Deny) > 0 {
		sb.WriteString("\tinherit: {\n")
		if in.Mode != "" {
			fmt.Fprintf(&sb, "\t\tmode: %q\n", in.Mode)
		}
		if len(in.Allow) > 0 {
			fmt.Fprintf(&sb, "\t\tallow: %s\n", cueStrings(in.Allow))
		}
		if len(in.Deny) > 0 {
			fmt.Fprintf(&sb, "\t\tdeny: %s\n", cueStrings(in.Deny))
		}
		sb.WriteString("\t}\n")
	}
	sb.WriteString("}\n")

	sb.WriteString("\nsuite: {\n")
	fmt.Fprintf(&sb, "\tcommand: %q\n", cfg.Suite.Command)
	fmt.Fprintf(&sb, "\tcoverage_file: %q\n", cfg.Suite.CoverageFile)
	fmt.Fprintf(&sb, "\tcoverage_format: %q\n", cfg.Suite.CoverageFormat)
	fmt.Fprintf(&sb, "\tdisplay_backend: %q\n", cfg.Suite.DisplayBackend)
	fmt.Fprintf(&sb, "\tenv_mode: %q\n", cfg.Suite.EnvMode)
	fmt.Fprintf(&sb, "\tbig_tests: %v\n", cfg.Suite.BigTests)
	fmt.Fprintf(&sb, "\ttimeout: %q\n", cfg.Suite.Timeout.String())
	sb.WriteString("}\n")

	sb.WriteString("\ncredentials: {\n")
	sb.WriteString("\tstorage: {\n")
	fmt.Fprintf(&sb, "\t\tsource: %q\n", cfg.Credentials.Storage.Source)
	if cfg.Credentials.Storage.Profile != "" {
		fmt.Fprintf(&sb, "\t\tprofile: %q\n", cfg.Credentials.Storage.Profile)
	}
	if cfg.Credentials.Storage.Region != "" {
		fmt.Fprintf(&sb, "\t\tregion: %q\n", cfg.Credentials.Storage.Region)
	}
	fmt.Fprintf(&sb, "\t\tendpoint: %q\n", cfg.Credentials.Storage.Endpoint)
	if len(cfg.Credentials.Storage.Fixtures) > 0 {
		sb.WriteString("\t\tfixtures: [\n")
		for _, f := range cfg.Credentials.Storage.Fixtures {
			if f.Path != "" {
				fmt.Fprintf(&sb, "\t\t\t{bucket: %q, key: %q, path: %q},\n", f.Bucket, f.Key, f.Path)
			} else {
				fmt.Fprintf(&sb, "\t\t\t{bucket: %q, key: %q},\n", f.Bucket, f.Key)
			}
		}
		sb.WriteString("\t\t]\n")
	}
	sb.WriteString("\t}\n")
	fmt.Fprintf(&sb, "\treport: token_env: %q\n", cfg.Credentials.Report.TokenEnv)
	sb.WriteString("}\n")

	sb.WriteString("\npublish: {\n")
	fmt.Fprintf(&sb, "\tenabled: %v\n", cfg.Publish.Enabled)
	fmt.Fprintf(&sb, "\tendpoint: %q\n", cfg.Publish.Endpoint)
	fmt.Fprintf(&sb, "\tattempts: %d\n", cfg.Publish.Attempts)
	fmt.Fprintf(&sb, "\tbackoff: %q\n", cfg.Publish.Backoff.String())
	sb.WriteString("}\n")

	sb.WriteString("\nretry: {\n")
	fmt.Fprintf(&sb, "\tprovision_attempts: %d\n", cfg.Retry.ProvisionAttempts)
	fmt.Fprintf(&sb, "\tbackoff: %q\n", cfg.Retry.Backoff.String())
	sb.WriteString("}\n")

	fmt.Fprintf(&sb, "\nreport: dir: %q\n", cfg.Report.Dir)

	return sb.String()
}

func cueStrings(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func writeSelectors(sb *strings.Builder, field string, sels []map[string]string) {
	if len(sels) == 0 {
		return
	}
	fmt.Fprintf(sb, "\t%s: [\n", field)
	for _, sel := range sels {
		pairs := make([]string, 0, len(sel))
		for _, k := range sortedKeys(sel) {
			pairs = append(pairs, fmt.Sprintf("%q: %q", k, sel[k]))
		}
		fmt.Fprintf(sb, "\t\t{%s},\n", strings.Join(pairs, ", "))
	}
	sb.WriteString("\t]\n")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
