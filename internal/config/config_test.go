// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"matrixci/internal/environment"
	"matrixci/internal/issue"
	"matrixci/internal/matrix"
	"matrixci/internal/testutil"
)

const samplePipeline = `
name: "beep"
trigger: branches: ["main", "release"]
matrix: {
	axes: [
		{name: "os", values: ["ubuntu-latest", "windows-latest"]},
		{name: "runtime", values: ["3.8", "3.10"]},
	]
	exclude: [{os: "windows-latest", runtime: "3.8"}]
	max_parallel: 4
}
environment: {
	kind: "container"
	image: "python:{{runtime}}-slim"
	env: {PYTHONHashSeed: "0"}
}
suite: {
	big_tests: true
	timeout: "90s"
}
credentials: storage: {
	source: "env"
	fixtures: [{bucket: "beep-fixtures", key: "data/2017-05-09.csv"}]
}
`

func load(t *testing.T, opts LoadOptions) (*Config, string, error) {
	t.Helper()
	return NewProvider().Load(context.Background(), opts)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	testutil.MustWriteFile(t, dir, "matrixci.cue", samplePipeline)

	cfg, path, err := load(t, LoadOptions{Dir: dir})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path != filepath.Join(dir, "matrixci.cue") {
		t.Errorf("resolved path = %q", path)
	}
	if cfg.Name != "beep" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if got := cfg.Matrix.Axes; len(got) != 2 || got[0].Name != "os" || got[1].Name != "runtime" || got[1].Values[1] != "3.10" {
		t.Errorf("Axes = %+v", got)
	}
	if cfg.Matrix.MaxParallel != 4 {
		t.Errorf("MaxParallel = %d, want 4", cfg.Matrix.MaxParallel)
	}
	if len(cfg.Matrix.Exclude) != 1 || cfg.Matrix.Exclude[0]["os"] != "windows-latest" {
		t.Errorf("Exclude = %v", cfg.Matrix.Exclude)
	}
	if cfg.Environment.Kind != environment.KindContainer {
		t.Errorf("Kind = %q", cfg.Environment.Kind)
	}
	if cfg.Environment.Env["PYTHONHashSeed"] != "0" {
		t.Errorf("Env keys must keep their case, got %v", cfg.Environment.Env)
	}
	if cfg.Suite.Timeout != 90*time.Second {
		t.Errorf("Timeout = %s", cfg.Suite.Timeout)
	}
	if !cfg.Suite.BigTests {
		t.Error("BigTests = false")
	}
	if cfg.Suite.Command != DefaultSuiteCommand {
		t.Errorf("unset fields must keep defaults, Command = %q", cfg.Suite.Command)
	}
	if len(cfg.Credentials.Storage.Fixtures) != 1 || cfg.Credentials.Storage.Fixtures[0].Bucket != "beep-fixtures" {
		t.Errorf("Fixtures = %+v", cfg.Credentials.Storage.Fixtures)
	}
	if !cfg.Trigger.ShouldRun("release") || cfg.Trigger.ShouldRun("feature/x") {
		t.Errorf("trigger branches = %v", cfg.Trigger.Branches)
	}

	cells, err := matrix.Expand(cfg.Matrix.Definition())
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(cells) != 3 {
		t.Errorf("len(cells) = %d, want 3", len(cells))
	}
}

func TestLoad_ExplicitPathMissing(t *testing.T) {
	t.Parallel()

	_, _, err := load(t, LoadOptions{ConfigFilePath: filepath.Join(t.TempDir(), "nope.cue")})
	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %v, want *issue.ActionableError", err)
	}
	if len(ae.Suggestions) == 0 || ae.Issue != issue.PipelineNotFoundId {
		t.Errorf("Suggestions = %q, Issue = %d", ae.Suggestions, ae.Issue)
	}
}

func TestLoad_NoAxesIsConfigurationError(t *testing.T) {
	t.Parallel()

	_, _, err := load(t, LoadOptions{Dir: t.TempDir()})
	if !errors.Is(err, matrix.ErrConfiguration) {
		t.Fatalf("error = %v, want matrix.ErrConfiguration", err)
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoad_SchemaViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"zero ceiling", `matrix: max_parallel: 0`},
		{"unknown field", `matrix: parallelism: 3`},
		{"bad kind", `environment: kind: "vm"`},
		{"bad duration", `suite: timeout: "forever"`},
		{"bad axis name", `matrix: axes: [{name: "o s", values: ["a"]}]`},
		{"syntax", `matrix: {`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			path := testutil.MustWriteFile(t, dir, "p.cue", tt.body)
			if _, _, err := load(t, LoadOptions{ConfigFilePath: path}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	testutil.MustWriteFile(t, dir, "matrixci.cue", samplePipeline)
	t.Setenv("MATRIXCI_MATRIX_MAX_PARALLEL", "2")
	t.Setenv("MATRIXCI_SUITE_ENV_MODE", "ci")

	cfg, _, err := load(t, LoadOptions{Dir: dir})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Matrix.MaxParallel != 2 {
		t.Errorf("MaxParallel = %d, want 2", cfg.Matrix.MaxParallel)
	}
	if cfg.Suite.EnvMode != "ci" {
		t.Errorf("EnvMode = %q, want ci", cfg.Suite.EnvMode)
	}
}

func TestLoad_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := NewProvider().Load(ctx, LoadOptions{Dir: t.TempDir()}); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	t.Parallel()

	path := DefaultPath(t.TempDir())
	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if err := WriteDefault(path, false); !errors.Is(err, os.ErrExist) {
		t.Errorf("second WriteDefault() error = %v, want os.ErrExist", err)
	}

	cfg, _, err := load(t, LoadOptions{ConfigFilePath: path})
	if err != nil {
		t.Fatalf("Load() error = %v\n%s", err, GenerateCUE(Starter()))
	}
	want := Starter()
	if len(cfg.Matrix.Axes) != len(want.Matrix.Axes) {
		t.Fatalf("Axes = %+v", cfg.Matrix.Axes)
	}
	if cfg.Suite.Timeout != want.Suite.Timeout || cfg.Retry.Backoff != want.Retry.Backoff {
		t.Errorf("durations did not round-trip: %s %s", cfg.Suite.Timeout, cfg.Retry.Backoff)
	}
	if cfg.Trigger.Branches[0] != "main" {
		t.Errorf("Branches = %v", cfg.Trigger.Branches)
	}
}

func TestGenerateCUE_Inherit(t *testing.T) {
	t.Parallel()

	want := Starter()
	want.Environment.Inherit = EnvInheritConfig{
		Mode:  environment.InheritAllow,
		Allow: []string{"PATH", "HOME"},
		Deny:  []string{"GITHUB_TOKEN"},
	}
	dir := t.TempDir()
	testutil.MustWriteFile(t, dir, "matrixci.cue", GenerateCUE(want))
	path := filepath.Join(dir, "matrixci.cue")

	cfg, _, err := load(t, LoadOptions{ConfigFilePath: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := cfg.Environment.Inherit
	if got.Mode != environment.InheritAllow || !slices.Equal(got.Allow, want.Environment.Inherit.Allow) || !slices.Equal(got.Deny, want.Environment.Inherit.Deny) {
		t.Errorf("Inherit = %+v", got)
	}
	if strings.Contains(GenerateCUE(Starter()), "inherit") {
		t.Error("default inheritance should not be written out")
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := func() *Config { return Starter() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"starter", func(*Config) {}, false},
		{"zero ceiling", func(c *Config) { c.Matrix.MaxParallel = 0 }, true},
		{"container without image", func(c *Config) {
			c.Environment.Kind = environment.KindContainer
			c.Environment.Image = " "
		}, true},
		{"unknown kind", func(c *Config) { c.Environment.Kind = "vm" }, true},
		{"allow-list inheritance", func(c *Config) {
			c.Environment.Inherit = EnvInheritConfig{Mode: environment.InheritAllow, Allow: []string{"PATH"}}
		}, false},
		{"unknown inherit mode", func(c *Config) { c.Environment.Inherit.Mode = "some" }, true},
		{"empty command", func(c *Config) { c.Suite.Command = "" }, true},
		{"bad coverage format", func(c *Config) { c.Suite.CoverageFormat = "lcov" }, true},
		{"fixtures without source", func(c *Config) {
			c.Credentials.Storage.Fixtures = append(c.Credentials.Storage.Fixtures, validFixture())
		}, true},
		{"publish without token var", func(c *Config) {
			c.Publish.Enabled = true
			c.Credentials.Report.TokenEnv = ""
		}, true},
		{"zero provision attempts", func(c *Config) { c.Retry.ProvisionAttempts = 0 }, true},
		{"unknown include axis", func(c *Config) {
			c.Matrix.Include = []map[string]string{{"arch": "arm64"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error does not wrap ErrInvalidConfig: %v", err)
			}
		})
	}
}

func TestTriggerConfig_ShouldRun(t *testing.T) {
	t.Parallel()

	if !(TriggerConfig{}).ShouldRun("anything") {
		t.Error("empty branch list must accept every branch")
	}
	tc := TriggerConfig{Branches: []string{"main"}}
	if !tc.ShouldRun("main") || tc.ShouldRun("dev") {
		t.Error("branch filter not applied")
	}
}
