// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"matrixci/internal/cueutil"
	"matrixci/internal/issue"

	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "matrixci"
	// ConfigFileName is the name of the pipeline file (without extension).
	ConfigFileName = "matrixci"
	// ConfigFileExt is the pipeline file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment variable overrides, e.g. MATRIXCI_MATRIX_MAX_PARALLEL.
	EnvPrefix = "MATRIXCI"
)

//go:embed config_schema.cue
var configSchema string

// Schema returns the CUE schema pipeline files are validated against.
func Schema() string { return configSchema }

// DefaultPath returns the pipeline file looked up in dir when no explicit path is given.
func DefaultPath(dir string) string {
	return filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
}

// loadWithOptions performs option-driven config loading and returns the resolved
// path, which is empty when only defaults were used.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var (
		raw          map[string]any
		resolvedPath string
	)

	path := opts.ConfigFilePath
	if path != "" && !fileExists(path) {
		return nil, "", issue.NewErrorContext().
			WithOperation("load pipeline").
			WithResource(path).
			WithSuggestion("Verify the file path is correct").
			WithSuggestion("Check that the file exists and is readable").
			WithSuggestion("Use 'matrixci config init' to write a starter pipeline").
			WithIssue(issue.PipelineNotFoundId).
			Wrap(fmt.Errorf("config file not found: %s", path)).
			BuildError()
	}
	if path == "" {
		if candidate := DefaultPath(opts.Dir); fileExists(candidate) {
			path = candidate
		}
	}
	if path != "" {
		m, err := loadCUEIntoViper(v, path)
		if err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load pipeline").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the values match the #Pipeline schema ('matrixci config schema')").
				WithIssue(issue.PipelineParseErrorId).
				Wrap(err).
				BuildError()
		}
		raw = m
		resolvedPath = path
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	preserveCase(&cfg, raw)

	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate pipeline").
			WithResource(resolvedPath).
			WithSuggestion("Declare at least one matrix axis with at least one value").
			WithSuggestion("Include/exclude entries may only name declared axes and values").
			WithIssue(issue.MatrixInvalidId).
			Wrap(err).
			BuildError()
	}

	return &cfg, resolvedPath, nil
}

// setDefaults registers every key so environment overrides are honored for it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("name", d.Name)
	v.SetDefault("trigger.branches", d.Trigger.Branches)
	v.SetDefault("matrix.max_parallel", d.Matrix.MaxParallel)
	v.SetDefault("environment.kind", string(d.Environment.Kind))
	v.SetDefault("environment.source_dir", d.Environment.SourceDir)
	v.SetDefault("environment.work_root", d.Environment.WorkRoot)
	v.SetDefault("environment.image", d.Environment.Image)
	v.SetDefault("environment.engine", string(d.Environment.Engine))
	v.SetDefault("environment.setup", d.Environment.Setup)
	v.SetDefault("environment.inherit.mode", string(d.Environment.Inherit.Mode))
	v.SetDefault("environment.inherit.allow", d.Environment.Inherit.Allow)
	v.SetDefault("environment.inherit.deny", d.Environment.Inherit.Deny)
	v.SetDefault("suite.command", d.Suite.Command)
	v.SetDefault("suite.coverage_file", d.Suite.CoverageFile)
	v.SetDefault("suite.coverage_format", string(d.Suite.CoverageFormat))
	v.SetDefault("suite.display_backend", d.Suite.DisplayBackend)
	v.SetDefault("suite.env_mode", d.Suite.EnvMode)
	v.SetDefault("suite.big_tests", d.Suite.BigTests)
	v.SetDefault("suite.timeout", d.Suite.Timeout)
	v.SetDefault("suite.vars.display_backend", d.Suite.Vars.DisplayBackend)
	v.SetDefault("suite.vars.env_mode", d.Suite.Vars.EnvMode)
	v.SetDefault("suite.vars.big_tests", d.Suite.Vars.BigTests)
	v.SetDefault("credentials.storage.source", string(d.Credentials.Storage.Source))
	v.SetDefault("credentials.storage.profile", d.Credentials.Storage.Profile)
	v.SetDefault("credentials.storage.region", d.Credentials.Storage.Region)
	v.SetDefault("credentials.storage.endpoint", d.Credentials.Storage.Endpoint)
	v.SetDefault("credentials.storage.insecure", d.Credentials.Storage.Insecure)
	v.SetDefault("credentials.report.token_env", d.Credentials.Report.TokenEnv)
	v.SetDefault("publish.enabled", d.Publish.Enabled)
	v.SetDefault("publish.endpoint", d.Publish.Endpoint)
	v.SetDefault("publish.service_name", d.Publish.ServiceName)
	v.SetDefault("publish.attempts", d.Publish.Attempts)
	v.SetDefault("publish.backoff", d.Publish.Backoff)
	v.SetDefault("publish.timeout", d.Publish.Timeout)
	v.SetDefault("retry.provision_attempts", d.Retry.ProvisionAttempts)
	v.SetDefault("retry.backoff", d.Retry.Backoff)
	v.SetDefault("report.dir", d.Report.Dir)
	v.SetDefault("report.title", d.Report.Title)
}

// loadCUEIntoViper validates a CUE file against #Pipeline and merges its contents
// into Viper. The decoded map is returned so case-sensitive keys can be restored
// after Viper lowercases them.
func loadCUEIntoViper(v *viper.Viper, path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	m, err := cueutil.DecodeMap(configSchema, data, "#Pipeline", cueutil.WithFilename(path))
	if err != nil {
		return nil, err
	}

	if err := v.MergeConfigMap(m); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	return m, nil
}

// preserveCase re-reads map-valued fields whose keys are case sensitive (variable
// names and axis names) from the decoded CUE document.
func preserveCase(cfg *Config, raw map[string]any) {
	if raw == nil {
		return
	}
	if env, ok := lookup(raw, "environment", "env").(map[string]any); ok {
		cfg.Environment.Env = stringMap(env)
	}
	if axes, ok := lookup(raw, "matrix", "axes").([]any); ok && len(axes) == len(cfg.Matrix.Axes) {
		for i, a := range axes {
			if m, ok := a.(map[string]any); ok {
				if name, ok := m["name"].(string); ok {
					cfg.Matrix.Axes[i].Name = name
				}
			}
		}
	}
	if inc, ok := lookup(raw, "matrix", "include").([]any); ok {
		cfg.Matrix.Include = selectors(inc)
	}
	if exc, ok := lookup(raw, "matrix", "exclude").([]any); ok {
		cfg.Matrix.Exclude = selectors(exc)
	}
}

func lookup(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = mm[k]
	}
	return cur
}

func stringMap(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func selectors(list []any) []map[string]string {
	out := make([]map[string]string, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, stringMap(m))
		}
	}
	return out
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	return err == nil && !info.IsDir()
}

// WriteDefault writes a starter pipeline to path unless a file already exists there.
func WriteDefault(path string, force bool) error {
	if !force && fileExists(path) {
		return issue.NewErrorContext().
			WithOperation("write pipeline").
			WithResource(path).
			WithSuggestion("Pass --force to overwrite the existing file").
			Wrap(os.ErrExist).
			BuildError()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(Starter())), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
