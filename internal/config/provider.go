// SPDX-License-Identifier: MPL-2.0

package config

import "context"

// LoadOptions defines explicit configuration loading inputs.
type LoadOptions struct {
	// ConfigFilePath forces loading from a specific pipeline file when set.
	ConfigFilePath string
	// Dir is searched for matrixci.cue when ConfigFilePath is empty.
	Dir string
}

// Provider loads configuration from explicit options.
type Provider interface {
	Load(ctx context.Context, opts LoadOptions) (*Config, string, error)
}

type fileProvider struct{}

// NewProvider creates a configuration provider.
func NewProvider() Provider {
	return &fileProvider{}
}

// Load reads configuration from the requested source and returns the path it was
// read from, or "" when only defaults and environment overrides applied.
func (p *fileProvider) Load(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	return loadWithOptions(ctx, opts)
}
