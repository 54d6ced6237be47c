// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

type (
	// ExecCommandFunc creates the exec.Cmd for an engine invocation; tests inject fakes.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// RunArgsTransformer modifies run arguments after they're built.
	RunArgsTransformer func(args []string) []string

	// CLIEngineOption configures a CLIEngine.
	CLIEngineOption func(*CLIEngine)

	// CLIEngine drives docker or podman through their command-line interface.
	CLIEngine struct {
		name               string
		binaryPath         string
		execCommand        ExecCommandFunc
		runArgsTransformer RunArgsTransformer
	}
)

// WithName sets the engine name used in error messages.
func WithName(name string) CLIEngineOption {
	return func(e *CLIEngine) { e.name = name }
}

// WithExecCommand sets a custom exec command function for testing.
func WithExecCommand(fn ExecCommandFunc) CLIEngineOption {
	return func(e *CLIEngine) { e.execCommand = fn }
}

// WithRunArgsTransformer sets a custom run args transformer.
func WithRunArgsTransformer(fn RunArgsTransformer) CLIEngineOption {
	return func(e *CLIEngine) { e.runArgsTransformer = fn }
}

// NewCLIEngine creates an engine for the binary at binaryPath.
func NewCLIEngine(binaryPath string, opts ...CLIEngineOption) *CLIEngine {
	e := &CLIEngine{
		name:               filepath.Base(binaryPath),
		binaryPath:         binaryPath,
		execCommand:        exec.CommandContext,
		runArgsTransformer: func(args []string) []string { return args },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the engine name.
func (e *CLIEngine) Name() string { return e.name }

// Available reports whether the engine binary exists and its daemon answers.
func (e *CLIEngine) Available() bool {
	if e.binaryPath == "" {
		return false
	}
	return e.command(context.Background(), "version").Run() == nil
}

// BuildArgs constructs arguments for `<binary> build [options] <context>`.
func (e *CLIEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"build"}
	if opts.Dockerfile != "" {
		dockerfile := opts.Dockerfile
		if !filepath.IsAbs(dockerfile) && opts.ContextDir != "" {
			dockerfile = filepath.Join(opts.ContextDir, dockerfile)
		}
		args = append(args, "-f", dockerfile)
	}
	if opts.Tag != "" {
		args = append(args, "-t", opts.Tag)
	}
	if opts.NoCache {
		args = append(args, "--no-cache")
	}
	for _, k := range sortedKeys(opts.BuildArgs) {
		args = append(args, "--build-arg", k+"="+opts.BuildArgs[k])
	}
	return append(args, opts.ContextDir)
}

// RunArgs constructs arguments for `<binary> run [options] <image> [command...]`.
// Environment variables are passed by name only so secret values never appear in
// the process argument list; their values travel through the engine's environment.
func (e *CLIEngine) RunArgs(opts RunOptions) []string {
	args := []string{"run"}
	if opts.Remove {
		args = append(args, "--rm")
	}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k)
	}
	for _, v := range opts.Volumes {
		args = append(args, "-v", v)
	}
	args = append(args, opts.Image)
	args = append(args, opts.Command...)
	return e.runArgsTransformer(args)
}

// Build builds an image from a Dockerfile.
func (e *CLIEngine) Build(ctx context.Context, opts BuildOptions) error {
	cmd := e.command(ctx, e.BuildArgs(opts)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s build of %s failed: %w", e.name, opts.Tag, err)
	}
	return nil
}

// Run runs a command in a container. A non-zero exit of the command is reported in
// RunResult.ExitCode; only engine failures populate RunResult.Error.
func (e *CLIEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	cmd := e.command(ctx, e.RunArgs(opts)...)
	cmd.Env = append(cmd.Environ(), envPairs(opts.Env)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	result := &RunResult{}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			// 125: the engine itself failed before the command started
			if result.ExitCode == 125 {
				result.Error = fmt.Errorf("%s run failed: %w", e.name, err)
			}
		} else {
			result.ExitCode = 1
			result.Error = err
		}
	}
	return result, nil
}

// ImageExists checks if an image exists.
func (e *CLIEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	err := e.command(ctx, "image", "inspect", image).Run()
	return err == nil, nil
}

// RemoveImage removes an image.
func (e *CLIEngine) RemoveImage(ctx context.Context, image string, force bool) error {
	args := []string{"rmi"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, image)
	if err := e.command(ctx, args...).Run(); err != nil {
		return fmt.Errorf("%s rmi %s failed: %w", e.name, image, err)
	}
	return nil
}

func (e *CLIEngine) command(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}

func envPairs(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// ImageTag derives a valid lowercase image tag from an arbitrary identifier.
func ImageTag(prefix, id string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(':')
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	tag := b.String()
	if len(tag) > 128 {
		tag = tag[:128]
	}
	return tag
}
