// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

const (
	EngineTypePodman EngineType = "podman"
	EngineTypeDocker EngineType = "docker"
)

// ErrInvalidEngineType is returned when an EngineType value is not recognized.
var ErrInvalidEngineType = errors.New("invalid container engine")

type (
	// Engine defines the container operations a cell environment needs.
	Engine interface {
		// Name returns the engine name (docker or podman).
		Name() string
		// Available checks if the engine is usable on this host.
		Available() bool
		// Build builds an image from a Dockerfile.
		Build(ctx context.Context, opts BuildOptions) error
		// Run runs a command in a fresh container.
		Run(ctx context.Context, opts RunOptions) (*RunResult, error)
		// ImageExists checks if an image is present locally.
		ImageExists(ctx context.Context, image string) (bool, error)
		// RemoveImage removes an image.
		RemoveImage(ctx context.Context, image string, force bool) error
	}

	// EngineType identifies the container engine type.
	EngineType string

	// BuildOptions contains options for building an image.
	BuildOptions struct {
		// ContextDir is the build context directory.
		ContextDir string
		// Dockerfile is the path to the Dockerfile, relative to ContextDir unless absolute.
		Dockerfile string
		// Tag is the image tag.
		Tag string
		// BuildArgs are build-time variables.
		BuildArgs map[string]string
		// NoCache disables the build cache.
		NoCache bool
		Stdout  io.Writer
		Stderr  io.Writer
	}

	// RunOptions contains options for running a container.
	RunOptions struct {
		Image   string
		Command []string
		WorkDir string
		Env     map[string]string
		// Volumes are bind mounts in "host:container" format.
		Volumes []string
		// Remove deletes the container after exit.
		Remove bool
		Name   string
		Stdout io.Writer
		Stderr io.Writer
	}

	// RunResult contains the result of running a container.
	RunResult struct {
		ExitCode int
		// Error is set when the engine itself failed rather than the command.
		Error error
	}

	// ErrEngineNotAvailable is returned when no usable container engine was found.
	ErrEngineNotAvailable struct {
		Engine string
		Reason string
	}
)

func (e *ErrEngineNotAvailable) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// IsValid returns whether the EngineType is docker or podman.
func (t EngineType) IsValid() (bool, []error) {
	switch t {
	case EngineTypeDocker, EngineTypePodman:
		return true, nil
	default:
		return false, []error{fmt.Errorf("%w: %q", ErrInvalidEngineType, t)}
	}
}

// NewEngine returns the preferred engine, falling back to the other one when the
// preferred binary is not usable.
func NewEngine(preferred EngineType) (Engine, error) {
	var order []EngineType
	switch preferred {
	case EngineTypePodman:
		order = []EngineType{EngineTypePodman, EngineTypeDocker}
	case EngineTypeDocker:
		order = []EngineType{EngineTypeDocker, EngineTypePodman}
	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferred)
	}

	for _, t := range order {
		if engine := newCLIEngineFor(t); engine.Available() {
			return engine, nil
		}
	}
	return nil, &ErrEngineNotAvailable{
		Engine: string(preferred),
		Reason: fmt.Sprintf("%s is not installed or not accessible, and %s fallback is also not available", order[0], order[1]),
	}
}

func newCLIEngineFor(t EngineType) *CLIEngine {
	path, _ := exec.LookPath(string(t))
	opts := []CLIEngineOption{WithName(string(t))}
	if t == EngineTypePodman {
		opts = append(opts, WithRunArgsTransformer(podmanRunArgs))
	}
	return NewCLIEngine(path, opts...)
}

// podmanRunArgs keeps file ownership of bind-mounted output dirs usable by the host user.
func podmanRunArgs(args []string) []string {
	if len(args) == 0 || args[0] != "run" {
		return args
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0], "--userns=keep-id")
	return append(out, args[1:]...)
}
