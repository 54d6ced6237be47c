// SPDX-License-Identifier: MPL-2.0

package environment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	json "github.com/goccy/go-json"

	"matrixci/internal/container"
	"matrixci/internal/matrix"
)

const (
	// ContainerWorkDir is where the project tree lives inside a cell container.
	ContainerWorkDir = "/workspace"
	// DefaultTagPrefix is the image repository used for per-cell images.
	DefaultTagPrefix = "matrixci"
)

type (
	// ContainerConfig configures a ContainerProvisioner.
	ContainerConfig struct {
		// SourceDir is the project tree copied into every cell image.
		SourceDir string
		// WorkRoot is where per-cell work dirs are created; empty means the system temp dir.
		WorkRoot string
		// ImageTemplate is the base image; {{runtime}} and {{os}} are replaced by the
		// cell's values, e.g. "python:{{runtime}}-slim".
		ImageTemplate string
		// Setup lists shell commands baked into the image as RUN steps.
		Setup []string
		// Env holds extra variables exported to setup and test scripts.
		Env map[string]string
		// TagPrefix is the repository part of per-cell image tags.
		TagPrefix string
	}

	// ContainerProvisioner provisions cells as per-cell container images.
	ContainerProvisioner struct {
		cfg    ContainerConfig
		engine container.Engine
		logger *log.Logger
	}

	// ContainerOption configures a ContainerProvisioner.
	ContainerOption func(*ContainerProvisioner)

	containerEnv struct {
		cell    matrix.Cell
		engine  container.Engine
		image   string
		workDir string
		env     map[string]string

		mu     sync.Mutex
		closed bool
	}
)

// WithContainerLogger sets the logger.
func WithContainerLogger(l *log.Logger) ContainerOption {
	return func(p *ContainerProvisioner) { p.logger = l }
}

// NewContainerProvisioner creates a provisioner backed by engine.
func NewContainerProvisioner(engine container.Engine, cfg ContainerConfig, opts ...ContainerOption) *ContainerProvisioner {
	if cfg.TagPrefix == "" {
		cfg.TagPrefix = DefaultTagPrefix
	}
	p := &ContainerProvisioner{
		cfg:    cfg,
		engine: engine,
		logger: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RenderImage substitutes the cell's values into an image template.
func RenderImage(template string, cell matrix.Cell) string {
	return strings.NewReplacer(
		"{{runtime}}", cell.RuntimeVersion(),
		"{{os}}", cell.OS(),
	).Replace(template)
}

// Provision builds a per-cell image from the rendered base image with the source
// tree copied in and the setup commands run as build steps.
func (p *ContainerProvisioner) Provision(ctx context.Context, cell matrix.Cell, out io.Writer) (Environment, error) {
	if goos, ok := HostOS(cell.OS()); !ok || goos != "linux" {
		return nil, provisionErr(cell, StageSelect,
			fmt.Errorf("%w: %q has no container image (linux only)", ErrUnsupportedOS, cell.OS()))
	}
	if p.cfg.ImageTemplate == "" {
		return nil, provisionErr(cell, StageImage, errors.New("no image template configured"))
	}

	workDir, err := newWorkspace(p.cfg.WorkRoot, "matrixci-cell-", p.cfg.SourceDir)
	if err != nil {
		return nil, provisionErr(cell, StageWorkspace, err)
	}

	env := BaseEnv(cell)
	maps.Copy(env, p.cfg.Env)

	base := RenderImage(p.cfg.ImageTemplate, cell)
	tag := container.ImageTag(p.cfg.TagPrefix, string(cell.ID()))
	p.logger.Debug("building cell image", "cell", cell, "base", base, "tag", tag)

	if err := p.buildImage(ctx, workDir, base, tag, env, out); err != nil {
		_ = os.RemoveAll(workDir)
		return nil, provisionErr(cell, StageImage, err)
	}

	return &containerEnv{
		cell:    cell,
		engine:  p.engine,
		image:   tag,
		workDir: workDir,
		env:     env,
	}, nil
}

func (p *ContainerProvisioner) buildImage(ctx context.Context, contextDir, base, tag string, env map[string]string, out io.Writer) error {
	dockerfile, err := GenerateDockerfile(base, env, p.cfg.Setup)
	if err != nil {
		return err
	}

	buildDir, err := os.MkdirTemp(p.cfg.WorkRoot, "matrixci-build-")
	if err != nil {
		return fmt.Errorf("failed to create build dir: %w", err)
	}
	defer os.RemoveAll(buildDir)

	path := filepath.Join(buildDir, "Dockerfile")
	if err := os.WriteFile(path, []byte(dockerfile), 0o644); err != nil {
		return fmt.Errorf("failed to write Dockerfile: %w", err)
	}

	return p.engine.Build(ctx, container.BuildOptions{
		ContextDir: contextDir,
		Dockerfile: path,
		Tag:        tag,
		Stdout:     out,
		Stderr:     out,
	})
}

// GenerateDockerfile renders the Dockerfile for a cell image. Setup commands are
// emitted in exec form so multi-line commands survive intact.
func GenerateDockerfile(base string, env map[string]string, setup []string) (string, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "FROM %s\n\n", base)
	fmt.Fprintf(&sb, "WORKDIR %s\n", ContainerWorkDir)
	fmt.Fprintf(&sb, "COPY . %s\n\n", ContainerWorkDir)

	keys := slices.Sorted(maps.Keys(env))
	for _, k := range keys {
		fmt.Fprintf(&sb, "ENV %s=%s\n", k, strconv.Quote(env[k]))
	}
	if len(keys) > 0 {
		sb.WriteString("\n")
	}

	for _, cmd := range setup {
		argv, err := json.Marshal([]string{"/bin/sh", "-c", cmd})
		if err != nil {
			return "", fmt.Errorf("failed to encode setup step: %w", err)
		}
		fmt.Fprintf(&sb, "RUN %s\n", argv)
	}

	return sb.String(), nil
}

func (e *containerEnv) Cell() matrix.Cell { return e.cell }

func (e *containerEnv) WorkDir() string { return e.workDir }

// Exec runs the script in a fresh container with the work dir bind-mounted over the
// image's copy, so files the suite writes are visible on the host.
func (e *containerEnv) Exec(ctx context.Context, spec ExecSpec) (int, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	env := maps.Clone(e.env)
	maps.Copy(env, spec.Env)

	result, err := e.engine.Run(ctx, container.RunOptions{
		Image:   e.image,
		Command: []string{"/bin/sh", "-c", spec.Script},
		WorkDir: ContainerWorkDir,
		Env:     env,
		Volumes: []string{e.workDir + ":" + ContainerWorkDir},
		Remove:  true,
		Stdout:  spec.Stdout,
		Stderr:  spec.Stderr,
	})
	if err != nil {
		return 0, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	if result.Error != nil {
		return 0, result.Error
	}
	return result.ExitCode, nil
}

// Close removes the cell image and the host work dir.
func (e *containerEnv) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if err := e.engine.RemoveImage(context.Background(), e.image, true); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(e.workDir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NewProvisioner builds the provisioner for kind. The container engine is only
// resolved for KindContainer.
func NewProvisioner(kind Kind, native NativeConfig, ctr ContainerConfig, preferred container.EngineType, logger *log.Logger) (Provisioner, error) {
	if ok, errs := kind.IsValid(); !ok {
		return nil, errs[0]
	}
	if kind == KindNative {
		return NewNativeProvisioner(native, WithNativeLogger(logger)), nil
	}
	engine, err := container.NewEngine(preferred)
	if err != nil {
		return nil, err
	}
	return NewContainerProvisioner(engine, ctr, WithContainerLogger(logger)), nil
}
