// SPDX-License-Identifier: MPL-2.0

package environment

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	goruntime "runtime"
	"sync"

	"github.com/charmbracelet/log"

	"matrixci/internal/matrix"
)

type (
	// NativeConfig configures a NativeProvisioner.
	NativeConfig struct {
		// SourceDir is the project tree copied into every cell's work dir.
		SourceDir string
		// WorkRoot is where per-cell work dirs are created; empty means the system temp dir.
		WorkRoot string
		// Setup lists shell commands run, in order, to install dependencies.
		Setup []string
		// Env holds extra variables exported to setup and test scripts.
		Env map[string]string
		// Inherit filters the host variables setup and test scripts see.
		Inherit InheritConfig
	}

	// NativeProvisioner provisions cells on the host it runs on.
	NativeProvisioner struct {
		cfg    NativeConfig
		goos   string
		logger *log.Logger
	}

	// NativeOption configures a NativeProvisioner.
	NativeOption func(*NativeProvisioner)

	nativeEnv struct {
		cell    matrix.Cell
		workDir string
		env     map[string]string

		mu     sync.Mutex
		closed bool
	}
)

// WithHostOS overrides the GOOS the provisioner believes it runs on.
func WithHostOS(goos string) NativeOption {
	return func(p *NativeProvisioner) { p.goos = goos }
}

// WithNativeLogger sets the logger.
func WithNativeLogger(l *log.Logger) NativeOption {
	return func(p *NativeProvisioner) { p.logger = l }
}

// NewNativeProvisioner creates a provisioner for the current host.
func NewNativeProvisioner(cfg NativeConfig, opts ...NativeOption) *NativeProvisioner {
	p := &NativeProvisioner{
		cfg:    cfg,
		goos:   goruntime.GOOS,
		logger: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision copies the source tree into a private work dir and runs the setup
// commands there. Cells whose OS selector does not map to the host fail at the
// select stage.
func (p *NativeProvisioner) Provision(ctx context.Context, cell matrix.Cell, out io.Writer) (Environment, error) {
	goos, ok := HostOS(cell.OS())
	if !ok || goos != p.goos {
		return nil, provisionErr(cell, StageSelect,
			fmt.Errorf("%w: %q cannot run on %s host", ErrUnsupportedOS, cell.OS(), p.goos))
	}

	workDir, err := newWorkspace(p.cfg.WorkRoot, "matrixci-cell-", p.cfg.SourceDir)
	if err != nil {
		return nil, provisionErr(cell, StageWorkspace, err)
	}

	env := HostEnv(p.cfg.Inherit)
	maps.Copy(env, BaseEnv(cell))
	maps.Copy(env, p.cfg.Env)
	e := &nativeEnv{cell: cell, workDir: workDir, env: env}

	for i, cmd := range p.cfg.Setup {
		p.logger.Debug("running setup", "cell", cell, "step", i+1)
		code, err := runShell(ctx, shellRun{
			name:   fmt.Sprintf("setup-%d", i+1),
			script: cmd,
			dir:    workDir,
			env:    env,
			stdout: out,
			stderr: out,
		})
		if err == nil && code != 0 {
			err = fmt.Errorf("setup step %d exited with status %d", i+1, code)
		}
		if err != nil {
			_ = e.Close()
			return nil, provisionErr(cell, StageSetup, err)
		}
	}

	p.logger.Debug("environment ready", "cell", cell, "dir", workDir)
	return e, nil
}

func (e *nativeEnv) Cell() matrix.Cell { return e.cell }

func (e *nativeEnv) WorkDir() string { return e.workDir }

func (e *nativeEnv) Exec(ctx context.Context, spec ExecSpec) (int, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	env := maps.Clone(e.env)
	maps.Copy(env, spec.Env)
	return runShell(ctx, shellRun{
		name:   "suite",
		script: spec.Script,
		dir:    e.workDir,
		env:    env,
		stdout: spec.Stdout,
		stderr: spec.Stderr,
	})
}

func (e *nativeEnv) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return os.RemoveAll(e.workDir)
}
