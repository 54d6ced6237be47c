// SPDX-License-Identifier: MPL-2.0

package environment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"matrixci/internal/matrix"
)

const (
	// StageSelect is the stage that maps the cell's OS selector to a platform.
	StageSelect Stage = "select"
	// StageWorkspace is the stage that prepares the cell's private work tree.
	StageWorkspace Stage = "workspace"
	// StageSetup is the stage that installs declared dependencies.
	StageSetup Stage = "setup"
	// StageImage is the stage that builds the per-cell container image.
	StageImage Stage = "image"
	// StageFixtures is the stage that downloads remote test fixtures.
	StageFixtures Stage = "fixtures"

	// KindNative runs cells directly on the host.
	KindNative Kind = "native"
	// KindContainer runs cells inside per-cell container images.
	KindContainer Kind = "container"

	// EnvMatrixOS carries the cell's OS selector into setup and test scripts.
	EnvMatrixOS = "MATRIX_OS"
	// EnvMatrixRuntime carries the cell's runtime version into setup and test scripts.
	EnvMatrixRuntime = "MATRIX_RUNTIME_VERSION"
)

var (
	// ErrProvisioning is the sentinel every ProvisioningError matches via errors.Is.
	ErrProvisioning = errors.New("provisioning failed")
	// ErrUnsupportedOS is returned when a cell's OS selector cannot be served by a provisioner.
	ErrUnsupportedOS = errors.New("unsupported operating system")
	// ErrInvalidKind is returned when a Kind value is not recognized.
	ErrInvalidKind = errors.New("invalid environment kind")
	// ErrClosed is returned by Exec after Close.
	ErrClosed = errors.New("environment closed")
)

type (
	// Stage names the provisioning step that failed.
	Stage string

	// Kind selects a provisioner implementation.
	Kind string

	// ExecSpec describes one script execution inside an environment.
	ExecSpec struct {
		// Script is POSIX shell source.
		Script string
		// Env holds variables layered over the environment's base variables.
		Env    map[string]string
		Stdout io.Writer
		Stderr io.Writer
	}

	// Environment is a provisioned, isolated place to run one cell's suite.
	Environment interface {
		// Cell returns the cell this environment was provisioned for.
		Cell() matrix.Cell
		// WorkDir returns the host directory where the suite's outputs appear.
		WorkDir() string
		// Exec runs a script. A non-zero exit is returned as the exit code with a
		// nil error; the error is reserved for failures to execute at all.
		Exec(ctx context.Context, spec ExecSpec) (int, error)
		// Close releases everything the environment holds. It is safe to call twice.
		Close() error
	}

	// Provisioner creates environments.
	Provisioner interface {
		// Provision prepares an environment for cell. Setup output is written to out.
		Provision(ctx context.Context, cell matrix.Cell, out io.Writer) (Environment, error)
	}

	// ProvisioningError reports a failed provisioning stage for one cell.
	ProvisioningError struct {
		Cell  matrix.CellID
		Stage Stage
		Err   error
	}

	// InvalidKindError is returned when a Kind value is not recognized.
	InvalidKindError struct {
		Value Kind
	}
)

// Error implements the error interface.
func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s failed at %s: %v", e.Cell, e.Stage, e.Err)
}

// Unwrap exposes both ErrProvisioning and the underlying cause.
func (e *ProvisioningError) Unwrap() []error { return []error{ErrProvisioning, e.Err} }

func provisionErr(cell matrix.Cell, stage Stage, err error) error {
	return &ProvisioningError{Cell: cell.ID(), Stage: stage, Err: err}
}

// Error implements the error interface.
func (e *InvalidKindError) Error() string {
	return fmt.Sprintf("invalid environment kind %q (valid: native, container)", e.Value)
}

// Unwrap returns ErrInvalidKind.
func (e *InvalidKindError) Unwrap() error { return ErrInvalidKind }

// IsValid returns whether the Kind is one of the defined kinds.
func (k Kind) IsValid() (bool, []error) {
	switch k {
	case KindNative, KindContainer:
		return true, nil
	default:
		return false, []error{&InvalidKindError{Value: k}}
	}
}

// HostOS maps a CI-style OS selector (ubuntu-latest, macos-13, windows-2022, linux)
// to a GOOS value. The second result is false for selectors it does not recognize.
func HostOS(selector string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(selector))
	family, _, _ := strings.Cut(s, "-")
	switch family {
	case "ubuntu", "linux", "debian", "fedora", "alpine":
		return "linux", true
	case "macos", "darwin", "osx":
		return "darwin", true
	case "windows":
		return "windows", true
	default:
		return "", false
	}
}

// BaseEnv returns the variables every script in cell's environment sees.
func BaseEnv(cell matrix.Cell) map[string]string {
	env := map[string]string{
		EnvMatrixOS:      cell.OS(),
		EnvMatrixRuntime: cell.RuntimeVersion(),
	}
	for _, v := range cell.Values() {
		env["MATRIX_"+envName(v.Axis)] = v.Value
	}
	return env
}

func envName(axis string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, axis)
}
