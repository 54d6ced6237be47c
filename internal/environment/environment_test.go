// SPDX-License-Identifier: MPL-2.0

package environment

import (
	"context"
	"errors"
	"testing"

	"matrixci/internal/matrix"
)

func testCell(os, runtime string) matrix.Cell {
	return matrix.NewCell(
		matrix.AxisValue{Axis: matrix.AxisOS, Value: os},
		matrix.AxisValue{Axis: matrix.AxisRuntime, Value: runtime},
	)
}

func TestHostOS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		selector string
		want     string
		ok       bool
	}{
		{"ubuntu-latest", "linux", true},
		{"ubuntu-22.04", "linux", true},
		{"linux", "linux", true},
		{"Ubuntu-Latest", "linux", true},
		{"macos-13", "darwin", true},
		{"darwin", "darwin", true},
		{"windows-2022", "windows", true},
		{"solaris", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			t.Parallel()
			got, ok := HostOS(tt.selector)
			if got != tt.want || ok != tt.ok {
				t.Errorf("HostOS(%q) = %q, %v; want %q, %v", tt.selector, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestBaseEnv(t *testing.T) {
	t.Parallel()

	cell := matrix.NewCell(
		matrix.AxisValue{Axis: matrix.AxisOS, Value: "ubuntu-latest"},
		matrix.AxisValue{Axis: matrix.AxisRuntime, Value: "3.9"},
		matrix.AxisValue{Axis: "extra-deps", Value: "full"},
	)
	env := BaseEnv(cell)

	want := map[string]string{
		EnvMatrixOS:        "ubuntu-latest",
		EnvMatrixRuntime:   "3.9",
		"MATRIX_RUNTIME":   "3.9",
		"MATRIX_EXTRA_DEPS": "full",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%s] = %q, want %q", k, env[k], v)
		}
	}
}

func TestProvisioningError(t *testing.T) {
	t.Parallel()

	cause := errors.New("pip exploded")
	err := provisionErr(testCell("ubuntu-latest", "3.8"), StageSetup, cause)

	if !errors.Is(err, ErrProvisioning) {
		t.Error("errors.Is(err, ErrProvisioning) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	var pe *ProvisioningError
	if !errors.As(err, &pe) || pe.Stage != StageSetup || pe.Cell != "os=ubuntu-latest/runtime=3.8" {
		t.Errorf("unexpected ProvisioningError: %+v", pe)
	}
}

func TestKind_IsValid(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{KindNative, KindContainer} {
		if ok, errs := k.IsValid(); !ok {
			t.Errorf("%q.IsValid() = false, %v", k, errs)
		}
	}
	ok, errs := Kind("vm").IsValid()
	if ok || len(errs) != 1 || !errors.Is(errs[0], ErrInvalidKind) {
		t.Errorf("Kind(vm).IsValid() = %v, %v", ok, errs)
	}
}

type recordingEnv struct {
	Environment
	got map[string]string
}

func (r *recordingEnv) Exec(_ context.Context, spec ExecSpec) (int, error) {
	r.got = spec.Env
	return 0, nil
}

func TestInject(t *testing.T) {
	t.Parallel()

	base := &recordingEnv{}
	if Inject(base, nil) != Environment(base) {
		t.Error("Inject with no vars should return the environment unchanged")
	}

	vars := map[string]string{"AWS_ACCESS_KEY_ID": "AKIA", "APP_ENV": "injected"}
	env := Inject(base, vars)
	vars["AWS_ACCESS_KEY_ID"] = "mutated"

	if _, err := env.Exec(context.Background(), ExecSpec{Env: map[string]string{"APP_ENV": "dev"}}); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if base.got["AWS_ACCESS_KEY_ID"] != "AKIA" {
		t.Errorf("injected var = %q, want copy taken at Inject time", base.got["AWS_ACCESS_KEY_ID"])
	}
	if base.got["APP_ENV"] != "dev" {
		t.Errorf("spec env should win over injected vars, got %q", base.got["APP_ENV"])
	}
}
