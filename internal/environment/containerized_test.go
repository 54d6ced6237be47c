// SPDX-License-Identifier: MPL-2.0

package environment

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"matrixci/internal/container"
)

// fakeEngine records engine calls instead of talking to docker.
type fakeEngine struct {
	mu         sync.Mutex
	buildErr   error
	exitCode   int
	dockerfile string
	builds     []container.BuildOptions
	runs       []container.RunOptions
	removed    []string
}

func (f *fakeEngine) Name() string    { return "fake" }
func (f *fakeEngine) Available() bool { return true }

func (f *fakeEngine) Build(_ context.Context, opts container.BuildOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, opts)
	data, err := os.ReadFile(opts.Dockerfile)
	if err != nil {
		return err
	}
	f.dockerfile = string(data)
	return f.buildErr
}

func (f *fakeEngine) Run(_ context.Context, opts container.RunOptions) (*container.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, opts)
	return &container.RunResult{ExitCode: f.exitCode}, nil
}

func (f *fakeEngine) ImageExists(context.Context, string) (bool, error) { return true, nil }

func (f *fakeEngine) RemoveImage(_ context.Context, image string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, image)
	return nil
}

func TestRenderImage(t *testing.T) {
	t.Parallel()

	cell := testCell("ubuntu-latest", "3.9")
	if got := RenderImage("python:{{runtime}}-slim", cell); got != "python:3.9-slim" {
		t.Errorf("RenderImage() = %q", got)
	}
	if got := RenderImage("ghcr.io/acme/{{os}}:{{runtime}}", cell); got != "ghcr.io/acme/ubuntu-latest:3.9" {
		t.Errorf("RenderImage() = %q", got)
	}
}

func TestGenerateDockerfile(t *testing.T) {
	t.Parallel()

	got, err := GenerateDockerfile("python:3.8",
		map[string]string{"MATRIX_OS": "ubuntu-latest", "A_FLAG": `say "hi"`},
		[]string{"pip install -r requirements.txt", "python setup.py develop"})
	if err != nil {
		t.Fatalf("GenerateDockerfile() error = %v", err)
	}

	want := []string{
		"FROM python:3.8\n",
		"WORKDIR /workspace\n",
		"COPY . /workspace\n",
		"ENV A_FLAG=\"say \\\"hi\\\"\"\n",
		"ENV MATRIX_OS=\"ubuntu-latest\"\n",
		`RUN ["/bin/sh","-c","pip install -r requirements.txt"]` + "\n",
		`RUN ["/bin/sh","-c","python setup.py develop"]` + "\n",
	}
	last := -1
	for _, w := range want {
		idx := strings.Index(got, w)
		if idx < 0 {
			t.Fatalf("Dockerfile missing %q:\n%s", w, got)
		}
		if idx < last {
			t.Errorf("%q out of order:\n%s", w, got)
		}
		last = idx
	}
}

func TestContainerProvisioner_Lifecycle(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{exitCode: 2}
	p := NewContainerProvisioner(engine, ContainerConfig{
		SourceDir:     newSourceTree(t),
		WorkRoot:      t.TempDir(),
		ImageTemplate: "python:{{runtime}}",
		Setup:         []string{"pip install ."},
	})

	var out bytes.Buffer
	env, err := p.Provision(context.Background(), testCell("ubuntu-latest", "3.8"), &out)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	if len(engine.builds) != 1 {
		t.Fatalf("builds = %d, want 1", len(engine.builds))
	}
	build := engine.builds[0]
	if build.ContextDir != env.WorkDir() {
		t.Errorf("build context = %q, want work dir %q", build.ContextDir, env.WorkDir())
	}
	if build.Tag != "matrixci:os-ubuntu-latest-runtime-3.8" {
		t.Errorf("tag = %q", build.Tag)
	}
	if !strings.HasPrefix(engine.dockerfile, "FROM python:3.8\n") {
		t.Errorf("Dockerfile = %q", engine.dockerfile)
	}
	if _, err := os.Stat(build.Dockerfile); !os.IsNotExist(err) {
		t.Errorf("Dockerfile build dir not cleaned up")
	}
	if _, err := os.Stat(filepath.Join(env.WorkDir(), "setup.py")); err != nil {
		t.Errorf("source not copied to build context: %v", err)
	}

	code, err := env.Exec(context.Background(), ExecSpec{
		Script: "pytest",
		Env:    map[string]string{"MPLBACKEND": "Agg"},
	})
	if err != nil || code != 2 {
		t.Fatalf("Exec() = %d, %v; want 2, nil", code, err)
	}
	run := engine.runs[0]
	if run.Image != build.Tag || !run.Remove || run.WorkDir != ContainerWorkDir {
		t.Errorf("unexpected run options: %+v", run)
	}
	if !slices.Equal(run.Command, []string{"/bin/sh", "-c", "pytest"}) {
		t.Errorf("command = %v", run.Command)
	}
	if !slices.Equal(run.Volumes, []string{env.WorkDir() + ":" + ContainerWorkDir}) {
		t.Errorf("volumes = %v", run.Volumes)
	}
	if run.Env["MPLBACKEND"] != "Agg" || run.Env[EnvMatrixRuntime] != "3.8" {
		t.Errorf("env = %v", run.Env)
	}

	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !slices.Equal(engine.removed, []string{build.Tag}) {
		t.Errorf("removed images = %v", engine.removed)
	}
	if _, err := os.Stat(env.WorkDir()); !os.IsNotExist(err) {
		t.Errorf("work dir still present after Close")
	}
}

func TestContainerProvisioner_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		os       string
		template string
		buildErr error
		stage    Stage
	}{
		{"macOS has no image", "macos-latest", "python:{{runtime}}", nil, StageSelect},
		{"missing template", "ubuntu-latest", "", nil, StageImage},
		{"build failure", "ubuntu-latest", "python:{{runtime}}", errors.New("pull denied"), StageImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			root := t.TempDir()
			engine := &fakeEngine{buildErr: tt.buildErr}
			p := NewContainerProvisioner(engine, ContainerConfig{
				SourceDir:     newSourceTree(t),
				WorkRoot:      root,
				ImageTemplate: tt.template,
			})

			_, err := p.Provision(context.Background(), testCell(tt.os, "3.8"), nil)
			var pe *ProvisioningError
			if !errors.As(err, &pe) || pe.Stage != tt.stage {
				t.Fatalf("Provision() error = %v, want %s-stage ProvisioningError", err, tt.stage)
			}
			if entries, _ := os.ReadDir(root); len(entries) != 0 {
				t.Errorf("leftover dirs after failure: %v", entries)
			}
		})
	}
}
