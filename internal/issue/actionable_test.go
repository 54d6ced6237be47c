// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestActionableError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *ActionableError
		want string
	}{
		{"operation only", &ActionableError{Operation: "expand matrix"}, "failed to expand matrix"},
		{"with resource", &ActionableError{Operation: "load pipeline", Resource: "./matrixci.cue"}, "failed to load pipeline: ./matrixci.cue"},
		{"with cause", &ActionableError{Operation: "publish coverage", Cause: errors.New("HTTP 502")}, "failed to publish coverage: HTTP 502"},
		{
			"resource and cause",
			&ActionableError{Operation: "run every cell", Resource: "os=linux/runtime=3.8", Cause: errors.New("1 cell(s) could not be run")},
			"failed to run every cell: os=linux/runtime=3.8: 1 cell(s) could not be run",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestActionableError_Unwrap(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("report token is empty")
	err := fmt.Errorf("run: %w", NewErrorContext().WithOperation("publish coverage").Wrap(sentinel).BuildError())
	if !errors.Is(err, sentinel) {
		t.Error("errors.Is should reach the cause through the ActionableError")
	}
	if (&ActionableError{Operation: "x"}).Unwrap() != nil {
		t.Error("Unwrap() without cause should be nil")
	}
}

func TestActionableError_Format(t *testing.T) {
	t.Parallel()

	nested := &ActionableError{
		Operation: "provision cell",
		Resource:  "os=linux/runtime=3.8",
		Cause:     fmt.Errorf("setup step 2: %w", errors.New("exit status 4")),
	}

	tests := []struct {
		name     string
		err      *ActionableError
		verbose  bool
		contains []string
		excludes []string
	}{
		{
			name: "suggestions as bullets",
			err: &ActionableError{
				Operation:   "load pipeline",
				Suggestions: []string{"Run 'matrixci config init'", "Pass --config"},
			},
			contains: []string{"failed to load pipeline\n\n  • Run 'matrixci config init'\n  • Pass --config"},
		},
		{
			name:     "chain hidden by default",
			err:      &ActionableError{Operation: "run every cell", Cause: nested},
			contains: []string{"failed to run every cell: failed to provision cell"},
			excludes: []string{"Error chain:"},
		},
		{
			name:    "chain listed when verbose",
			err:     &ActionableError{Operation: "run every cell", Cause: nested},
			verbose: true,
			contains: []string{
				"Error chain:",
				"1. failed to provision cell: os=linux/runtime=3.8: setup step 2: exit status 4",
				"2. setup step 2: exit status 4",
				"3. exit status 4",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.err.Format(tt.verbose)
			for _, s := range tt.contains {
				if !strings.Contains(got, s) {
					t.Errorf("Format() missing %q\ngot:\n%s", s, got)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(got, s) {
					t.Errorf("Format() should not contain %q\ngot:\n%s", s, got)
				}
			}
		})
	}
}

func TestErrorContext_Build(t *testing.T) {
	t.Parallel()

	if NewErrorContext().WithResource("matrixci.cue").Build() != nil {
		t.Error("Build() without operation should be nil")
	}
	if err := NewErrorContext().BuildError(); err != nil {
		t.Errorf("BuildError() without operation = %v, want a nil interface", err)
	}

	cause := errors.New("cue: field not allowed")
	ec := NewErrorContext().
		WithOperation("load pipeline").
		WithResource("matrixci.cue").
		WithSuggestion("Run 'matrixci config schema'").
		WithIssue(PipelineParseErrorId)
	first := ec.Wrap(cause).Build()
	if first.Operation != "load pipeline" || first.Resource != "matrixci.cue" || first.Issue != PipelineParseErrorId {
		t.Errorf("Build() = %+v", first)
	}
	if !errors.Is(first, cause) || len(first.Suggestions) != 1 {
		t.Errorf("Build() cause/suggestions = %v, %q", first.Cause, first.Suggestions)
	}

	second := ec.WithSuggestion("Check the matrix axes").Wrap(errors.New("other")).Build()
	if len(first.Suggestions) != 1 || len(second.Suggestions) != 2 {
		t.Errorf("built errors share suggestions: %q / %q", first.Suggestions, second.Suggestions)
	}
	if errors.Is(second, cause) {
		t.Error("reused context should take the new cause")
	}
}

func TestActionableError_Guide(t *testing.T) {
	originalRender := render
	defer func() { render = originalRender }()
	render = func(in string, _ string) (string, error) { return in, nil }

	err := NewErrorContext().
		WithOperation("run matrix").
		WithIssue(ProvisioningFailedId).
		Wrap(errors.New("setup step 1 exited with status 2")).
		Build()

	guide, gerr := err.Guide("")
	if gerr != nil {
		t.Fatalf("Guide() error = %v", gerr)
	}
	if !strings.Contains(guide, "provisioning failed") {
		t.Errorf("Guide() = %q", guide)
	}

	plain := NewErrorContext().WithOperation("run matrix").Build()
	if guide, _ := plain.Guide(""); guide != "" {
		t.Errorf("Guide() without issue = %q, want empty", guide)
	}
}
