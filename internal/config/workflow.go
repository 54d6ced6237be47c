// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"matrixci/internal/matrix"

	"gopkg.in/yaml.v3"
)

// ErrNoMatrixJob is returned when a workflow has no job with a strategy matrix.
var ErrNoMatrixJob = errors.New("workflow has no job with a strategy matrix")

// runtimeAxisAliases are workflow matrix keys imported as the runtime axis.
var runtimeAxisAliases = []string{"python-version", "python", "node-version", "go-version", "ruby-version", "java-version", "runtime-version"}

type (
	// ImportOptions tunes ImportWorkflow.
	ImportOptions struct {
		// Job selects the workflow job; empty picks the first job with a matrix.
		Job string
	}

	// ImportResult is the converted pipeline plus notes about what was not carried over.
	ImportResult struct {
		Config   *Config
		Job      string
		Warnings []string
	}

	workflowJob struct {
		Strategy struct {
			MaxParallel int       `yaml:"max-parallel"`
			Matrix      yaml.Node `yaml:"matrix"`
		} `yaml:"strategy"`
		Env map[string]string `yaml:"env"`
	}
)

// ImportWorkflow converts a CI workflow YAML document into a pipeline definition.
// It reads on.push.branches, the job's strategy.matrix (axis order preserved,
// include and exclude lists), strategy.max-parallel and the job env. Env values
// referencing workflow expressions are dropped with a warning.
func ImportWorkflow(r io.Reader, opts ImportOptions) (*ImportResult, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("workflow must be a YAML mapping")
	}
	root := doc.Content[0]

	res := &ImportResult{Config: DefaultConfig()}
	cfg := res.Config

	if on := mappingValue(root, "on"); on != nil {
		if branches := mappingValue(mappingValue(on, "push"), "branches"); branches != nil {
			if err := branches.Decode(&cfg.Trigger.Branches); err != nil {
				return nil, fmt.Errorf("on.push.branches: %w", err)
			}
		}
	}

	jobs := mappingValue(root, "jobs")
	if jobs == nil || jobs.Kind != yaml.MappingNode {
		return nil, ErrNoMatrixJob
	}
	name, node, err := pickJob(jobs, opts.Job)
	if err != nil {
		return nil, err
	}
	res.Job = name

	var job workflowJob
	if err := node.Decode(&job); err != nil {
		return nil, fmt.Errorf("jobs.%s: %w", name, err)
	}
	if job.Strategy.MaxParallel > 0 {
		cfg.Matrix.MaxParallel = job.Strategy.MaxParallel
	}
	if err := importMatrix(&job.Strategy.Matrix, &cfg.Matrix); err != nil {
		return nil, fmt.Errorf("jobs.%s.strategy.matrix: %w", name, err)
	}

	for k, v := range job.Env {
		if strings.Contains(v, "${{") {
			res.Warnings = append(res.Warnings, fmt.Sprintf("env %s references a workflow expression and was not imported", k))
			continue
		}
		if cfg.Environment.Env == nil {
			cfg.Environment.Env = make(map[string]string)
		}
		cfg.Environment.Env[k] = v
	}
	slices.Sort(res.Warnings)

	if err := cfg.Matrix.Definition().Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

func pickJob(jobs *yaml.Node, want string) (string, *yaml.Node, error) {
	for i := 0; i+1 < len(jobs.Content); i += 2 {
		name, node := jobs.Content[i].Value, jobs.Content[i+1]
		if want != "" {
			if name == want {
				if mappingValue(mappingValue(node, "strategy"), "matrix") == nil {
					return "", nil, fmt.Errorf("job %q: %w", want, ErrNoMatrixJob)
				}
				return name, node, nil
			}
			continue
		}
		if mappingValue(mappingValue(node, "strategy"), "matrix") != nil {
			return name, node, nil
		}
	}
	if want != "" {
		return "", nil, fmt.Errorf("job %q not found", want)
	}
	return "", nil, ErrNoMatrixJob
}

func importMatrix(node *yaml.Node, out *MatrixConfig) error {
	if node.Kind != yaml.MappingNode {
		return errors.New("matrix must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "include", "exclude":
			sels, err := importSelectors(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			if key == "include" {
				out.Include = sels
			} else {
				out.Exclude = sels
			}
		default:
			if val.Kind != yaml.SequenceNode {
				return fmt.Errorf("axis %s must be a list", key)
			}
			axis := AxisConfig{Name: axisName(key)}
			for _, item := range val.Content {
				if item.Kind != yaml.ScalarNode {
					return fmt.Errorf("axis %s: values must be scalars", key)
				}
				axis.Values = append(axis.Values, item.Value)
			}
			out.Axes = append(out.Axes, axis)
		}
	}
	return nil
}

func importSelectors(node *yaml.Node) ([]map[string]string, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, errors.New("must be a list")
	}
	sels := make([]map[string]string, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.MappingNode {
			return nil, errors.New("entries must be mappings")
		}
		sel := make(map[string]string, len(item.Content)/2)
		for i := 0; i+1 < len(item.Content); i += 2 {
			sel[axisName(item.Content[i].Value)] = item.Content[i+1].Value
		}
		sels = append(sels, sel)
	}
	return sels, nil
}

func axisName(key string) string {
	if slices.Contains(runtimeAxisAliases, key) {
		return matrix.AxisRuntime
	}
	return key
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
