// SPDX-License-Identifier: MPL-2.0

package environment

import (
	"context"
	"maps"
)

// scopedEnv layers extra variables over every Exec of the wrapped environment.
type scopedEnv struct {
	Environment
	vars map[string]string
}

// Inject returns an Environment that exports vars to every script it runs. Spec
// variables still win over injected ones. The wrapper does not own the underlying
// environment; closing it closes the original.
func Inject(env Environment, vars map[string]string) Environment {
	if len(vars) == 0 {
		return env
	}
	return &scopedEnv{Environment: env, vars: maps.Clone(vars)}
}

func (s *scopedEnv) Exec(ctx context.Context, spec ExecSpec) (int, error) {
	merged := maps.Clone(s.vars)
	maps.Copy(merged, spec.Env)
	spec.Env = merged
	return s.Environment.Exec(ctx, spec)
}
