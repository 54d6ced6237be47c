// SPDX-License-Identifier: MPL-2.0

package environment

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	// InheritAll passes every host variable except denied ones.
	InheritAll InheritMode = "all"
	// InheritAllow passes only the listed host variables.
	InheritAllow InheritMode = "allow"
	// InheritNone passes no host variables.
	InheritNone InheritMode = "none"
)

// ErrInvalidInheritMode is returned when an InheritMode value is not recognized.
var ErrInvalidInheritMode = errors.New("invalid env inherit mode")

// deniedPrefixes never reach a native cell from the host. Storage credentials
// arrive only through Inject from a lease; MATRIXCI_ variables configure the
// orchestrator itself.
var deniedPrefixes = []string{"AWS_", "MATRIXCI_"}

type (
	// InheritMode controls which host variables a native cell sees.
	InheritMode string

	// InheritConfig filters the host environment for native cells. Deny always
	// applies, also in allow mode.
	InheritConfig struct {
		Mode  InheritMode
		Allow []string
		Deny  []string
	}
)

// IsValid returns whether the mode is one of the defined modes. Empty means InheritAll.
func (m InheritMode) IsValid() (bool, []error) {
	switch m {
	case "", InheritAll, InheritAllow, InheritNone:
		return true, nil
	default:
		return false, []error{fmt.Errorf("%w %q (valid: all, allow, none)", ErrInvalidInheritMode, m)}
	}
}

// HostEnv returns the host variables cfg lets through.
func HostEnv(cfg InheritConfig) map[string]string {
	return filterEnv(os.Environ(), cfg)
}

func filterEnv(environ []string, cfg InheritConfig) map[string]string {
	env := make(map[string]string)
	if cfg.Mode == InheritNone {
		return env
	}

	allow := make(map[string]struct{}, len(cfg.Allow))
	for _, name := range cfg.Allow {
		allow[name] = struct{}{}
	}
	deny := make(map[string]struct{}, len(cfg.Deny))
	for _, name := range cfg.Deny {
		deny[name] = struct{}{}
	}

	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			continue
		}
		if cfg.Mode == InheritAllow {
			if _, ok := allow[name]; !ok {
				continue
			}
		}
		if _, denied := deny[name]; denied || hasDeniedPrefix(name) {
			continue
		}
		env[name] = value
	}
	return env
}

func hasDeniedPrefix(name string) bool {
	for _, p := range deniedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
