// SPDX-License-Identifier: MPL-2.0

package runner

// Default variable names for the suite's configuration flags.
const (
	DefaultDisplayBackendVar = "MPLBACKEND"
	DefaultEnvModeVar        = "APP_ENV"
	DefaultBigTestsVar       = "BIG_FILE_TESTS"
)

type (
	// Flags are the configuration values handed to the suite.
	Flags struct {
		// DisplayBackend overrides the graphics backend, e.g. "Agg" for headless runs.
		DisplayBackend string
		// EnvMode selects the suite's environment mode, e.g. "dev".
		EnvMode string
		// BigTests enables the larger and slower test subset.
		BigTests bool
	}

	// FlagNames are the environment variable names the flags are exported as.
	FlagNames struct {
		DisplayBackend string
		EnvMode        string
		BigTests       string
	}
)

// DefaultFlagNames returns the conventional variable names.
func DefaultFlagNames() FlagNames {
	return FlagNames{
		DisplayBackend: DefaultDisplayBackendVar,
		EnvMode:        DefaultEnvModeVar,
		BigTests:       DefaultBigTestsVar,
	}
}

// withDefaults fills empty names with the conventional ones.
func (n FlagNames) withDefaults() FlagNames {
	d := DefaultFlagNames()
	if n.DisplayBackend == "" {
		n.DisplayBackend = d.DisplayBackend
	}
	if n.EnvMode == "" {
		n.EnvMode = d.EnvMode
	}
	if n.BigTests == "" {
		n.BigTests = d.BigTests
	}
	return n
}

// Env renders the flags as environment variables. Empty string flags are omitted so
// the suite's own defaults apply; the big-tests toggle is always exported as
// "True" or "False".
func (f Flags) Env(names FlagNames) map[string]string {
	names = names.withDefaults()
	env := make(map[string]string, 3)
	if f.DisplayBackend != "" {
		env[names.DisplayBackend] = f.DisplayBackend
	}
	if f.EnvMode != "" {
		env[names.EnvMode] = f.EnvMode
	}
	if f.BigTests {
		env[names.BigTests] = "True"
	} else {
		env[names.BigTests] = "False"
	}
	return env
}
