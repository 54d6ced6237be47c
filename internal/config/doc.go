// SPDX-License-Identifier: MPL-2.0

// Package config loads the pipeline definition.
//
// The definition is a CUE file (matrixci.cue in the working directory, or the path
// given with --config) validated against the embedded #Pipeline schema in
// config_schema.cue. The validated document is merged into Viper, which supplies
// defaults and MATRIXCI_* environment overrides (MATRIXCI_MATRIX_MAX_PARALLEL=4).
// A CI workflow YAML file can be converted into a definition with ImportWorkflow.
package config
