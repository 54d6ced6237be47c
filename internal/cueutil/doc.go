// SPDX-License-Identifier: MPL-2.0

// Package cueutil validates CUE documents against an embedded schema definition and
// decodes them, reporting failures with JSON-path prefixes such as
// "matrix.axes[0].values".
package cueutil
