// SPDX-License-Identifier: MPL-2.0

// Package matrix expands a build matrix definition into concrete execution cells.
//
// Expansion is pure: the same axes always produce the same cells in the same order.
// Cells are enumerated odometer-style, with the last axis varying fastest, and each
// cell carries a stable identity derived from its axis-value tuple.
package matrix
