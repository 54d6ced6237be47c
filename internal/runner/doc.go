// SPDX-License-Identifier: MPL-2.0

// Package runner is the boundary to the opaque test suite. It runs the suite's
// command inside a provisioned environment, exports the suite's configuration flags,
// and turns the outcome into exactly one Result per cell.
package runner
