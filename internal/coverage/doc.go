// SPDX-License-Identifier: MPL-2.0

// Package coverage parses per-cell coverage telemetry, merges it into one aggregate
// profile and writes a directory-based HTML report.
//
// Merging is set union over line numbers, so it is commutative and idempotent:
// folding the same telemetry twice never double-counts a covered line.
package coverage
