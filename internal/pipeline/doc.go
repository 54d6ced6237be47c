// SPDX-License-Identifier: MPL-2.0

// Package pipeline wires the matrix orchestration together: it expands the matrix,
// runs provision, scope, fixtures and suite for every cell under the scheduler's
// ceiling, folds the results into one coverage report and uploads it.
//
// The overall outcome is computed only after every cell reached a terminal state.
// Test failures, infrastructure failures and publish failures are reported
// separately and never overwrite one another.
package pipeline
