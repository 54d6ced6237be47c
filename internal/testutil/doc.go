// SPDX-License-Identifier: MPL-2.0

// Package testutil provides shared helpers for tests: a controllable clock,
// a process-wide container semaphore and small filesystem helpers.
package testutil
