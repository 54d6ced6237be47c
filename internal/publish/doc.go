// SPDX-License-Identifier: MPL-2.0

// Package publish uploads the aggregated coverage report to an external
// coverage-tracking service. It authenticates with the report-upload token only;
// storage credentials never reach this package.
package publish
