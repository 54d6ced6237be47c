// SPDX-License-Identifier: MPL-2.0

// Package credential scopes external-service secrets to a single trust boundary.
//
// Remote-storage credentials and the report-upload token are distinct types so one
// cannot be handed to code expecting the other. Storage credentials are leased per
// cell: acquired immediately before use and zeroed on release. No type in this
// package prints a secret through fmt or a logger.
package credential
