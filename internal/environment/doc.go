// SPDX-License-Identifier: MPL-2.0

// Package environment materializes one isolated execution environment per matrix
// cell. A native environment is a private copy of the project tree on the host,
// prepared by running setup commands through the embedded mvdan/sh interpreter. A
// container environment is a per-cell image built with docker or podman.
//
// Every provisioning failure is reported as a *ProvisioningError so callers can
// tell infrastructure failures apart from test failures.
package environment
