// SPDX-License-Identifier: MPL-2.0

// Package container provides an abstraction layer over CLI-driven container engines
// (Docker and Podman) used to build per-cell test images and run suites inside them.
package container
