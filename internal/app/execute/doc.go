// SPDX-License-Identifier: MPL-2.0

// Package execute resolves CLI overrides against the loaded pipeline configuration
// and constructs a ready-to-run pipeline. It decouples the CLI layer from the
// wiring of provisioners, credential scopes, fixtures and the publisher.
package execute
