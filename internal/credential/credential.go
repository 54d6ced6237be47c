// SPDX-License-Identifier: MPL-2.0

package credential

import (
	"errors"
	"fmt"
	"time"
)

const (
	// BoundaryStorage grants read access to remote test fixtures.
	BoundaryStorage Boundary = "storage-read"
	// BoundaryReport grants write access to the coverage reporting service.
	BoundaryReport Boundary = "report-upload"

	redacted = "[redacted]"
)

var (
	// ErrMissingCredentials is returned when a source has nothing to offer.
	ErrMissingCredentials = errors.New("credentials not configured")
	// ErrLeaseReleased is returned when a released lease is used.
	ErrLeaseReleased = errors.New("credential lease already released")
	// ErrLeaseExpired is returned when a lease outlived its credentials.
	ErrLeaseExpired = errors.New("credential lease expired")
)

type (
	// Boundary names a trust boundary a secret is valid for.
	Boundary string

	// StorageCredentials is an access key pair for the remote-storage boundary.
	StorageCredentials struct {
		AccessKeyID     string
		SecretAccessKey string
		SessionToken    string
		Region          string
		// CanExpire is set when Expires is meaningful.
		CanExpire bool
		Expires   time.Time
	}

	// ReportToken is the secret for the report-upload boundary.
	ReportToken struct {
		value string
	}

	// ScopeError reports a failure to obtain credentials for a boundary.
	ScopeError struct {
		Boundary Boundary
		Err      error
	}
)

// Error implements the error interface.
func (e *ScopeError) Error() string {
	return fmt.Sprintf("acquire %s credentials: %v", e.Boundary, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ScopeError) Unwrap() error { return e.Err }

// String returns the boundary name.
func (b Boundary) String() string { return string(b) }

// IsZero reports whether no key pair is set.
func (c StorageCredentials) IsZero() bool {
	return c.AccessKeyID == "" && c.SecretAccessKey == ""
}

// Expired reports whether the credentials are past their expiry at now.
func (c StorageCredentials) Expired(now time.Time) bool {
	return c.CanExpire && !now.Before(c.Expires)
}

// String never includes the secret key or session token.
func (c StorageCredentials) String() string {
	if c.IsZero() {
		return "StorageCredentials{}"
	}
	return fmt.Sprintf("StorageCredentials{AccessKeyID: %s, Secret: %s}", maskID(c.AccessKeyID), redacted)
}

// GoString keeps %#v from dumping the fields.
func (c StorageCredentials) GoString() string { return c.String() }

// NewReportToken wraps a raw token value.
func NewReportToken(value string) ReportToken { return ReportToken{value: value} }

// Value returns the raw token for the publisher's transport.
func (t ReportToken) Value() string { return t.value }

// IsZero reports whether the token is empty.
func (t ReportToken) IsZero() bool { return t.value == "" }

// String never includes the token value.
func (t ReportToken) String() string {
	if t.IsZero() {
		return "ReportToken{}"
	}
	return "ReportToken{" + redacted + "}"
}

// GoString keeps %#v from dumping the value.
func (t ReportToken) GoString() string { return t.String() }

func maskID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return id[:4] + "****"
}
