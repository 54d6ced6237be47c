// SPDX-License-Identifier: MPL-2.0

// Package fixtures downloads remote test fixtures from S3-compatible object storage
// into a cell's work dir, authenticated with the cell's storage-read lease.
package fixtures

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"matrixci/internal/credential"
)

// DefaultEndpoint is the S3 endpoint used when none is configured.
const DefaultEndpoint = "s3.amazonaws.com"

// ErrInvalidObject is returned when a fixture declaration is malformed.
var ErrInvalidObject = errors.New("invalid fixture object")

type (
	// Object declares one object to download.
	Object struct {
		Bucket string `json:"bucket" mapstructure:"bucket"`
		Key    string `json:"key" mapstructure:"key"`
		// Path is the destination relative to the work dir; defaults to Key.
		Path string `json:"path,omitempty" mapstructure:"path"`
	}

	// Config configures a Fetcher.
	Config struct {
		Endpoint string
		// Insecure disables TLS, for local S3-compatible servers.
		Insecure bool
		// Region overrides the lease's region.
		Region  string
		Objects []Object
	}

	// Fetcher downloads declared fixture objects.
	Fetcher struct {
		cfg    Config
		logger *log.Logger
	}

	// FetchError reports a failed download.
	FetchError struct {
		Bucket string
		Key    string
		Err    error
	}
)

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch s3://%s/%s: %v", e.Bucket, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error { return e.Err }

// Destination returns the object's path relative to the work dir.
func (o Object) Destination() string {
	if o.Path != "" {
		return o.Path
	}
	return o.Key
}

// Validate checks that the object names a bucket and key and that its destination
// stays inside the work dir.
func (o Object) Validate() error {
	if strings.TrimSpace(o.Bucket) == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidObject)
	}
	if strings.TrimSpace(o.Key) == "" {
		return fmt.Errorf("%w: key is required (bucket %s)", ErrInvalidObject, o.Bucket)
	}
	dest := filepath.FromSlash(o.Destination())
	if filepath.IsAbs(dest) || !filepath.IsLocal(dest) {
		return fmt.Errorf("%w: destination %q escapes the work dir", ErrInvalidObject, o.Destination())
	}
	return nil
}

// NewFetcher validates cfg and returns a Fetcher.
func NewFetcher(cfg Config, logger *log.Logger) (*Fetcher, error) {
	for _, o := range cfg.Objects {
		if err := o.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Fetcher{cfg: cfg, logger: logger}, nil
}

// Empty reports whether there is nothing to fetch.
func (f *Fetcher) Empty() bool { return len(f.cfg.Objects) == 0 }

// Fetch downloads every declared object into dir using the lease's credentials.
// The storage client lives only for the duration of the call.
func (f *Fetcher) Fetch(ctx context.Context, lease *credential.Lease, dir string) error {
	if f.Empty() {
		return nil
	}

	creds, err := lease.Credentials()
	if err != nil {
		return err
	}
	region := f.cfg.Region
	if region == "" {
		region = creds.Region
	}

	client, err := minio.New(f.cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		Secure: !f.cfg.Insecure,
		Region: region,
	})
	if err != nil {
		return fmt.Errorf("failed to create storage client: %w", err)
	}

	for _, o := range f.cfg.Objects {
		dest := filepath.Join(dir, filepath.FromSlash(o.Destination()))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return &FetchError{Bucket: o.Bucket, Key: o.Key, Err: err}
		}
		f.logger.Debug("fetching fixture", "bucket", o.Bucket, "key", o.Key, "owner", lease.Owner())
		if err := client.FGetObject(ctx, o.Bucket, o.Key, dest, minio.GetObjectOptions{}); err != nil {
			return &FetchError{Bucket: o.Bucket, Key: o.Key, Err: err}
		}
	}
	return nil
}
