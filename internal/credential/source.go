// SPDX-License-Identifier: MPL-2.0

package credential

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

const (
	// SourceEnv reads a key pair from named environment variables.
	SourceEnv SourceKind = "env"
	// SourceAWS resolves credentials through the AWS SDK default chain.
	SourceAWS SourceKind = "aws"
	// SourceNone disables the storage boundary.
	SourceNone SourceKind = "none"
)

type (
	// SourceKind selects where storage credentials come from.
	SourceKind string

	// Source retrieves fresh storage credentials.
	Source interface {
		Retrieve(ctx context.Context) (StorageCredentials, error)
	}

	// LookupFunc resolves an environment variable.
	LookupFunc func(key string) (string, bool)

	// EnvSource reads credentials from environment variables.
	EnvSource struct {
		AccessKeyVar    string
		SecretKeyVar    string
		SessionTokenVar string
		RegionVar       string
		Lookup          LookupFunc
	}

	// AWSSource loads credentials with aws-sdk-go-v2's default configuration chain
	// (environment, shared config profile, web identity, instance role).
	AWSSource struct {
		Profile string
		Region  string
		// LoadOptions are appended after Profile/Region; tests use them to inject providers.
		LoadOptions []func(*config.LoadOptions) error
	}

	noneSource struct{}
)

// IsValid returns whether the SourceKind is recognized.
func (k SourceKind) IsValid() (bool, []error) {
	switch k {
	case SourceEnv, SourceAWS, SourceNone:
		return true, nil
	default:
		return false, []error{fmt.Errorf("invalid credential source %q (valid: env, aws, none)", k)}
	}
}

// NewEnvSource returns an EnvSource using the standard AWS_* variable names.
func NewEnvSource() *EnvSource {
	return &EnvSource{
		AccessKeyVar:    "AWS_ACCESS_KEY_ID",
		SecretKeyVar:    "AWS_SECRET_ACCESS_KEY",
		SessionTokenVar: "AWS_SESSION_TOKEN",
		RegionVar:       "AWS_REGION",
		Lookup:          os.LookupEnv,
	}
}

// Retrieve reads the configured variables.
func (s *EnvSource) Retrieve(ctx context.Context) (StorageCredentials, error) {
	if err := ctx.Err(); err != nil {
		return StorageCredentials{}, err
	}
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) string {
		if name == "" {
			return ""
		}
		v, _ := lookup(name)
		return strings.TrimSpace(v)
	}

	creds := StorageCredentials{
		AccessKeyID:     get(s.AccessKeyVar),
		SecretAccessKey: get(s.SecretKeyVar),
		SessionToken:    get(s.SessionTokenVar),
		Region:          get(s.RegionVar),
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return StorageCredentials{}, fmt.Errorf("%w: %s and %s must be set", ErrMissingCredentials, s.AccessKeyVar, s.SecretKeyVar)
	}
	return creds, nil
}

// Retrieve resolves and returns the current credentials from the AWS chain.
func (s *AWSSource) Retrieve(ctx context.Context) (StorageCredentials, error) {
	var opts []func(*config.LoadOptions) error
	if s.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(s.Profile))
	}
	if s.Region != "" {
		opts = append(opts, config.WithRegion(s.Region))
	}
	opts = append(opts, s.LoadOptions...)

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return StorageCredentials{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Credentials == nil {
		return StorageCredentials{}, ErrMissingCredentials
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return StorageCredentials{}, fmt.Errorf("retrieve aws credentials: %w", err)
	}
	return fromAWS(creds, cfg.Region), nil
}

func fromAWS(c aws.Credentials, region string) StorageCredentials {
	return StorageCredentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		Region:          region,
		CanExpire:       c.CanExpire,
		Expires:         c.Expires,
	}
}

func (noneSource) Retrieve(context.Context) (StorageCredentials, error) {
	return StorageCredentials{}, nil
}

// NewSource builds the Source for a kind.
func NewSource(kind SourceKind, profile, region string) (Source, error) {
	switch kind {
	case SourceEnv:
		return NewEnvSource(), nil
	case SourceAWS:
		return &AWSSource{Profile: profile, Region: region}, nil
	case SourceNone, "":
		return noneSource{}, nil
	default:
		_, errs := kind.IsValid()
		return nil, errs[0]
	}
}

// ReportTokenFromEnv reads the report-upload token from the named variable.
func ReportTokenFromEnv(name string, lookup LookupFunc) (ReportToken, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok || strings.TrimSpace(v) == "" {
		return ReportToken{}, &ScopeError{
			Boundary: BoundaryReport,
			Err:      fmt.Errorf("%w: %s is not set", ErrMissingCredentials, name),
		}
	}
	return NewReportToken(strings.TrimSpace(v)), nil
}
