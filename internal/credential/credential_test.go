// SPDX-License-Identifier: MPL-2.0

package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"

	"matrixci/internal/testutil"
)

type staticSource struct {
	creds StorageCredentials
	err   error
	calls int
}

func (s *staticSource) Retrieve(context.Context) (StorageCredentials, error) {
	s.calls++
	return s.creds, s.err
}

func fixedLookup(vars map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestStorageCredentials_Redacted(t *testing.T) {
	t.Parallel()

	c := StorageCredentials{AccessKeyID: "AKIAEXAMPLE", SecretAccessKey: "s3cr3t", SessionToken: "tok3n"}
	for _, s := range []string{c.String(), fmt.Sprintf("%v", c), fmt.Sprintf("%+v", c), fmt.Sprintf("%#v", c)} {
		if strings.Contains(s, "s3cr3t") || strings.Contains(s, "tok3n") || strings.Contains(s, "AKIAEXAMPLE") {
			t.Errorf("secret leaked: %s", s)
		}
	}

	tok := NewReportToken("repo-token")
	if strings.Contains(fmt.Sprintf("%v %#v", tok, tok), "repo-token") {
		t.Error("report token leaked")
	}
	if tok.Value() != "repo-token" {
		t.Error("Value() lost the token")
	}
}

func TestEnvSource(t *testing.T) {
	t.Parallel()

	s := NewEnvSource()
	s.Lookup = fixedLookup(map[string]string{
		"AWS_ACCESS_KEY_ID":     "AKIA1",
		"AWS_SECRET_ACCESS_KEY": "secret",
		"AWS_REGION":            "us-west-2",
	})
	creds, err := s.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if creds.AccessKeyID != "AKIA1" || creds.Region != "us-west-2" {
		t.Errorf("Retrieve() = %v", creds)
	}

	s.Lookup = fixedLookup(nil)
	if _, err := s.Retrieve(context.Background()); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("Retrieve() error = %v, want ErrMissingCredentials", err)
	}
}

func TestAWSSource_StaticProvider(t *testing.T) {
	t.Parallel()

	s := &AWSSource{
		Region: "eu-central-1",
		LoadOptions: []func(*config.LoadOptions) error{
			config.WithCredentialsProvider(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: "AKIA2", SecretAccessKey: "secret", SessionToken: "session"}, nil
			})),
		},
	}
	creds, err := s.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if creds.AccessKeyID != "AKIA2" || creds.SessionToken != "session" || creds.Region != "eu-central-1" {
		t.Errorf("Retrieve() = %+v", creds)
	}
}

func TestScoper_LeaseLifecycle(t *testing.T) {
	t.Parallel()

	src := &staticSource{creds: StorageCredentials{AccessKeyID: "AKIA3", SecretAccessKey: "secret", Region: "us-east-1"}}
	s := NewScoper(src)

	lease, err := s.Acquire(context.Background(), "os=linux/runtime=3.8")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	env, err := lease.Env()
	if err != nil {
		t.Fatalf("Env() error = %v", err)
	}
	if env["AWS_SECRET_ACCESS_KEY"] != "secret" || env["AWS_DEFAULT_REGION"] != "us-east-1" {
		t.Errorf("Env() = %v", env)
	}

	lease.Release()
	lease.Release()
	if _, err := lease.Credentials(); !errors.Is(err, ErrLeaseReleased) {
		t.Errorf("Credentials() after release error = %v", err)
	}
	if strings.Contains(lease.String(), "secret") {
		t.Error("lease String() leaked secret")
	}
}

func TestScoper_FreshPerAcquire(t *testing.T) {
	t.Parallel()

	src := &staticSource{creds: StorageCredentials{AccessKeyID: "AKIA4", SecretAccessKey: "secret"}}
	s := NewScoper(src)
	for _, owner := range []string{"a", "b", "c"} {
		lease, err := s.Acquire(context.Background(), owner)
		if err != nil {
			t.Fatal(err)
		}
		lease.Release()
	}
	if src.calls != 3 {
		t.Errorf("source called %d times, want 3", src.calls)
	}
}

func TestScoper_Expiry(t *testing.T) {
	t.Parallel()

	clock := testutil.NewFakeClock(time.Time{})
	src := &staticSource{creds: StorageCredentials{
		AccessKeyID:     "AKIA5",
		SecretAccessKey: "secret",
		CanExpire:       true,
		Expires:         clock.Now().Add(time.Minute),
	}}
	s := NewScoper(src, WithClock(clock))

	lease, err := s.Acquire(context.Background(), "cell")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := lease.Env(); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("Env() after expiry error = %v", err)
	}
	if _, err := s.Acquire(context.Background(), "cell"); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("Acquire() of expired credentials error = %v", err)
	}
}

func TestScoper_SourceFailure(t *testing.T) {
	t.Parallel()

	s := NewScoper(&staticSource{err: ErrMissingCredentials})
	_, err := s.Acquire(context.Background(), "cell")
	var scopeErr *ScopeError
	if !errors.As(err, &scopeErr) || scopeErr.Boundary != BoundaryStorage {
		t.Fatalf("Acquire() error = %v, want storage ScopeError", err)
	}
}

func TestNoneSource_EmptyEnv(t *testing.T) {
	t.Parallel()

	src, err := NewSource(SourceNone, "", "")
	if err != nil {
		t.Fatal(err)
	}
	lease, err := NewScoper(src).Acquire(context.Background(), "cell")
	if err != nil {
		t.Fatal(err)
	}
	env, err := lease.Env()
	if err != nil || len(env) != 0 {
		t.Errorf("Env() = %v, %v; want empty", env, err)
	}
}

func TestReportTokenFromEnv(t *testing.T) {
	t.Parallel()

	tok, err := ReportTokenFromEnv("COVERALLS_REPO_TOKEN", fixedLookup(map[string]string{"COVERALLS_REPO_TOKEN": " abc "}))
	if err != nil || tok.Value() != "abc" {
		t.Errorf("ReportTokenFromEnv() = %v, %v", tok, err)
	}

	_, err = ReportTokenFromEnv("COVERALLS_REPO_TOKEN", fixedLookup(nil))
	var scopeErr *ScopeError
	if !errors.As(err, &scopeErr) || scopeErr.Boundary != BoundaryReport {
		t.Errorf("missing token error = %v", err)
	}
}
