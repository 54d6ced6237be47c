// SPDX-License-Identifier: MPL-2.0

package credential

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

type (
	// Clock abstracts time for lease expiry checks.
	Clock interface {
		Now() time.Time
	}

	systemClock struct{}

	// Scoper hands out per-cell storage leases.
	Scoper struct {
		source Source
		clock  Clock
		logger *log.Logger
	}

	// ScoperOption configures a Scoper.
	ScoperOption func(*Scoper)

	// Lease is one cell's storage credentials. It is valid until Release is called
	// or the underlying credentials expire, whichever comes first.
	Lease struct {
		owner string
		clock Clock

		mu       sync.Mutex
		creds    StorageCredentials
		released bool
	}
)

func (systemClock) Now() time.Time { return time.Now() }

// WithClock overrides the clock used for expiry checks.
func WithClock(c Clock) ScoperOption {
	return func(s *Scoper) { s.clock = c }
}

// WithLogger sets the scoper's logger.
func WithLogger(l *log.Logger) ScoperOption {
	return func(s *Scoper) { s.logger = l }
}

// NewScoper creates a Scoper that draws from source.
func NewScoper(source Source, opts ...ScoperOption) *Scoper {
	s := &Scoper{
		source: source,
		clock:  systemClock{},
		logger: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire retrieves fresh credentials for owner (a cell identity). Credentials
// are fetched on every call; nothing is cached between cells.
func (s *Scoper) Acquire(ctx context.Context, owner string) (*Lease, error) {
	creds, err := s.source.Retrieve(ctx)
	if err != nil {
		return nil, &ScopeError{Boundary: BoundaryStorage, Err: err}
	}
	if creds.Expired(s.clock.Now()) {
		return nil, &ScopeError{Boundary: BoundaryStorage, Err: ErrLeaseExpired}
	}
	s.logger.Debug("Acquired credentials", "boundary", BoundaryStorage, "cell", owner, "credentials", creds.String())
	return &Lease{owner: owner, clock: s.clock, creds: creds}, nil
}

// Owner returns the identity the lease was acquired for.
func (l *Lease) Owner() string { return l.owner }

// Credentials returns the leased credentials while the lease is live.
func (l *Lease) Credentials() (StorageCredentials, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return StorageCredentials{}, ErrLeaseReleased
	}
	if l.creds.Expired(l.clock.Now()) {
		return StorageCredentials{}, ErrLeaseExpired
	}
	return l.creds, nil
}

// Env returns the credentials as AWS_* environment variables. An empty lease
// (storage boundary disabled) yields an empty map.
func (l *Lease) Env() (map[string]string, error) {
	creds, err := l.Credentials()
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, 4)
	if creds.IsZero() {
		return env, nil
	}
	env["AWS_ACCESS_KEY_ID"] = creds.AccessKeyID
	env["AWS_SECRET_ACCESS_KEY"] = creds.SecretAccessKey
	if creds.SessionToken != "" {
		env["AWS_SESSION_TOKEN"] = creds.SessionToken
	}
	if creds.Region != "" {
		env["AWS_REGION"] = creds.Region
		env["AWS_DEFAULT_REGION"] = creds.Region
	}
	return env, nil
}

// Release zeroes the credentials. It is safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creds = StorageCredentials{}
	l.released = true
}

// String identifies the lease without exposing its secrets.
func (l *Lease) String() string {
	return "Lease{" + string(BoundaryStorage) + " for " + l.owner + "}"
}
