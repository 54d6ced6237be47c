// SPDX-License-Identifier: MPL-2.0

package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"matrixci/internal/credential"
	"matrixci/internal/retry"
)

const (
	// DefaultServiceName identifies the uploader to the coverage service.
	DefaultServiceName = "matrixci"
	// DefaultTimeout bounds a single upload request.
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrPublish is the sentinel every PublishError matches via errors.Is.
	ErrPublish = errors.New("publish failed")
	// ErrMissingToken is returned when no report token was provided.
	ErrMissingToken = errors.New("report token is empty")
)

type (
	// Config configures a Publisher.
	Config struct {
		// Endpoint is the absolute URL the report is POSTed to.
		Endpoint    string
		ServiceName string
		// Retry bounds upload attempts. The zero value is exactly one attempt.
		Retry   retry.Policy
		Timeout time.Duration
	}

	// Publisher uploads reports.
	Publisher struct {
		cfg      Config
		client   *http.Client
		now      func() time.Time
		newJobID func() string
		logger   *log.Logger
	}

	// Option configures a Publisher.
	Option func(*Publisher)

	// Receipt describes a successful upload.
	Receipt struct {
		JobID      string
		StatusCode int
		Attempts   int
		// Body is the service's response, truncated.
		Body string
	}

	// PublishError reports a failed upload. It is never a test failure.
	PublishError struct {
		Endpoint   string
		StatusCode int
		// Auth is set when the service rejected the token.
		Auth     bool
		Attempts int
		// Exhausted is set when more than one attempt was made and all failed.
		Exhausted bool
		Err       error
	}
)

// WithHTTPClient sets the transport-level client that the bearer-token client wraps.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.client = c }
}

// WithNow sets the clock used for run_at.
func WithNow(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithJobID sets the job identifier generator.
func WithJobID(fn func() string) Option {
	return func(p *Publisher) { p.newJobID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "publish to %s failed", e.Endpoint)
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " with HTTP %d", e.StatusCode)
	}
	if e.Auth {
		sb.WriteString(" (authentication rejected)")
	}
	if e.Exhausted {
		fmt.Fprintf(&sb, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

// Unwrap exposes ErrPublish, retry.ErrExhausted when retries ran out, and the cause.
func (e *PublishError) Unwrap() []error {
	errs := []error{ErrPublish}
	if e.Exhausted {
		errs = append(errs, retry.ErrExhausted)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// retryable reports whether another attempt could succeed.
func (e *PublishError) retryable() bool {
	if e.Auth {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// New validates cfg and creates a Publisher.
func New(cfg Config, opts ...Option) (*Publisher, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid publish endpoint %q: must be an absolute http(s) URL", cfg.Endpoint)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	p := &Publisher{
		cfg:      cfg,
		client:   http.DefaultClient,
		now:      time.Now,
		newJobID: uuid.NewString,
		logger:   log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish uploads report authenticated with token. It makes the configured number of
// attempts (one by default) and never retries an authentication rejection.
func (p *Publisher) Publish(ctx context.Context, report Report, token credential.ReportToken) (Receipt, error) {
	if token.IsZero() {
		return Receipt{}, &PublishError{Endpoint: p.cfg.Endpoint, Auth: true, Attempts: 0, Err: ErrMissingToken}
	}

	jobID := p.newJobID()
	body, err := json.Marshal(buildPayload(report, p.cfg.ServiceName, jobID, p.now()))
	if err != nil {
		return Receipt{}, &PublishError{Endpoint: p.cfg.Endpoint, Err: fmt.Errorf("encode report: %w", err)}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token.Value(),
		TokenType:   "Bearer",
	}))
	client.Timeout = p.cfg.Timeout

	var (
		receipt  Receipt
		last     *PublishError
		attempts int
	)
	err = retry.Do(ctx, p.cfg.Retry, func(ctx context.Context, attempt int) error {
		attempts = attempt + 1
		p.logger.Info("uploading coverage report", "endpoint", p.cfg.Endpoint, "job", jobID, "attempt", attempts)
		r, perr := p.send(ctx, client, body)
		if perr == nil {
			receipt = r
			return nil
		}
		last = perr
		p.logger.Warn("upload attempt failed", "attempt", attempts, "error", perr)
		if !perr.retryable() {
			return retry.Permanent(perr)
		}
		return perr
	})
	if err == nil {
		receipt.JobID = jobID
		receipt.Attempts = attempts
		return receipt, nil
	}

	if last == nil {
		return Receipt{}, &PublishError{Endpoint: p.cfg.Endpoint, Attempts: attempts, Err: err}
	}
	last.Attempts = attempts
	last.Exhausted = errors.Is(err, retry.ErrExhausted)
	return Receipt{}, last
}

func (p *Publisher) send(ctx context.Context, client *http.Client, body []byte) (Receipt, *PublishError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, &PublishError{Endpoint: p.cfg.Endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Receipt{}, &PublishError{Endpoint: p.cfg.Endpoint, Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Receipt{}, &PublishError{
			Endpoint:   p.cfg.Endpoint,
			StatusCode: resp.StatusCode,
			Auth:       resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden,
			Err:        bodyError(respBody),
		}
	}
	return Receipt{StatusCode: resp.StatusCode, Body: string(respBody)}, nil
}

func bodyError(body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}
