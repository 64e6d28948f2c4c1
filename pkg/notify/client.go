// Package notify posts release records to an HTTP endpoint after a
// revision has been deployed.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/github/archive-deployer/pkg/metrics"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"golang.org/x/time/rate"
)

const maxBackoff = 5 * time.Second

// Option configures a Client.
type Option func(*Client) error

// Client posts Release records.
type Client struct {
	endpoint    string
	httpClient  *http.Client
	retries     int
	token       string
	transport   *ghinstallation.Transport
	rateLimiter *rate.Limiter
}

// NewClient returns a Client posting to endpoint. Plain HTTP is only
// accepted for loopback and in-cluster service hosts.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid notify URL %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !isLocalHost(u.Hostname()) {
			return nil, fmt.Errorf("insecure URL not allowed: %s (use HTTPS for non-local hosts)", endpoint)
		}
	default:
		return nil, fmt.Errorf("invalid notify URL %q: scheme must be http or https", endpoint)
	}

	c := &Client{
		endpoint:    u.String(),
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		retries:     3,
		rateLimiter: rate.NewLimiter(rate.Limit(5), 10),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func isLocalHost(host string) bool {
	return host == "localhost" ||
		host == "127.0.0.1" ||
		host == "::1" ||
		strings.HasSuffix(host, ".svc.cluster.local")
}

// WithTimeout sets the per request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithRetries sets how many times a failed post is retried.
func WithRetries(n int) Option {
	return func(c *Client) error {
		if n < 0 {
			return fmt.Errorf("retries must not be negative: %d", n)
		}
		c.retries = n
		return nil
	}
}

// WithToken authenticates with a static bearer token.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithGitHubApp authenticates as a GitHub App installation. keyFile is
// the path to the App's private key. It takes precedence over a token.
func WithGitHubApp(appID, installID, keyFile string) Option {
	return func(c *Client) error {
		aid, err := strconv.ParseInt(appID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid GitHub App id %q: %w", appID, err)
		}
		iid, err := strconv.ParseInt(installID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid GitHub App installation id %q: %w", installID, err)
		}
		c.transport, err = ghinstallation.NewKeyFromFile(http.DefaultTransport, aid, iid, keyFile)
		if err != nil {
			return fmt.Errorf("load GitHub App key: %w", err)
		}
		return nil
	}
}

// WithRateLimiter replaces the default limit of 5 posts per second.
func WithRateLimiter(rps float64, burst int) Option {
	return func(c *Client) error {
		c.rateLimiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// ClientError is a rejected request that must not be retried.
type ClientError struct {
	StatusCode int
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client_error: unexpected status code: %d", e.StatusCode)
}

// Post sends rel, retrying transport errors, 429 and 5xx responses with
// jittered exponential backoff.
func (c *Client) Post(ctx context.Context, rel *Release) error {
	if rel == nil {
		return errors.New("release cannot be nil")
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	body, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("failed to marshal release: %w", err)
	}

	var lastErr error
	for attempt := range c.retries + 1 {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		retry, err := c.attempt(ctx, body)
		if err == nil {
			metrics.NotifyOk.Inc()
			return nil
		}
		lastErr = err
		if !retry {
			metrics.NotifyClientError.Inc()
			slog.Warn("release notification rejected",
				"attempt", attempt,
				"error", err)
			return err
		}
		metrics.NotifySoftFail.Inc()
		slog.Warn("recoverable error, re-trying",
			"attempt", attempt,
			"retries", c.retries,
			"error", err)
	}

	metrics.NotifyHardFail.Inc()
	return fmt.Errorf("all retries exhausted: %w", lastErr)
}

// attempt performs one request. retry reports whether a failure is
// worth another attempt.
func (c *Client) attempt(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	switch {
	case c.transport != nil:
		tok, err := c.transport.Token(ctx)
		if err != nil {
			return true, fmt.Errorf("failed to get access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.NotifyTimer.Observe(time.Since(start).Seconds())
	if err != nil {
		return true, fmt.Errorf("post request failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	default:
		return false, &ClientError{StatusCode: resp.StatusCode}
	}
}

func backoff(attempt int) time.Duration {
	d := time.Duration(100<<attempt) * time.Millisecond
	//nolint:gosec
	d += time.Duration(rand.Int64N(50)) * time.Millisecond
	return min(d, maxBackoff)
}
