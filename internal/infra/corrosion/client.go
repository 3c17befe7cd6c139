package corrosion

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/http2"
)

const (
	dialTimeout = 3 * time.Second
	// requestRetryBudget bounds retries of a single request on network errors.
	requestRetryBudget = 10 * time.Second
	// resubscribeRetryBudget bounds reconnecting a broken change stream.
	resubscribeRetryBudget = 60 * time.Second

	maxErrorBodySize = 1 << 20
)

// Client talks to the HTTP API of a Corrosion agent.
type Client struct {
	base        *url.URL
	hc          *http.Client
	resubPolicy func() backoff.BackOff
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default cleartext HTTP/2 client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

// WithResubscribeBackoff sets the policy used to reconnect a broken change
// stream. nil disables reconnecting: the stream error ends the subscription.
func WithResubscribeBackoff(policy func() backoff.BackOff) ClientOption {
	return func(c *Client) { c.resubPolicy = policy }
}

// NewClient returns a client for the agent listening on addr.
func NewClient(addr netip.AddrPort, opts ...ClientOption) (*Client, error) {
	if !addr.IsValid() {
		return nil, fmt.Errorf("invalid corrosion address %q", addr)
	}
	c := &Client{
		base:        &url.URL{Scheme: "http", Host: addr.String()},
		resubPolicy: exponential(resubscribeRetryBudget),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hc == nil {
		c.hc = &http.Client{Transport: &retryTransport{
			next:   h2cTransport(),
			policy: exponential(requestRetryBudget),
		}}
	}
	return c, nil
}

func exponential(budget time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(100*time.Millisecond),
			backoff.WithMaxInterval(time.Second),
			backoff.WithMaxElapsedTime(budget),
		)
	}
}

// h2cTransport speaks HTTP/2 without TLS, which is what the agent serves.
func h2cTransport() *http2.Transport {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, network, addr)
		},
	}
}

// retryTransport repeats a request while it fails at the network layer.
// Requests that reached the agent are never repeated.
type retryTransport struct {
	next   http.RoundTripper
	policy func() backoff.BackOff
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	attempt := 0
	op := func() (*http.Response, error) {
		attempt++
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, backoff.Permanent(fmt.Errorf("rewind request body: %w", err))
			}
			req.Body = body
		}
		resp, err := t.next.RoundTrip(req)
		if err != nil && !transient(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}
	notify := func(err error, wait time.Duration) {
		slog.Debug("Corrosion request failed, retrying.", "component", "corrosion",
			"path", req.URL.Path, "attempt", attempt, "wait", wait, "err", err)
	}
	return backoff.RetryNotifyWithData(op, backoff.WithContext(t.policy(), req.Context()), notify)
}

func transient(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// send issues a JSON request against path. payload is marshalled when not nil.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload any) (*http.Response, error) {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.hc.Do(req)
}

// expectOK returns nil for a 200 response. Otherwise it drains and closes
// the body into an error naming op.
func expectOK(op string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	defer resp.Body.Close()
	msg, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return fmt.Errorf("%s: status %d, read body: %w", op, resp.StatusCode, err)
	}
	return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, bytes.TrimSpace(msg))
}
