// Package httpclient is the single outbound HTTP boundary of batchwatch.
//
// Every integration call goes through Client.DoJSON, which applies a rate
// limit, a fixed per-request timeout and an SSRF guard, and classifies any
// failure exactly once as transient or permanent for the retry policy.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/version"
)

const (
	// DefaultTimeout bounds every outbound request independently of retry backoff
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRedirects caps redirect chains
	DefaultMaxRedirects = 10

	// maxErrorBody limits how much of an error response is kept
	maxErrorBody = 4096
)

// Options configures a Client. Zero values select the defaults.
type Options struct {
	Timeout              time.Duration
	AllowPrivateNetworks bool
	AllowedSchemes       []string // Default: ["http", "https"]
	MaxRedirects         int      // Default: 10
	RequestsPerSecond    float64  // 0 = unlimited
	Burst                int      // Default: 1 when rate limited
	Transport            http.RoundTripper
}

// Client wraps http.Client with SSRF protection and an outbound rate limit
type Client struct {
	http           *http.Client
	allowedSchemes []string
	blockPrivateIP bool
	maxRedirects   int
	limiter        *rate.Limiter
}

// New creates a Client
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	schemes := opts.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}

	c := &Client{
		http:           &http.Client{Timeout: timeout},
		allowedSchemes: schemes,
		blockPrivateIP: !opts.AllowPrivateNetworks,
		maxRedirects:   maxRedirects,
	}

	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	c.http.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.MarkPermanent(errors.Newf("stopped after %d redirects", c.maxRedirects))
		}
		if err := c.validateURL(req.URL); err != nil {
			return errors.MarkPermanent(errors.Wrap(err, "redirect blocked"))
		}
		return nil
	}

	switch {
	case opts.Transport != nil:
		c.http.Transport = opts.Transport
	case c.blockPrivateIP:
		c.http.Transport = guardedTransport()
	}

	return c
}

// Timeout returns the per-request timeout
func (c *Client) Timeout() time.Duration {
	return c.http.Timeout
}

// CloseIdleConnections releases pooled connections
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// Do executes an HTTP request with SSRF protection and rate limiting.
// Errors are classified; a returned response is the caller's to close.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.MarkPermanent(errors.Wrap(err, "request blocked by SSRF protection"))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, errors.MarkTransient(errors.Wrap(err, "rate limiter wait"))
		}
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return resp, nil
}

// NewJSONRequest builds a request with a JSON body (nil body sends none)
func NewJSONRequest(ctx context.Context, method, url string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.MarkPermanent(errors.Wrap(err, "encode request body"))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.MarkPermanent(errors.Wrapf(err, "build %s request", method))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// DoJSON performs req and decodes a 2xx JSON response into out (nil discards it).
//
// Classification:
//
//	429, 5xx, connection errors, timeouts  -> transient
//	other 4xx, undecodable 2xx bodies      -> permanent
func (c *Client) DoJSON(req *http.Request, out interface{}) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyStatus(&StatusError{
			Method:     req.Method,
			URL:        req.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Body:       string(body),
		})
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.MarkTransient(errors.Wrap(err, "read response body"))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.MarkPermanent(errors.Wrapf(err, "malformed response from %s", req.URL.Redacted()))
	}
	return nil
}
