// Package facilitator implements a typed HTTP client for a remote x402
// facilitator service.
//
// The facilitator exposes verify, settle, supported, and tab-issuance
// endpoints, all derived from one base URL at construction time. Tab
// issuance consults the shared tab cache before going to the network.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vidgate/vidgate/internal/circuitbreaker"
	"github.com/vidgate/vidgate/internal/metrics"
	"github.com/vidgate/vidgate/internal/tabcache"
)

// Client is bound to one facilitator base URL.
type Client struct {
	baseURL      *url.URL
	verifyURL    *url.URL
	settleURL    *url.URL
	supportedURL *url.URL
	tabURL       *url.URL

	httpClient *http.Client
	headers    http.Header
	timeout    time.Duration // zero means unbounded
	tabs       *tabcache.Cache
	breaker    *circuitbreaker.Breaker
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithHeaders attaches custom headers to every outbound request.
func WithHeaders(h http.Header) Option {
	return func(c *Client) { c.headers = h }
}

// WithTimeout bounds every outbound call. Absent this option calls wait
// indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithTabCache sets the cache consulted by RequestTab.
func WithTabCache(cache *tabcache.Cache) Option {
	return func(c *Client) { c.tabs = cache }
}

// WithBreaker guards each endpoint with the given circuit breaker.
// Transport failures and 5xx responses count against the circuit; 4xx
// rejections do not, since they signal a bad request rather than an
// unhealthy upstream.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// New constructs a client from a base URL, deriving the fixed endpoint
// sub-paths by URL-relative joins. A malformed join fails construction.
//
// A base URL advertising the unspecified address (a bind-all listen
// address leaked into config) is rewritten to loopback first, since the
// unspecified address is not reachable as a destination.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, &URLError{Context: "parse base URL", Err: err}
	}

	switch base.Hostname() {
	case "0.0.0.0", "::":
		host := "127.0.0.1"
		if port := base.Port(); port != "" {
			host += ":" + port
		}
		base.Host = host
	}

	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{},
		tabs:       tabcache.New(tabcache.DefaultExpiryCap),
	}
	for _, opt := range opts {
		opt(c)
	}

	join := func(ref string) (*url.URL, error) {
		u, err := base.Parse(ref)
		if err != nil {
			return nil, &URLError{Context: "construct " + ref + " URL", Err: err}
		}
		return u, nil
	}
	if c.verifyURL, err = join("./verify"); err != nil {
		return nil, err
	}
	if c.settleURL, err = join("./settle"); err != nil {
		return nil, err
	}
	if c.supportedURL, err = join("./supported"); err != nil {
		return nil, err
	}
	if c.tabURL, err = join("./tab"); err != nil {
		return nil, err
	}

	return c, nil
}

// BaseURL returns the (possibly loopback-rewritten) base URL.
func (c *Client) BaseURL() *url.URL { return c.baseURL }

// Verify posts a verification request to the facilitator.
func (c *Client) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	var resp VerifyResponse
	if err := c.postJSON(ctx, c.verifyURL, "POST /verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle posts a settlement request to the facilitator.
func (c *Client) Settle(ctx context.Context, req *SettleRequest) (*SettleResponse, error) {
	var resp SettleResponse
	if err := c.postJSON(ctx, c.settleURL, "POST /settle", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Supported fetches the facilitator's supported scheme/network kinds.
func (c *Client) Supported(ctx context.Context) (*SupportedResponse, error) {
	var resp SupportedResponse
	if err := c.getJSON(ctx, c.supportedURL, "GET /supported", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestTab returns a credit tab for the (payer, recipient, asset)
// triple, reusing a live cached tab when one exists. Settlement calls
// never go through the cache; only issuance does.
func (c *Client) RequestTab(ctx context.Context, req *TabRequest) (tabcache.Tab, error) {
	key := tabcache.Key{
		Payer:     req.UserAddress,
		Recipient: req.RecipientAddress,
		Asset:     req.ERC20Token,
	}
	return c.tabs.GetOrIssue(ctx, key, func(ctx context.Context) (tabcache.Tab, error) {
		var tab tabcache.Tab
		if err := c.postJSON(ctx, c.tabURL, "POST /tab", req, &tab); err != nil {
			return tabcache.Tab{}, err
		}
		return tab, nil
	})
}

// postJSON is the shared POST helper: JSON body, custom headers, optional
// timeout, and the status/transport/decode error mapping.
func (c *Client) postJSON(ctx context.Context, u *url.URL, label string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &EncodeError{Context: label, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return &TransportError{Context: label, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, label, out)
}

func (c *Client) getJSON(ctx context.Context, u *url.URL, label string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &TransportError{Context: label, Err: err}
	}
	return c.do(req, label, out)
}

func (c *Client) do(req *http.Request, label string, out any) error {
	if c.breaker != nil && !c.breaker.Allow(label) {
		metrics.FacilitatorRequestsTotal.WithLabelValues(label, "rejected").Inc()
		return &CircuitOpenError{Context: label}
	}

	start := time.Now()
	err := c.roundTrip(req, label, out)
	metrics.FacilitatorRequestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	c.observe(label, err)
	return err
}

func (c *Client) roundTrip(req *http.Request, label string, out any) error {
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	if c.timeout > 0 {
		ctx, cancel := context.WithTimeout(req.Context(), c.timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Context: label, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &BodyReadError{Context: label, Err: err}
		}
		return &StatusError{Context: label, Status: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Context: label, Err: err}
	}
	return nil
}

// observe feeds the call result into metrics and the circuit breaker.
func (c *Client) observe(label string, err error) {
	result := "ok"
	upstreamDown := false

	switch e := err.(type) {
	case nil:
	case *TransportError:
		result = "error"
		upstreamDown = true
	case *StatusError:
		result = "error"
		upstreamDown = e.Status >= 500
	default:
		result = "error"
	}
	metrics.FacilitatorRequestsTotal.WithLabelValues(label, result).Inc()

	if c.breaker == nil {
		return
	}
	if upstreamDown {
		c.breaker.RecordFailure(label)
	} else {
		c.breaker.RecordSuccess(label)
	}
}

// URLError reports a malformed endpoint join at construction time.
type URLError struct {
	Context string
	Err     error
}

func (e *URLError) Error() string {
	return fmt.Sprintf("facilitator: URL parse error: %s: %v", e.Context, e.Err)
}

func (e *URLError) Unwrap() error { return e.Err }

// TransportError reports a failed HTTP round trip (the network failed).
type TransportError struct {
	Context string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("facilitator: HTTP error: %s: %v", e.Context, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EncodeError reports a request body that could not be serialized.
type EncodeError struct {
	Context string
	Err     error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("facilitator: failed to serialize request JSON: %s: %v", e.Context, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a 200 response whose body was not the expected JSON
// (the server's response was malformed).
type DecodeError struct {
	Context string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("facilitator: failed to deserialize JSON: %s: %v", e.Context, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// BodyReadError reports a non-200 response whose body could not be read.
type BodyReadError struct {
	Context string
	Err     error
}

func (e *BodyReadError) Error() string {
	return fmt.Sprintf("facilitator: failed to read response body: %s: %v", e.Context, e.Err)
}

func (e *BodyReadError) Unwrap() error { return e.Err }

// StatusError reports a non-200 response (the server rejected us).
type StatusError struct {
	Context string
	Status  int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("facilitator: unexpected HTTP status %d: %s: %s", e.Status, e.Context, e.Body)
}

// CircuitOpenError reports a call short-circuited because the endpoint's
// circuit is open.
type CircuitOpenError struct {
	Context string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("facilitator: circuit open: %s", e.Context)
}
