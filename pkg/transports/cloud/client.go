// Package cloud is a client for the fleet management API: device and
// service state, config variables, logs and releases.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dutkit/dutkit/pkg/telemetry"
)

// DefaultBaseURL is the public API endpoint.
const DefaultBaseURL = "https://api.balena-cloud.com"

// DefaultTimeout bounds a single API request.
const DefaultTimeout = 30 * time.Second

// Client calls the cloud API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	pusher     ReleasePusher
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithPusher sets how releases are built and pushed.
func WithPusher(p ReleasePusher) Option {
	return func(c *Client) { c.pusher = p }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a cloud API client.
func NewClient(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		userAgent:  "dutkit",
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pusher == nil {
		c.pusher = &CLIPusher{}
	}
	return c
}

// odata holds the query options of a resource request.
type odata struct {
	filter  string
	selects string
	expand  string
	orderBy string
	top     int
}

func (q odata) encode() string {
	v := url.Values{}
	if q.filter != "" {
		v.Set("$filter", q.filter)
	}
	if q.selects != "" {
		v.Set("$select", q.selects)
	}
	if q.expand != "" {
		v.Set("$expand", q.expand)
	}
	if q.orderBy != "" {
		v.Set("$orderby", q.orderBy)
	}
	if q.top > 0 {
		v.Set("$top", fmt.Sprint(q.top))
	}
	return v.Encode()
}

// quote renders s as an OData string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// query fetches a resource collection into out, which receives the
// elements of the "d" array.
func (c *Client) query(ctx context.Context, op, resource string, q odata, out interface{}) error {
	var envelope struct {
		D json.RawMessage `json:"d"`
	}
	path := "/v6/" + resource + "?" + q.encode()
	if err := c.doJSON(ctx, op, http.MethodGet, path, nil, &envelope); err != nil {
		return err
	}
	if len(envelope.D) == 0 {
		return &ProtocolError{Op: op, Path: path, Err: fmt.Errorf("response has no d field")}
	}
	if err := json.Unmarshal(envelope.D, out); err != nil {
		return &ProtocolError{Op: op, Path: path, Err: err}
	}
	return nil
}

// doJSON sends payload as JSON and decodes a 2xx response into out. A nil
// out discards the body.
func (c *Client) doJSON(ctx context.Context, op, method, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
	}

	return telemetry.RecordTransportCall(ctx, "cloud", op, path, func(ctx context.Context) error {
		raw, status, err := c.send(ctx, method, path, body)
		if err != nil {
			return &TransportError{Op: op, Path: path, Err: err}
		}
		if status < 200 || status >= 300 {
			return newAPIError(op, status, raw)
		}
		if out == nil || len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return &ProtocolError{Op: op, Path: path, Err: err}
		}
		return nil
	})
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return raw, resp.StatusCode, nil
}
