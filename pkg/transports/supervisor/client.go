// Package supervisor talks to the device supervisor's local HTTP API.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dutkit/dutkit/pkg/device"
	"github.com/dutkit/dutkit/pkg/telemetry"
)

// DefaultPort is the port the supervisor API listens on.
const DefaultPort = 48484

// DefaultTimeout bounds a single request.
const DefaultTimeout = 10 * time.Second

// Response is the supervisor's reply to a state change.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Client calls the supervisor API of one device. The address is resolved
// from the handle on every call.
type Client struct {
	handle     *device.Handle
	port       int
	scheme     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithPort overrides the supervisor port.
func WithPort(port int) Option {
	return func(c *Client) { c.port = port }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a supervisor client for the device behind handle.
func NewClient(handle *device.Handle, opts ...Option) *Client {
	c := &Client{
		handle:     handle,
		port:       DefaultPort,
		scheme:     "http",
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping returns the body of GET /ping, "OK" on a healthy supervisor.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var body []byte
	err := c.do(ctx, "ping", http.MethodGet, "/ping", nil, func(raw []byte) error {
		body = raw
		return nil
	})
	return strings.TrimSpace(string(body)), err
}

// SetTargetState writes a local target state. Applying some config keys
// reboots the device; callers must mark the handle accordingly.
func (c *Client) SetTargetState(ctx context.Context, state device.TargetState) (Response, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode target state: %w", err)
	}

	var resp Response
	err = c.do(ctx, "set-target-state", http.MethodPost, "/v2/local/target-state", payload, func(raw []byte) error {
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		return json.Unmarshal(raw, &resp)
	})
	return resp, err
}

// TargetState reads the current local target state.
func (c *Client) TargetState(ctx context.Context) (device.TargetState, error) {
	var envelope struct {
		State *device.TargetState `json:"state"`
	}
	err := c.do(ctx, "get-target-state", http.MethodGet, "/v2/local/target-state", nil, func(raw []byte) error {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return err
		}
		if envelope.State == nil {
			return fmt.Errorf("response has no state field")
		}
		return nil
	})
	if err != nil {
		return device.TargetState{}, err
	}
	return *envelope.State, nil
}

// do sends one request and hands a 2xx body to decode. Network failures
// invalidate the handle; bad statuses and undecodable bodies are
// protocol errors.
func (c *Client) do(ctx context.Context, op, method, path string, payload []byte, decode func([]byte) error) error {
	addr, err := c.handle.Address(ctx)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	url := c.scheme + "://" + net.JoinHostPort(addr, strconv.Itoa(c.port)) + path

	return telemetry.RecordTransportCall(ctx, "supervisor", op, addr, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				c.handle.Invalidate()
			}
			return &TransportError{Op: op, URL: url, Err: err}
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			c.handle.Invalidate()
			return &TransportError{Op: op, URL: url, Err: fmt.Errorf("read body: %w", err)}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &ProtocolError{Op: op, URL: url, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		}
		if err := decode(raw); err != nil {
			return &ProtocolError{Op: op, URL: url, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw)), Err: err}
		}

		telemetry.FromContext(ctx).Zerolog().Debug().
			Str("op", op).
			Str("url", url).
			Int("status", resp.StatusCode).
			Msg("supervisor request")
		return nil
	})
}
