package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/gridtrade/internal/domain"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client talks to a remote registry.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the registry at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register announces endpointURI to the registry.
func (c *Client) Register(ctx context.Context, endpointURI string) error {
	var resp RegisterResponse
	return c.do(ctx, http.MethodPost, "/register", RegisterRequest{EndpointURI: endpointURI}, &resp)
}

// Endpoints lists the registered endpoints.
func (c *Client) Endpoints(ctx context.Context) ([]string, error) {
	var resp EndpointsResponse
	if err := c.do(ctx, http.MethodGet, "/endpoints", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Endpoints, nil
}

// BroadcastSearch hands a search to the registry for fan-out. It returns once
// the registry has acknowledged the search.
func (c *Client) BroadcastSearch(ctx context.Context, env *domain.Envelope) error {
	var ack domain.AckResponse
	if err := c.do(ctx, http.MethodPost, "/search", env, &ack); err != nil {
		return err
	}
	if ack.Message.Ack == nil || ack.Message.Ack.Status != domain.AckStatus {
		return domain.ErrUnreachable(c.baseURL+"/search", fmt.Errorf("search was not acknowledged")).
			WithTransaction(env.Context.TransactionID)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	target := c.baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ErrUnreachable(target, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ErrUnreachable(target, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.ErrUnreachable(target, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
