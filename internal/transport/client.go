// Package transport delivers negotiation envelopes to other agents over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/metrics"
	"github.com/tjfontaine/gridtrade/internal/server"
)

const (
	defaultTimeout = 10 * time.Second
	userAgent      = "gridtrade/1.0"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client posts envelopes to {endpoint}/{action}.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client with an instrumented transport and the given
// per-request timeout. A zero timeout uses the default.
func NewClient(timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		httpClient: &http.Client{
			Transport: wrapTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func wrapTransport(base http.RoundTripper) http.RoundTripper {
	return otelhttp.NewTransport(base)
}

// Send delivers env to the endpoint. Network failures and non-2xx answers
// are reported as unreachable counterparty errors.
func (c *Client) Send(ctx context.Context, endpoint string, env *domain.Envelope) error {
	action := string(env.Context.Action)
	target := strings.TrimSuffix(endpoint, "/") + "/" + action

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return domain.ErrUnreachable(target, err).WithTransaction(env.Context.TransactionID)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if id := server.GetRequestID(ctx); id != "" {
		req.Header.Set(server.RequestIDHeader, id)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordDelivery(action, false, time.Since(start).Seconds())
		return domain.ErrUnreachable(target, err).WithTransaction(env.Context.TransactionID)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RecordDelivery(action, false, time.Since(start).Seconds())
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.ErrUnreachable(target,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))).
			WithTransaction(env.Context.TransactionID)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	metrics.RecordDelivery(action, true, time.Since(start).Seconds())
	c.logger.Debug("envelope delivered",
		slog.String("transaction_id", env.Context.TransactionID),
		slog.String("action", action),
		slog.String("target", target),
		slog.Int("status", resp.StatusCode))
	return nil
}
