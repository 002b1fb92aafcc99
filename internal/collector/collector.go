// Package collector gathers agent profiles from every endpoint known to the
// registry for administrative reporting.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/gridtrade/internal/domain"
)

const defaultConcurrency = 8

// EndpointLister returns the registered agent endpoints.
type EndpointLister interface {
	Endpoints(ctx context.Context) ([]string, error)
}

// Result is the outcome of fetching one endpoint's profile. Exactly one of
// Profile and Error is set.
type Result struct {
	Endpoint string               `json:"endpoint"`
	Profile  *domain.AgentProfile `json:"profile,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Report is a point-in-time view of the market.
type Report struct {
	CollectedAt time.Time `json:"collected_at"`
	Results     []Result  `json:"results"`
	Reachable   int       `json:"reachable"`
	TotalKWh    float64   `json:"total_energy_kwh"`
}

// Option configures the collector.
type Option func(*Collector)

// WithHTTPClient sets the client used to fetch profiles.
func WithHTTPClient(c *http.Client) Option {
	return func(col *Collector) {
		col.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(col *Collector) {
		col.logger = l
	}
}

// WithConcurrency bounds the number of profiles fetched at once.
func WithConcurrency(n int) Option {
	return func(col *Collector) {
		col.concurrency = n
	}
}

// Collector fetches /profile from registered agents.
type Collector struct {
	registry    EndpointLister
	httpClient  *http.Client
	logger      *slog.Logger
	concurrency int
}

// New creates a collector backed by the given registry.
func New(registry EndpointLister, opts ...Option) *Collector {
	c := &Collector{
		registry: registry,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   5 * time.Second,
		},
		logger:      slog.Default(),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrency
	}
	return c
}

// Collect fetches every registered profile. An unreachable agent is reported
// in its Result and does not fail the report; only a registry failure does.
func (c *Collector) Collect(ctx context.Context) (*Report, error) {
	endpoints, err := c.registry.Endpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}

	results := make([]Result, len(endpoints))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, endpoint := range endpoints {
		g.Go(func() error {
			results[i] = Result{Endpoint: endpoint}
			p, err := c.fetch(gctx, endpoint)
			if err != nil {
				c.logger.Warn("profile fetch failed",
					slog.String("endpoint", endpoint),
					slog.String("error", err.Error()))
				results[i].Error = err.Error()
				return nil
			}
			results[i].Profile = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{CollectedAt: time.Now().UTC(), Results: results}
	for _, r := range results {
		if r.Profile != nil {
			report.Reachable++
			report.TotalKWh += r.Profile.CurrentEnergyKWh
		}
	}
	c.logger.Debug("profiles collected",
		slog.Int("endpoints", len(endpoints)),
		slog.Int("reachable", report.Reachable))
	return report, nil
}

// Profile returns the profile of one agent, searching all registered
// endpoints.
func (c *Collector) Profile(ctx context.Context, agentID string) (*domain.AgentProfile, error) {
	report, err := c.Collect(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range report.Results {
		if r.Profile != nil && r.Profile.AgentID == agentID {
			return r.Profile, nil
		}
	}
	return nil, domain.NewProtocolError(domain.ErrorTypeNotFound,
		fmt.Sprintf("agent %q not found among %d registered endpoints", agentID, len(report.Results)))
}

func (c *Collector) fetch(ctx context.Context, endpoint string) (*domain.AgentProfile, error) {
	target := strings.TrimSuffix(endpoint, "/") + "/profile"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.ErrUnreachable(target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrUnreachable(target, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.ErrUnreachable(target, fmt.Errorf("status %d", resp.StatusCode))
	}

	var p domain.AgentProfile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, domain.ErrMalformed("invalid profile from " + target).WithCause(err)
	}
	return &p, nil
}
