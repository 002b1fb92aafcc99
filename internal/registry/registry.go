// Package registry keeps the set of trading endpoints and fans searches out
// to all of them.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/metrics"
)

const defaultDeliveryTimeout = 10 * time.Second

// Sender delivers one envelope to one endpoint.
type Sender interface {
	Send(ctx context.Context, endpoint string, env *domain.Envelope) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithDeliveryTimeout bounds each fan-out delivery.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Registry is an insertion-ordered set of endpoint URIs. Entries are never
// removed.
type Registry struct {
	mu        sync.RWMutex
	endpoints []string
	index     map[string]struct{}

	sender  Sender
	timeout time.Duration
	logger  *slog.Logger

	inflight sync.WaitGroup
}

// New creates an empty registry that broadcasts through sender.
func New(sender Sender, opts ...Option) *Registry {
	r := &Registry{
		index:   make(map[string]struct{}),
		sender:  sender,
		timeout: defaultDeliveryTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an endpoint. Registering a known endpoint is a no-op; the
// boolean reports whether the endpoint was new.
func (r *Registry) Register(endpointURI string) (bool, error) {
	uri := strings.TrimSuffix(strings.TrimSpace(endpointURI), "/")
	if uri == "" {
		return false, domain.ErrMalformed("endpoint_uri is required")
	}
	if u, err := url.Parse(uri); err != nil || u.Scheme == "" || u.Host == "" {
		return false, domain.ErrMalformed(fmt.Sprintf("endpoint_uri %q is not an absolute URI", endpointURI))
	}

	r.mu.Lock()
	if _, ok := r.index[uri]; ok {
		r.mu.Unlock()
		return false, nil
	}
	r.index[uri] = struct{}{}
	r.endpoints = append(r.endpoints, uri)
	n := len(r.endpoints)
	r.mu.Unlock()

	metrics.RegistryEndpoints.Set(float64(n))
	r.logger.Info("endpoint registered",
		slog.String("endpoint_uri", uri),
		slog.Int("endpoints", n))
	return true, nil
}

// Endpoints returns the registered endpoints in registration order.
func (r *Registry) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// BroadcastSearch forwards env to every registered endpoint and returns
// without waiting. Each delivery runs on its own goroutine with a context
// detached from ctx; failures are logged and counted only. It returns the
// number of endpoints targeted.
func (r *Registry) BroadcastSearch(ctx context.Context, env *domain.Envelope) int {
	targets := r.Endpoints()
	detached := context.WithoutCancel(ctx)

	r.logger.Info("broadcasting search",
		slog.String("transaction_id", env.Context.TransactionID),
		slog.String("bap_id", env.Context.BapID),
		slog.Int("endpoints", len(targets)))

	msg := *env
	for _, endpoint := range targets {
		r.inflight.Add(1)
		go r.deliver(detached, endpoint, &msg)
	}
	return len(targets)
}

func (r *Registry) deliver(ctx context.Context, endpoint string, env *domain.Envelope) {
	defer r.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.sender.Send(ctx, endpoint, env)
	metrics.RecordBroadcastDelivery(err == nil)
	if err != nil {
		r.logger.Warn("search delivery failed",
			slog.String("transaction_id", env.Context.TransactionID),
			slog.String("endpoint_uri", endpoint),
			slog.String("error", err.Error()))
	}
}

// Wait blocks until every in-flight delivery has finished.
func (r *Registry) Wait() {
	r.inflight.Wait()
}
