package runtime

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/gridtrade/internal/config"
	"github.com/tjfontaine/gridtrade/internal/registry"
	"github.com/tjfontaine/gridtrade/internal/server"
	"github.com/tjfontaine/gridtrade/internal/transport"
)

// Registry is the discovery and broadcast process.
type Registry struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpClient *http.Client

	registry *registry.Registry
	server   *server.Server
}

// NewRegistry builds a registry process from cfg.
func NewRegistry(cfg *config.Config, opts ...RegistryOption) *Registry {
	r := &Registry{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	sendOpts := []transport.ClientOption{transport.WithLogger(r.logger)}
	if r.httpClient != nil {
		sendOpts = append(sendOpts, transport.WithHTTPClient(r.httpClient))
	}

	r.registry = registry.New(
		transport.NewClient(cfg.Registry.DeliveryTimeout, sendOpts...),
		registry.WithLogger(r.logger),
		registry.WithDeliveryTimeout(cfg.Registry.DeliveryTimeout),
	)
	r.server = server.New(cfg.Server.Port, cfg.Telemetry.ServiceName+"-registry", r.logger)
	registry.NewHandler(r.registry).Mount(r.server.Router)
	return r
}

// Router returns the registry's HTTP handler.
func (r *Registry) Router() http.Handler {
	return r.server.Router
}

// Run serves until ctx is done, then drains in-flight broadcasts.
func (r *Registry) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(r.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return r.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	r.registry.Wait()
	r.logger.Info("registry stopped", slog.Int("endpoints", len(r.registry.Endpoints())))
	return err
}
