package registry

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/server"
)

// RegisterRequest is the body of POST /register. BppURI is the field name
// older agents send.
type RegisterRequest struct {
	EndpointURI string `json:"endpoint_uri"`
	BppURI      string `json:"bpp_uri,omitempty"`
}

// RegisterResponse is returned by POST /register.
type RegisterResponse struct {
	Status      string `json:"status"`
	EndpointURI string `json:"endpoint_uri"`
	Created     bool   `json:"created"`
}

// EndpointsResponse is returned by GET /endpoints.
type EndpointsResponse struct {
	Endpoints []string `json:"endpoints"`
}

// Handler exposes a Registry over HTTP.
type Handler struct {
	registry *Registry
}

// NewHandler creates a handler for reg.
func NewHandler(reg *Registry) *Handler {
	return &Handler{registry: reg}
}

// Mount registers the registry routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/endpoints", h.HandleEndpoints)
	r.Post("/register", h.HandleRegister)
	r.Post("/search", h.HandleSearch)
}

// HandleEndpoints lists the registered endpoints.
func (h *Handler) HandleEndpoints(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, EndpointsResponse{Endpoints: h.registry.Endpoints()})
}

// HandleRegister adds an endpoint.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := server.DecodeJSON(r, &req); err != nil {
		server.WriteError(w, r, err)
		return
	}

	uri := req.EndpointURI
	if uri == "" {
		uri = req.BppURI
	}
	server.AddLogField(r.Context(), "endpoint_uri", uri)

	created, err := h.registry.Register(uri)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	server.WriteJSON(w, status, RegisterResponse{Status: "success", EndpointURI: uri, Created: created})
}

// HandleSearch acknowledges a search and broadcasts it in the background.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var env domain.Envelope
	if err := server.DecodeJSON(r, &env); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if env.Context.Action != domain.ActionSearch {
		server.WriteError(w, r, domain.ErrMalformed("registry only broadcasts search, got "+string(env.Context.Action)))
		return
	}
	if err := env.Validate(); err != nil {
		server.WriteError(w, r, err)
		return
	}

	server.AddLogField(r.Context(), "transaction_id", env.Context.TransactionID)
	h.registry.BroadcastSearch(r.Context(), &env)

	server.WriteJSON(w, http.StatusOK, domain.NewAck())
}
