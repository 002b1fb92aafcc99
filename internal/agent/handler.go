// Package agent exposes one trading agent over HTTP: the protocol actions
// addressed to it and read-only views of its state.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/gridtrade/internal/collector"
	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/negotiation"
	"github.com/tjfontaine/gridtrade/internal/profile"
	"github.com/tjfontaine/gridtrade/internal/server"
	"github.com/tjfontaine/gridtrade/internal/storage"
)

const (
	defaultContractLimit = 50
	maxContractLimit     = 500
)

// Negotiator processes inbound envelopes.
type Negotiator interface {
	Handle(ctx context.Context, env *domain.Envelope) error
	Transactions(txID string) []negotiation.Transaction
}

// ProfileCollector gathers profiles of other agents.
type ProfileCollector interface {
	Collect(ctx context.Context) (*collector.Report, error)
	Profile(ctx context.Context, agentID string) (*domain.AgentProfile, error)
}

// Option configures the handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithCollector enables the /admin/profiles routes.
func WithCollector(c ProfileCollector) Option {
	return func(h *Handler) {
		h.collector = c
	}
}

// Handler serves one agent.
type Handler struct {
	profile   *profile.Store
	engine    Negotiator
	contracts storage.ContractStore
	collector ProfileCollector
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewHandler creates a handler for the agent owning p.
func NewHandler(p *profile.Store, engine Negotiator, contracts storage.ContractStore, opts ...Option) *Handler {
	h := &Handler{
		profile:   p,
		engine:    engine,
		contracts: contracts,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Mount registers the agent routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/profile", h.HandleProfile)
	r.Get("/contracts", h.HandleContracts)
	r.Get("/transactions/{transactionID}", h.HandleTransaction)
	if h.collector != nil {
		r.Get("/admin/profiles", h.HandleCollect)
		r.Get("/admin/profiles/{agentID}", h.HandleAgentProfile)
	}
	r.Post("/{action}", h.HandleAction)
}

// Wait blocks until every accepted envelope has been processed.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// HandleAction acknowledges a protocol message and processes it in the
// background. Only malformed messages are refused synchronously; protocol
// outcomes travel back as callbacks.
func (h *Handler) HandleAction(w http.ResponseWriter, r *http.Request) {
	action, ok := domain.ParseAction(chi.URLParam(r, "action"))
	if !ok {
		server.WriteError(w, r, domain.NewProtocolError(domain.ErrorTypeNotFound,
			"unknown action "+strconv.Quote(chi.URLParam(r, "action"))))
		return
	}

	var env domain.Envelope
	if err := server.DecodeJSON(r, &env); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if env.Context.Action != action {
		server.WriteError(w, r, domain.ErrMalformed(
			"context action "+strconv.Quote(string(env.Context.Action))+" does not match path "+string(action)))
		return
	}
	if err := env.Validate(); err != nil {
		server.WriteError(w, r, err)
		return
	}

	server.AddLogField(r.Context(), "transaction_id", env.Context.TransactionID)
	server.AddLogField(r.Context(), "action", string(action))

	ctx := context.WithoutCancel(r.Context())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.engine.Handle(ctx, &env); err != nil {
			level := slog.LevelWarn
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) ||
				errors.Is(err, domain.ErrDuplicateConfirmation) {
				level = slog.LevelInfo
			}
			h.logger.Log(ctx, level, "envelope rejected",
				slog.String("transaction_id", env.Context.TransactionID),
				slog.String("action", string(action)),
				slog.String("error", err.Error()))
		}
	}()

	server.WriteJSON(w, http.StatusOK, domain.NewAck())
}

// HandleProfile returns this agent's profile.
func (h *Handler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, h.profile.Snapshot())
}

// ContractsResponse is returned by GET /contracts.
type ContractsResponse struct {
	AgentID   string            `json:"agent_id"`
	Contracts []domain.Contract `json:"contracts"`
}

// HandleContracts lists archived contracts, newest first.
func (h *Handler) HandleContracts(w http.ResponseWriter, r *http.Request) {
	limit := defaultContractLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			server.WriteError(w, r, domain.ErrMalformed("limit must be a positive integer"))
			return
		}
		limit = min(n, maxContractLimit)
	}

	agentID := h.profile.AgentID()
	contracts, err := h.contracts.ListContracts(r.Context(), agentID, limit)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	if contracts == nil {
		contracts = []domain.Contract{}
	}
	server.WriteJSON(w, http.StatusOK, ContractsResponse{AgentID: agentID, Contracts: contracts})
}

// TransactionResponse is returned by GET /transactions/{id}.
type TransactionResponse struct {
	TransactionID string                    `json:"transaction_id"`
	Machines      []negotiation.Transaction `json:"machines"`
	Contract      *domain.Contract          `json:"contract,omitempty"`
}

// HandleTransaction returns the live machines for a transaction, plus its
// archived contract once confirmed. Evicted transactions are still found
// through the archive.
func (h *Handler) HandleTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "transactionID")
	server.AddLogField(r.Context(), "transaction_id", txID)

	resp := TransactionResponse{TransactionID: txID, Machines: h.engine.Transactions(txID)}

	contract, err := h.contracts.GetContract(r.Context(), txID)
	switch {
	case err == nil:
		resp.Contract = contract
	case !errors.Is(err, storage.ErrNotFound):
		server.WriteError(w, r, err)
		return
	}

	if len(resp.Machines) == 0 && resp.Contract == nil {
		server.WriteError(w, r, domain.NewProtocolError(domain.ErrorTypeNotFound,
			"transaction "+txID+" not found").WithTransaction(txID))
		return
	}
	server.WriteJSON(w, http.StatusOK, resp)
}

// HandleCollect reports the profiles of every registered agent.
func (h *Handler) HandleCollect(w http.ResponseWriter, r *http.Request) {
	report, err := h.collector.Collect(r.Context())
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, report)
}

// HandleAgentProfile returns another agent's profile through the registry.
func (h *Handler) HandleAgentProfile(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == h.profile.AgentID() {
		server.WriteJSON(w, http.StatusOK, h.profile.Snapshot())
		return
	}

	p, err := h.collector.Profile(r.Context(), agentID)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, p)
}
