// Package negotiation runs the search, select, init and confirm handshake on
// both the buying and the selling side of an agent.
package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/metrics"
	"github.com/tjfontaine/gridtrade/internal/profile"
	"github.com/tjfontaine/gridtrade/internal/storage"
)

const tracerName = "github.com/tjfontaine/gridtrade/internal/negotiation"

// Sender delivers an envelope point to point.
type Sender interface {
	Send(ctx context.Context, endpoint string, env *domain.Envelope) error
}

// Broadcaster hands a search to the registry.
type Broadcaster interface {
	BroadcastSearch(ctx context.Context, env *domain.Envelope) error
}

// Ledger applies confirmed contracts.
type Ledger interface {
	Credit(ctx context.Context, agentID string, quantityKWh float64, transactionID string) (domain.LedgerEntry, error)
	Debit(ctx context.Context, agentID string, quantityKWh float64, transactionID string) (domain.LedgerEntry, error)
}

// Config identifies the agent and bounds its negotiations.
type Config struct {
	AgentID  string
	AgentURL string

	// OfferWindow is how long a buyer collects offers before selecting.
	OfferWindow time.Duration
	// TransactionTTL bounds how long any machine may stay non-terminal, and
	// how long terminal machines are kept for inspection.
	TransactionTTL time.Duration
}

// Policy holds the seller parameters that may change at runtime.
type Policy struct {
	LotKWh             float64
	ReserveKWh         float64
	OfflineProbability float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithContractStore archives confirmed contracts.
func WithContractStore(store storage.ContractStore) Option {
	return func(e *Engine) {
		e.contracts = store
	}
}

// WithRandom replaces the source used to simulate being offline.
func WithRandom(fn func() float64) Option {
	return func(e *Engine) {
		e.random = fn
	}
}

// Engine owns every negotiation machine of one agent.
//
// Lock order: Engine.mu, then a machine lock, then resMu. resMu may be held
// while calling into the ledger and the profile store.
type Engine struct {
	cfg         Config
	profile     *profile.Store
	ledger      Ledger
	sender      Sender
	broadcaster Broadcaster
	contracts   storage.ContractStore
	policy      atomic.Pointer[Policy]
	random      func() float64
	logger      *slog.Logger
	tracer      trace.Tracer

	mu       sync.Mutex
	machines map[machineKey]*machine
	buyerTx  string

	// reservedKWh is surplus promised in open seller offers.
	resMu       sync.Mutex
	reservedKWh float64
}

// New creates an engine for the agent owning p.
func New(cfg Config, p *profile.Store, ledger Ledger, sender Sender, broadcaster Broadcaster, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		profile:     p,
		ledger:      ledger,
		sender:      sender,
		broadcaster: broadcaster,
		random:      rand.Float64,
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		machines:    make(map[machineKey]*machine),
	}
	e.policy.Store(&policy)
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("agent_id", cfg.AgentID))
	return e
}

// SetPolicy replaces the seller policy.
func (e *Engine) SetPolicy(p Policy) {
	e.policy.Store(&p)
}

// Policy returns the active seller policy.
func (e *Engine) Policy() Policy {
	return *e.policy.Load()
}

// ActiveBuyer reports whether a purchase is still in flight.
func (e *Engine) ActiveBuyer() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeBuyerLocked()
}

func (e *Engine) activeBuyerLocked() bool {
	if e.buyerTx == "" {
		return false
	}
	m, ok := e.machines[machineKey{SideBuyer, e.buyerTx}]
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.state.Terminal()
}

// ReservedKWh returns the surplus held by open seller offers.
func (e *Engine) ReservedKWh() float64 {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	return e.reservedKWh
}

// reserve sets aside up to lot kWh of uncommitted surplus, capped at want
// when the buyer stated a need, and returns the amount set aside.
func (e *Engine) reserve(policy Policy, want float64) float64 {
	e.resMu.Lock()
	defer e.resMu.Unlock()

	snap := e.profile.Snapshot()
	qty := min(policy.LotKWh, snap.CurrentEnergyKWh-policy.ReserveKWh-e.reservedKWh)
	if want > 0 {
		qty = min(qty, want)
	}
	if !(qty > 0) {
		return 0
	}
	e.reservedKWh += qty
	return qty
}

// releaseLocked returns m's reservation. Called with m.mu held.
func (e *Engine) releaseLocked(m *machine) {
	if m.reservedKWh == 0 {
		return
	}
	e.resMu.Lock()
	e.reservedKWh = max(e.reservedKWh-m.reservedKWh, 0)
	e.resMu.Unlock()
	m.reservedKWh = 0
}

// debitLocked debits the seller for m's offer and releases its reservation
// under resMu, so a concurrent search never counts that energy as both
// reserved and available. Called with m.mu held.
func (e *Engine) debitLocked(ctx context.Context, m *machine) (domain.LedgerEntry, error) {
	e.resMu.Lock()
	defer e.resMu.Unlock()

	if e.profile.Snapshot().CurrentEnergyKWh <= 0 {
		return domain.LedgerEntry{}, domain.NewProtocolError(domain.ErrorTypeInsufficientSurplus,
			"no energy left to deliver").WithTransaction(m.ctx.TransactionID)
	}
	entry, err := e.ledger.Debit(ctx, e.cfg.AgentID, m.offer.QuantityKWh, m.ctx.TransactionID)
	if err != nil {
		return entry, err
	}
	e.reservedKWh = max(e.reservedKWh-m.reservedKWh, 0)
	m.reservedKWh = 0
	return entry, nil
}

// StartPurchase opens a buyer transaction and broadcasts its search. At most
// one purchase is in flight at a time. The transaction id is returned even
// when the broadcast fails and the machine is aborted.
func (e *Engine) StartPurchase(ctx context.Context) (string, error) {
	ctx, span := e.tracer.Start(ctx, "negotiation.start_purchase")
	defer span.End()

	snap := e.profile.Snapshot()
	c := domain.NewContext(e.cfg.AgentID, e.cfg.AgentURL)
	m := newMachine(SideBuyer, c, time.Now())

	e.mu.Lock()
	if e.activeBuyerLocked() {
		active := e.buyerTx
		e.mu.Unlock()
		err := domain.NewProtocolError(domain.ErrorTypeInvalidTransition, "a purchase is already in flight").WithTransaction(active)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	e.machines[machineKey{SideBuyer, c.TransactionID}] = m
	e.buyerTx = c.TransactionID
	e.mu.Unlock()

	span.SetAttributes(attribute.String("transaction_id", c.TransactionID))
	metrics.RecordNegotiationStarted(e.cfg.AgentID, string(SideBuyer))

	env := &domain.Envelope{
		Context: c,
		Message: domain.Message{Intent: &domain.Intent{
			Descriptor:  "energy",
			QuantityKWh: snap.MaxCapacityKWh - snap.CurrentEnergyKWh,
		}},
	}

	// Offers may arrive before BroadcastSearch returns, so the window opens first.
	m.mu.Lock()
	m.moveTo(StateOffersOpen)
	txID := c.TransactionID
	m.window = time.AfterFunc(e.cfg.OfferWindow, func() { e.closeWindow(txID) })
	m.mu.Unlock()

	e.logger.Info("purchase started",
		slog.String("transaction_id", txID),
		slog.Float64("current_energy_kwh", snap.CurrentEnergyKWh),
		slog.Duration("offer_window", e.cfg.OfferWindow))

	if err := e.broadcaster.BroadcastSearch(ctx, env); err != nil {
		m.mu.Lock()
		e.abortLocked(m, err, "unreachable")
		m.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return txID, err
	}
	return txID, nil
}

// Handle processes one inbound envelope. Outbound replies are sent before it
// returns, so callers run it off the request goroutine.
func (e *Engine) Handle(ctx context.Context, env *domain.Envelope) error {
	action := env.Context.Action
	txID := env.Context.TransactionID

	ctx, span := e.tracer.Start(ctx, "negotiation."+string(action),
		trace.WithAttributes(
			attribute.String("transaction_id", txID),
			attribute.String("bap_id", env.Context.BapID),
			attribute.String("bpp_id", env.Context.BppID),
		))
	defer span.End()

	err := e.handle(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) handle(ctx context.Context, env *domain.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	action := env.Context.Action
	txID := env.Context.TransactionID
	side := SideSeller
	if action.IsCallback() {
		side = SideBuyer
	}

	var m *machine
	if action == domain.ActionSearch {
		var ok bool
		if m, ok = e.admitSearch(env); !ok {
			return nil
		}
	} else {
		m = e.lookup(side, txID)
		if m == nil {
			return domain.NewProtocolError(domain.ErrorTypeNotFound,
				fmt.Sprintf("no %s transaction for %s", side, action)).WithTransaction(txID)
		}
	}

	m.mu.Lock()
	if !m.counterpartyMatches(env.Context) {
		m.mu.Unlock()
		return domain.NewProtocolError(domain.ErrorTypeInvalidTransition,
			fmt.Sprintf("%s from unexpected counterparty", action)).WithTransaction(txID)
	}
	fn, ok := transitions[transitionKey{side, m.state, action}]
	if !ok {
		state := m.state
		m.mu.Unlock()
		return domain.NewProtocolError(domain.ErrorTypeInvalidTransition,
			fmt.Sprintf("%s machine in state %q does not accept %s", side, state, action)).WithTransaction(txID)
	}
	out, err := fn(e, ctx, m, env)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if out != nil {
		return e.send(ctx, m, out)
	}
	return nil
}

// admitSearch decides whether to answer a search and, if so, registers a
// seller machine carrying the offer and reserves its quantity until the
// machine confirms or aborts. Declines are silent.
func (e *Engine) admitSearch(env *domain.Envelope) (*machine, bool) {
	c := env.Context
	decline := func(reason string) (*machine, bool) {
		metrics.RecordSearchDecision(e.cfg.AgentID, reason)
		e.logger.Debug("search declined",
			slog.String("transaction_id", c.TransactionID),
			slog.String("bap_id", c.BapID),
			slog.String("reason", reason))
		return nil, false
	}

	if c.BapID == e.cfg.AgentID {
		return decline("own_search")
	}
	policy := e.Policy()
	if e.random() < policy.OfflineProbability {
		return decline("offline")
	}
	snap := e.profile.Snapshot()
	if snap.Role != domain.RoleSeller {
		return decline("not_seller")
	}
	var want float64
	if env.Message.Intent != nil {
		want = env.Message.Intent.QuantityKWh
	}

	key := machineKey{SideSeller, c.TransactionID}
	e.mu.Lock()
	if existing, ok := e.machines[key]; ok {
		e.mu.Unlock()
		// A repeated search is dispatched against the existing machine and
		// rejected there.
		return existing, true
	}
	qty := e.reserve(policy, want)
	if qty == 0 {
		e.mu.Unlock()
		return decline(string(domain.ErrorTypeInsufficientSurplus))
	}

	now := time.Now()
	m := newMachine(SideSeller, c.WithCounterparty(e.cfg.AgentID, e.cfg.AgentURL), now)
	m.offer = domain.EnergyOffer{
		OfferID:     newID(),
		ProviderID:  e.cfg.AgentID,
		QuantityKWh: qty,
		PricePerKWh: snap.PricePerKWh,
		ValidUntil:  now.Add(e.cfg.TransactionTTL).UTC(),
	}
	m.reservedKWh = qty
	e.machines[key] = m
	e.mu.Unlock()

	metrics.RecordSearchDecision(e.cfg.AgentID, "offered")
	metrics.RecordNegotiationStarted(e.cfg.AgentID, string(SideSeller))
	return m, true
}

func (e *Engine) lookup(side Side, txID string) *machine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machines[machineKey{side, txID}]
}

// closeWindow ends offer collection for a buyer transaction and selects the
// winner.
func (e *Engine) closeWindow(txID string) {
	m := e.lookup(SideBuyer, txID)
	if m == nil {
		return
	}

	ctx, span := e.tracer.Start(context.Background(), "negotiation.close_window",
		trace.WithAttributes(attribute.String("transaction_id", txID)))
	defer span.End()

	m.mu.Lock()
	if m.state != StateOffersOpen {
		m.mu.Unlock()
		return
	}
	m.window = nil

	winner, ok := m.book.Close()
	if !ok {
		e.abortLocked(m, domain.NewProtocolError(domain.ErrorTypeNoOffersReceived,
			"offer window closed without offers").WithTransaction(txID), "no_offers")
		m.mu.Unlock()
		return
	}

	m.offer = winner
	m.ctx = m.ctx.WithCounterparty(winner.ProviderID, m.uris[winner.ProviderID])
	m.moveTo(StateOfferSelected)
	out := e.reply(m, domain.ActionSelect, domain.Message{Order: domain.OrderFor(winner)}, true)
	m.mu.Unlock()

	e.logger.Info("offer selected",
		slog.String("transaction_id", txID),
		slog.String("seller_id", winner.ProviderID),
		slog.Float64("quantity_kwh", winner.QuantityKWh),
		slog.Float64("price_per_kwh", winner.PricePerKWh),
		slog.Int("offers", m.book.Len()))

	if err := e.send(ctx, m, out); err != nil {
		span.RecordError(err)
	}
}

// outbound is a reply prepared under the machine lock and sent after it is
// released.
type outbound struct {
	endpoint    string
	env         *domain.Envelope
	expect      State
	abortOnFail bool
}

// reply builds the next message of m's handshake, addressed to the
// counterparty. Called with m.mu held.
func (e *Engine) reply(m *machine, action domain.Action, msg domain.Message, abortOnFail bool) *outbound {
	endpoint := m.ctx.BppURI
	if m.side == SideSeller {
		endpoint = m.ctx.BapURI
	}
	return &outbound{
		endpoint:    endpoint,
		env:         &domain.Envelope{Context: m.ctx.Next(action), Message: msg},
		expect:      m.state,
		abortOnFail: abortOnFail,
	}
}

func (e *Engine) send(ctx context.Context, m *machine, out *outbound) error {
	err := e.sender.Send(ctx, out.endpoint, out.env)
	if err == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if out.abortOnFail && m.state == out.expect {
		e.abortLocked(m, err, "unreachable")
		return err
	}
	e.logger.Error("delivery failed after commit",
		slog.String("transaction_id", out.env.Context.TransactionID),
		slog.String("action", string(out.env.Context.Action)),
		slog.String("state", string(m.state)),
		slog.String("error", err.Error()))
	return err
}

// abortLocked moves m to ABORTED. Called with m.mu held.
func (e *Engine) abortLocked(m *machine, cause error, outcome string) {
	if m.state.Terminal() {
		return
	}
	from := m.state
	m.stopWindow()
	e.releaseLocked(m)
	m.moveTo(StateAborted)
	m.err = cause.Error()
	metrics.RecordNegotiationFinished(e.cfg.AgentID, string(m.side), outcome)
	e.logger.Warn("negotiation aborted",
		slog.String("transaction_id", m.ctx.TransactionID),
		slog.String("side", string(m.side)),
		slog.String("from_state", string(from)),
		slog.String("error", m.err))
}

// confirmLocked moves m to CONFIRMED and archives its contract. Called with
// m.mu held.
func (e *Engine) confirmLocked(ctx context.Context, m *machine, contract domain.Contract) {
	m.contract = &contract
	e.releaseLocked(m)
	m.moveTo(StateConfirmed)
	metrics.RecordNegotiationFinished(e.cfg.AgentID, string(m.side), "confirmed")

	if e.contracts != nil {
		if err := e.contracts.SaveContract(ctx, contract); err != nil {
			e.logger.Error("failed to archive contract",
				slog.String("transaction_id", contract.TransactionID),
				slog.String("error", err.Error()))
		}
	}

	e.logger.Info("negotiation confirmed",
		slog.String("transaction_id", contract.TransactionID),
		slog.String("side", string(m.side)),
		slog.String("buyer_id", contract.BuyerID),
		slog.String("seller_id", contract.SellerID),
		slog.Float64("quantity_kwh", contract.AgreedQuantityKWh),
		slog.Float64("price_per_kwh", contract.AgreedPricePerKWh))
}

// Transactions returns the machines for txID on either side.
func (e *Engine) Transactions(txID string) []Transaction {
	var ms []*machine
	e.mu.Lock()
	for _, side := range []Side{SideBuyer, SideSeller} {
		if m, ok := e.machines[machineKey{side, txID}]; ok {
			ms = append(ms, m)
		}
	}
	e.mu.Unlock()

	out := make([]Transaction, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.snapshot())
	}
	return out
}

// Sweep aborts machines that outlived the transaction TTL and evicts
// terminal machines older than it. It returns how many machines it aborted
// and evicted.
func (e *Engine) Sweep(now time.Time) (aborted, evicted int) {
	e.mu.Lock()
	snapshot := make(map[machineKey]*machine, len(e.machines))
	for k, m := range e.machines {
		snapshot[k] = m
	}
	e.mu.Unlock()

	ttl := e.cfg.TransactionTTL
	var stale []machineKey
	for k, m := range snapshot {
		m.mu.Lock()
		switch {
		case !m.state.Terminal() && now.Sub(m.createdAt) > ttl:
			e.abortLocked(m, fmt.Errorf("transaction ttl %s exceeded in state %s", ttl, m.state), "expired")
			aborted++
		case m.state.Terminal() && now.Sub(m.updatedAt) > ttl:
			stale = append(stale, k)
		}
		m.mu.Unlock()
	}

	if len(stale) > 0 {
		e.mu.Lock()
		for _, k := range stale {
			delete(e.machines, k)
		}
		e.mu.Unlock()
		evicted = len(stale)
	}

	if aborted > 0 || evicted > 0 {
		e.logger.Info("negotiation sweep",
			slog.Int("aborted", aborted),
			slog.Int("evicted", evicted))
	}
	return aborted, evicted
}

// RunWatchdog sweeps every interval until ctx is done.
func (e *Engine) RunWatchdog(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			e.Sweep(now)
		}
	}
}

// Close stops pending offer windows.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.machines {
		m.mu.Lock()
		m.stopWindow()
		m.mu.Unlock()
	}
}
