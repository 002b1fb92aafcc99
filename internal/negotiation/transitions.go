package negotiation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/gridtrade/internal/domain"
)

// transitionFunc applies an inbound message to a machine whose lock is held
// and returns the reply to send once the lock is released.
type transitionFunc func(e *Engine, ctx context.Context, m *machine, env *domain.Envelope) (*outbound, error)

type transitionKey struct {
	side   Side
	state  State
	action domain.Action
}

// transitions is the complete set of accepted inbound messages. Anything not
// listed is an invalid transition and leaves the machine untouched.
var transitions = map[transitionKey]transitionFunc{
	{SideSeller, StateNone, domain.ActionSearch}:           (*Engine).sellerOffer,
	{SideSeller, StateOfferReceived, domain.ActionSelect}:  (*Engine).sellerSelect,
	{SideSeller, StateSelectedByBuyer, domain.ActionInit}:  (*Engine).sellerInit,
	{SideSeller, StateInitReceived, domain.ActionConfirm}:  (*Engine).sellerConfirm,
	{SideSeller, StateConfirmed, domain.ActionConfirm}:     (*Engine).sellerReconfirm,
	{SideBuyer, StateOffersOpen, domain.ActionOnSearch}:    (*Engine).buyerCollect,
	{SideBuyer, StateOfferSelected, domain.ActionOnSelect}: (*Engine).buyerInit,
	{SideBuyer, StateInitSent, domain.ActionOnInit}:        (*Engine).buyerConfirm,
	{SideBuyer, StateConfirmSent, domain.ActionOnConfirm}:  (*Engine).buyerSettle,
	{SideBuyer, StateConfirmed, domain.ActionOnConfirm}:    (*Engine).buyerDuplicateConfirm,
}

func newID() string {
	return uuid.NewString()
}

// referencesOffer checks that an order points at the given offer.
func referencesOffer(env *domain.Envelope, offer domain.EnergyOffer) bool {
	order := env.Message.Order
	if order == nil || order.Provider == nil || order.Provider.ID != offer.ProviderID {
		return false
	}
	for _, item := range order.Items {
		if item.ID != offer.OfferID {
			return false
		}
	}
	return true
}

func (e *Engine) wrongOffer(m *machine, action domain.Action) error {
	return domain.ErrMalformed(string(action) + " does not reference this agent's offer").
		WithTransaction(m.ctx.TransactionID)
}

func (e *Engine) sellerOffer(_ context.Context, m *machine, _ *domain.Envelope) (*outbound, error) {
	m.moveTo(StateOfferReceived)
	e.logger.Info("offer sent",
		slog.String("transaction_id", m.ctx.TransactionID),
		slog.String("buyer_id", m.ctx.BapID),
		slog.Float64("quantity_kwh", m.offer.QuantityKWh),
		slog.Float64("price_per_kwh", m.offer.PricePerKWh))
	return e.reply(m, domain.ActionOnSearch, domain.Message{
		Catalog: &domain.Catalog{Items: []domain.EnergyOffer{m.offer}},
	}, true), nil
}

func (e *Engine) sellerSelect(_ context.Context, m *machine, env *domain.Envelope) (*outbound, error) {
	if !referencesOffer(env, m.offer) {
		return nil, e.wrongOffer(m, domain.ActionSelect)
	}
	m.moveTo(StateSelectedByBuyer)
	return e.reply(m, domain.ActionOnSelect, domain.Message{Order: domain.OrderFor(m.offer)}, true), nil
}

func (e *Engine) sellerInit(_ context.Context, m *machine, env *domain.Envelope) (*outbound, error) {
	if !referencesOffer(env, m.offer) {
		return nil, e.wrongOffer(m, domain.ActionInit)
	}
	m.quote = &domain.Quote{Currency: "USD", Value: m.offer.QuantityKWh * m.offer.PricePerKWh}
	m.moveTo(StateInitReceived)

	order := domain.OrderFor(m.offer)
	order.Quote = m.quote
	return e.reply(m, domain.ActionOnInit, domain.Message{Order: order}, true), nil
}

// sellerConfirm debits the seller for its own recorded offer and contracts
// for the amount actually debited, which is less than the offer when the
// battery drained in between. Once the debit is applied the machine stays
// CONFIRMED even if on_confirm cannot be delivered.
func (e *Engine) sellerConfirm(ctx context.Context, m *machine, env *domain.Envelope) (*outbound, error) {
	if !referencesOffer(env, m.offer) {
		return nil, e.wrongOffer(m, domain.ActionConfirm)
	}

	entry, err := e.debitLocked(ctx, m)
	if err != nil {
		outcome := "ledger_error"
		if errors.Is(err, domain.ErrInsufficientSurplus) {
			outcome = "insufficient_surplus"
		}
		e.abortLocked(m, err, outcome)
		return nil, err
	}
	if entry.AppliedKWh < m.offer.QuantityKWh {
		e.logger.Warn("delivering less than offered",
			slog.String("transaction_id", m.ctx.TransactionID),
			slog.Float64("offered_kwh", m.offer.QuantityKWh),
			slog.Float64("applied_kwh", entry.AppliedKWh))
	}

	e.confirmLocked(ctx, m, domain.Contract{
		ContractID:        newID(),
		TransactionID:     m.ctx.TransactionID,
		BuyerID:           m.ctx.BapID,
		SellerID:          e.cfg.AgentID,
		AgreedQuantityKWh: entry.AppliedKWh,
		AgreedPricePerKWh: m.offer.PricePerKWh,
		ConfirmedAt:       time.Now().UTC(),
	})

	return e.reply(m, domain.ActionOnConfirm, e.confirmation(m), false), nil
}

// sellerReconfirm answers a repeated confirm with the same contract. The
// ledger sees the transaction id again and ignores it.
func (e *Engine) sellerReconfirm(ctx context.Context, m *machine, _ *domain.Envelope) (*outbound, error) {
	if _, err := e.ledger.Debit(ctx, e.cfg.AgentID, m.contract.AgreedQuantityKWh, m.contract.TransactionID); err != nil {
		return nil, err
	}
	e.logger.Info("confirmation repeated",
		slog.String("transaction_id", m.ctx.TransactionID),
		slog.String("buyer_id", m.ctx.BapID))
	return e.reply(m, domain.ActionOnConfirm, e.confirmation(m), false), nil
}

func (e *Engine) confirmation(m *machine) domain.Message {
	order := domain.OrderFor(m.offer)
	order.Quote = m.quote
	c := *m.contract
	order.Contract = &c
	return domain.Message{Order: order}
}

func (e *Engine) buyerCollect(_ context.Context, m *machine, env *domain.Envelope) (*outbound, error) {
	for _, item := range env.Message.Catalog.Items {
		if item.ProviderID != env.Context.BppID {
			continue
		}
		if m.book.Add(item) {
			m.uris[item.ProviderID] = env.Context.BppURI
			e.logger.Debug("offer received",
				slog.String("transaction_id", m.ctx.TransactionID),
				slog.String("seller_id", item.ProviderID),
				slog.Float64("quantity_kwh", item.QuantityKWh),
				slog.Float64("price_per_kwh", item.PricePerKWh))
		}
	}
	m.updatedAt = time.Now()
	return nil, nil
}

func (e *Engine) buyerInit(_ context.Context, m *machine, _ *domain.Envelope) (*outbound, error) {
	m.moveTo(StateInitSent)
	return e.reply(m, domain.ActionInit, domain.Message{Order: domain.OrderFor(m.offer)}, true), nil
}

func (e *Engine) buyerConfirm(_ context.Context, m *machine, env *domain.Envelope) (*outbound, error) {
	if order := env.Message.Order; order != nil && order.Quote != nil {
		q := *order.Quote
		m.quote = &q
	}
	m.moveTo(StateConfirmSent)
	return e.reply(m, domain.ActionConfirm, domain.Message{Order: domain.OrderFor(m.offer)}, true), nil
}

// buyerSettle credits the buyer with the contracted quantity, which is the
// seller's applied debit and never more than the selected offer. A contract
// that does not match the selected offer is rejected and the machine waits
// for a correct one or the watchdog.
func (e *Engine) buyerSettle(ctx context.Context, m *machine, env *domain.Envelope) (*outbound, error) {
	contract := *env.Message.Order.Contract
	if contract.BuyerID != e.cfg.AgentID ||
		contract.SellerID != m.offer.ProviderID ||
		!(contract.AgreedQuantityKWh > 0) ||
		contract.AgreedQuantityKWh > m.offer.QuantityKWh ||
		contract.AgreedPricePerKWh != m.offer.PricePerKWh {
		return nil, domain.ErrMalformed("contract does not match the selected offer").WithTransaction(m.ctx.TransactionID)
	}

	entry, err := e.ledger.Credit(ctx, e.cfg.AgentID, contract.AgreedQuantityKWh, contract.TransactionID)
	if err != nil {
		e.abortLocked(m, err, "ledger_error")
		return nil, err
	}
	if entry.AppliedKWh < contract.AgreedQuantityKWh {
		e.logger.Warn("credit clamped at capacity",
			slog.String("transaction_id", contract.TransactionID),
			slog.Float64("agreed_kwh", contract.AgreedQuantityKWh),
			slog.Float64("applied_kwh", entry.AppliedKWh))
	}
	e.confirmLocked(ctx, m, contract)
	return nil, nil
}

// buyerDuplicateConfirm leaves a confirmed machine untouched and reports the
// repeat.
func (e *Engine) buyerDuplicateConfirm(_ context.Context, m *machine, _ *domain.Envelope) (*outbound, error) {
	return nil, domain.NewProtocolError(domain.ErrorTypeDuplicateConfirmation,
		"transaction already settled").WithTransaction(m.ctx.TransactionID)
}
