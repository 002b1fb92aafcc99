package negotiation

import (
	"sync"
	"time"

	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/offers"
)

// Side says which half of the handshake a machine runs.
type Side string

const (
	SideBuyer  Side = "buyer"
	SideSeller Side = "seller"
)

// State is a negotiation state. Buyer and seller machines use disjoint
// states except for the terminal ones.
type State string

const (
	// StateNone is the state of a seller machine that has not answered its
	// search yet.
	StateNone State = ""

	StateInitiated     State = "INITIATED"
	StateOffersOpen    State = "OFFERS_OPEN"
	StateOfferSelected State = "OFFER_SELECTED"
	StateInitSent      State = "INIT_SENT"
	StateConfirmSent   State = "CONFIRM_SENT"

	StateOfferReceived   State = "OFFER_RECEIVED"
	StateSelectedByBuyer State = "SELECTED_BY_BUYER"
	StateInitReceived    State = "INIT_RECEIVED"

	StateConfirmed State = "CONFIRMED"
	StateAborted   State = "ABORTED"
)

// Terminal reports whether no further transition is possible, apart from
// duplicate confirmations.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateAborted
}

type machineKey struct {
	side Side
	txID string
}

// machine is the state of one transaction on one side. Every field is
// guarded by mu.
type machine struct {
	mu sync.Mutex

	side  Side
	state State
	ctx   domain.Context

	// Buyer: offers collected during the window and where each provider
	// answers.
	book *offers.Book
	uris map[string]string

	// Buyer: the selected offer. Seller: its own offer.
	offer    domain.EnergyOffer
	quote    *domain.Quote
	contract *domain.Contract

	// Seller: surplus still held for the offer.
	reservedKWh float64

	err       string
	createdAt time.Time
	updatedAt time.Time
	window    *time.Timer
}

func newMachine(side Side, ctx domain.Context, now time.Time) *machine {
	m := &machine{
		side:      side,
		ctx:       ctx,
		createdAt: now,
		updatedAt: now,
	}
	if side == SideBuyer {
		m.state = StateInitiated
		m.book = offers.NewBook()
		m.uris = make(map[string]string)
	}
	return m
}

func (m *machine) moveTo(s State) {
	m.state = s
	m.updatedAt = time.Now()
}

func (m *machine) stopWindow() {
	if m.window != nil {
		m.window.Stop()
		m.window = nil
	}
}

// counterpartyMatches checks that an inbound message comes from the party
// this machine negotiates with.
func (m *machine) counterpartyMatches(c domain.Context) bool {
	if m.side == SideSeller {
		return c.BapID == m.ctx.BapID
	}
	if c.BapID != m.ctx.BapID {
		return false
	}
	return m.ctx.BppID == "" || c.BppID == m.ctx.BppID
}

// Transaction is a read-only view of a machine.
type Transaction struct {
	TransactionID  string              `json:"transaction_id"`
	Side           Side                `json:"side"`
	State          State               `json:"state"`
	Counterparty   string              `json:"counterparty,omitempty"`
	OffersReceived int                 `json:"offers_received,omitempty"`
	Offer          *domain.EnergyOffer `json:"offer,omitempty"`
	Quote          *domain.Quote       `json:"quote,omitempty"`
	Contract       *domain.Contract    `json:"contract,omitempty"`
	Error          string              `json:"error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func (m *machine) snapshot() Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := Transaction{
		TransactionID: m.ctx.TransactionID,
		Side:          m.side,
		State:         m.state,
		Error:         m.err,
		CreatedAt:     m.createdAt,
		UpdatedAt:     m.updatedAt,
	}
	if m.side == SideBuyer {
		t.Counterparty = m.ctx.BppID
		t.OffersReceived = m.book.Len()
	} else {
		t.Counterparty = m.ctx.BapID
	}
	if m.offer.Valid() {
		o := m.offer
		t.Offer = &o
	}
	if m.quote != nil {
		q := *m.quote
		t.Quote = &q
	}
	if m.contract != nil {
		c := *m.contract
		t.Contract = &c
	}
	return t
}
