// Package domain holds the energy market model and the negotiation wire types
// shared by the registry and every trading agent.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// AgentType identifies what kind of participant an agent is.
type AgentType string

const (
	AgentTypeHousehold AgentType = "household"
	AgentTypeUtility   AgentType = "utility"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	return t == AgentTypeHousehold || t == AgentTypeUtility
}

// Role is the trading posture chosen by the role supervisor.
type Role string

const (
	RoleIdle   Role = "IDLE"
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

// AgentProfile is the mutable state owned by a single agent.
type AgentProfile struct {
	AgentID           string    `json:"agent_id"`
	AgentType         AgentType `json:"agent_type"`
	CurrentEnergyKWh  float64   `json:"current_energy_kwh"`
	MaxCapacityKWh    float64   `json:"max_capacity_kwh"`
	Role              Role      `json:"role"`
	PricePerKWh       float64   `json:"price_per_kwh"`
	TotalPurchasedKWh float64   `json:"total_purchased_kwh"`
	TotalSoldKWh      float64   `json:"total_sold_kwh"`
	TransactionCount  int       `json:"transaction_count"`
}

// StateOfCharge returns the stored energy as a percentage of capacity.
func (p AgentProfile) StateOfCharge() float64 {
	if p.MaxCapacityKWh <= 0 {
		return 0
	}
	return p.CurrentEnergyKWh / p.MaxCapacityKWh * 100
}

// Action is a negotiation message kind. Each request action has a matching
// callback prefixed with "on_".
type Action string

const (
	ActionSearch    Action = "search"
	ActionOnSearch  Action = "on_search"
	ActionSelect    Action = "select"
	ActionOnSelect  Action = "on_select"
	ActionInit      Action = "init"
	ActionOnInit    Action = "on_init"
	ActionConfirm   Action = "confirm"
	ActionOnConfirm Action = "on_confirm"
)

var actions = map[Action]bool{
	ActionSearch: true, ActionOnSearch: true,
	ActionSelect: true, ActionOnSelect: true,
	ActionInit: true, ActionOnInit: true,
	ActionConfirm: true, ActionOnConfirm: true,
}

// ParseAction validates s against the known actions.
func ParseAction(s string) (Action, bool) {
	a := Action(s)
	return a, actions[a]
}

// IsCallback reports whether the action is addressed to the buyer side.
func (a Action) IsCallback() bool {
	switch a {
	case ActionOnSearch, ActionOnSelect, ActionOnInit, ActionOnConfirm:
		return true
	}
	return false
}

const (
	ProtocolDomain  = "energy:p2p"
	ProtocolVersion = "1.0.0"
	DefaultTTL      = 60
)

// Context correlates every message of one negotiation. BAP fields describe
// the buyer that opened the transaction, BPP fields the seller answering it.
type Context struct {
	Domain        string    `json:"domain,omitempty"`
	Version       string    `json:"version,omitempty"`
	Action        Action    `json:"action"`
	TransactionID string    `json:"transaction_id"`
	MessageID     string    `json:"message_id,omitempty"`
	BapID         string    `json:"bap_id"`
	BapURI        string    `json:"bap_uri"`
	BppID         string    `json:"bpp_id,omitempty"`
	BppURI        string    `json:"bpp_uri,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	TTL           int       `json:"ttl,omitempty"`
}

// NewContext opens a new transaction on behalf of the buyer.
func NewContext(bapID, bapURI string) Context {
	return Context{
		Domain:        ProtocolDomain,
		Version:       ProtocolVersion,
		Action:        ActionSearch,
		TransactionID: uuid.NewString(),
		MessageID:     uuid.NewString(),
		BapID:         bapID,
		BapURI:        bapURI,
		Timestamp:     time.Now().UTC(),
		TTL:           DefaultTTL,
	}
}

// Next returns a copy of the context for the given action with a fresh
// message id. The transaction id never changes.
func (c Context) Next(action Action) Context {
	c.Action = action
	c.MessageID = uuid.NewString()
	c.Timestamp = time.Now().UTC()
	return c
}

// WithCounterparty returns a copy addressed to the given seller.
func (c Context) WithCounterparty(bppID, bppURI string) Context {
	c.BppID = bppID
	c.BppURI = bppURI
	return c
}

// EnergyOffer is a seller's answer to a search.
type EnergyOffer struct {
	OfferID     string    `json:"offer_id"`
	ProviderID  string    `json:"provider_id"`
	QuantityKWh float64   `json:"quantity_kwh"`
	PricePerKWh float64   `json:"price_per_kwh"`
	ValidUntil  time.Time `json:"valid_until,omitempty"`
}

// Valid reports whether the offer carries a positive quantity and price.
func (o EnergyOffer) Valid() bool {
	return o.ProviderID != "" && o.QuantityKWh > 0 && o.PricePerKWh > 0
}

// Contract is the terminal record of a confirmed negotiation.
type Contract struct {
	ContractID        string    `json:"contract_id"`
	TransactionID     string    `json:"transaction_id"`
	BuyerID           string    `json:"buyer_id"`
	SellerID          string    `json:"seller_id"`
	AgreedQuantityKWh float64   `json:"agreed_quantity_kwh"`
	AgreedPricePerKWh float64   `json:"agreed_price_per_kwh"`
	ConfirmedAt       time.Time `json:"confirmed_at"`
}

// TotalPrice is the contract value.
func (c Contract) TotalPrice() float64 {
	return c.AgreedQuantityKWh * c.AgreedPricePerKWh
}

// Direction marks which way energy moved in a ledger entry.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// LedgerEntry records one applied ledger mutation.
type LedgerEntry struct {
	TransactionID  string    `json:"transaction_id"`
	AgentID        string    `json:"agent_id"`
	Direction      Direction `json:"direction"`
	RequestedKWh   float64   `json:"requested_kwh"`
	AppliedKWh     float64   `json:"applied_kwh"`
	EnergyAfterKWh float64   `json:"energy_after_kwh"`
	CreatedAt      time.Time `json:"created_at"`

	// Duplicate is set on the copy returned for a repeated transaction id.
	Duplicate bool `json:"-"`
}
