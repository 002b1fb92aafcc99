package domain

import (
	"fmt"
	"net/url"
)

// Envelope is the JSON document exchanged for every negotiation step.
type Envelope struct {
	Context Context `json:"context"`
	Message Message `json:"message"`
}

// Message carries the action specific payload. Only the field matching the
// context action is populated.
type Message struct {
	Intent  *Intent  `json:"intent,omitempty"`
	Catalog *Catalog `json:"catalog,omitempty"`
	Order   *Order   `json:"order,omitempty"`
	Ack     *Ack     `json:"ack,omitempty"`
}

// Intent describes what the buyer is looking for. An empty intent asks for
// any available energy.
type Intent struct {
	Descriptor  string  `json:"descriptor,omitempty"`
	QuantityKWh float64 `json:"quantity_kwh,omitempty"`
}

// Catalog lists the offers a seller makes in on_search.
type Catalog struct {
	Items []EnergyOffer `json:"items"`
}

// Order references the selected offer and, on confirmation, the contract.
type Order struct {
	Provider *OrderProvider `json:"provider,omitempty"`
	Items    []OrderItem    `json:"items,omitempty"`
	Quote    *Quote         `json:"quote,omitempty"`
	Contract *Contract      `json:"contract,omitempty"`
}

type OrderProvider struct {
	ID string `json:"id"`
}

type OrderItem struct {
	ID string `json:"id"`
}

// Quote is the seller's final price for the selected offer.
type Quote struct {
	Currency string  `json:"currency"`
	Value    float64 `json:"value"`
}

type Ack struct {
	Status string `json:"status"`
}

const AckStatus = "ACK"

// AckResponse is the immediate body returned for every accepted message.
type AckResponse struct {
	Message Message `json:"message"`
}

// NewAck builds the acknowledgment body.
func NewAck() AckResponse {
	return AckResponse{Message: Message{Ack: &Ack{Status: AckStatus}}}
}

// OrderFor builds the order block that references a selected offer.
func OrderFor(offer EnergyOffer) *Order {
	return &Order{
		Provider: &OrderProvider{ID: offer.ProviderID},
		Items:    []OrderItem{{ID: offer.OfferID}},
	}
}

// Validate checks the structural requirements of an inbound envelope. It does
// not look at negotiation state.
func (e *Envelope) Validate() error {
	c := e.Context
	if _, ok := ParseAction(string(c.Action)); !ok {
		return ErrMalformed(fmt.Sprintf("unknown action %q", c.Action))
	}
	if c.TransactionID == "" {
		return ErrMalformed("context.transaction_id is required")
	}
	if c.BapID == "" {
		return ErrMalformed("context.bap_id is required")
	}
	if err := validURI("context.bap_uri", c.BapURI); err != nil {
		return err
	}

	if c.Action.IsCallback() {
		if c.BppID == "" {
			return ErrMalformed("context.bpp_id is required for " + string(c.Action))
		}
		if err := validURI("context.bpp_uri", c.BppURI); err != nil {
			return err
		}
	}

	switch c.Action {
	case ActionOnSearch:
		if e.Message.Catalog == nil || len(e.Message.Catalog.Items) == 0 {
			return ErrMalformed("on_search requires message.catalog.items")
		}
		for _, item := range e.Message.Catalog.Items {
			if !item.Valid() {
				return ErrMalformed("on_search offer must have provider, positive quantity and price")
			}
		}
	case ActionOnConfirm:
		if e.Message.Order == nil || e.Message.Order.Contract == nil {
			return ErrMalformed("on_confirm requires message.order.contract")
		}
		ct := e.Message.Order.Contract
		if ct.TransactionID != c.TransactionID {
			return ErrMalformed("contract transaction_id does not match context")
		}
		if ct.AgreedQuantityKWh <= 0 || ct.AgreedPricePerKWh <= 0 {
			return ErrMalformed("contract must have positive quantity and price")
		}
	}
	return nil
}

func validURI(field, raw string) error {
	if raw == "" {
		return ErrMalformed(field + " is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ErrMalformed(fmt.Sprintf("%s %q is not an absolute URI", field, raw))
	}
	return nil
}
