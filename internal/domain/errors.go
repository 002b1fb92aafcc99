package domain

import (
	"fmt"
	"net/http"
)

// ErrorType represents the category of a negotiation failure.
type ErrorType string

const (
	// ErrorTypeMalformedMessage indicates an inbound message failed validation.
	ErrorTypeMalformedMessage ErrorType = "malformed_message"

	// ErrorTypeUnreachableCounterparty indicates a network failure or timeout
	// while contacting a specific endpoint.
	ErrorTypeUnreachableCounterparty ErrorType = "unreachable_counterparty"

	// ErrorTypeNoOffersReceived indicates the offer window closed empty.
	ErrorTypeNoOffersReceived ErrorType = "no_offers_received"

	// ErrorTypeInsufficientSurplus indicates a seller has nothing to offer.
	ErrorTypeInsufficientSurplus ErrorType = "insufficient_surplus"

	// ErrorTypeDuplicateConfirmation indicates a transaction was already applied.
	ErrorTypeDuplicateConfirmation ErrorType = "duplicate_confirmation"

	// ErrorTypeInvalidTransition indicates a message arrived in a state that
	// does not accept it.
	ErrorTypeInvalidTransition ErrorType = "invalid_transition"

	// ErrorTypeUnknownAgent indicates a ledger call for another agent.
	ErrorTypeUnknownAgent ErrorType = "unknown_agent"

	// ErrorTypeNotFound indicates a transaction or resource does not exist.
	ErrorTypeNotFound ErrorType = "not_found"
)

// ProtocolError is the canonical error raised by the negotiation core.
type ProtocolError struct {
	Type          ErrorType `json:"type"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Message       string    `json:"message"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.TransactionID != "" {
		msg = fmt.Sprintf("%s (tx %s): %s", e.Type, e.TransactionID, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is matches any ProtocolError of the same type, so callers can compare
// against the sentinel values below with errors.Is.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// HTTPStatusCode returns the status code used when the error is surfaced
// over HTTP.
func (e *ProtocolError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeMalformedMessage:
		return http.StatusBadRequest
	case ErrorTypeNotFound, ErrorTypeUnknownAgent:
		return http.StatusNotFound
	case ErrorTypeInvalidTransition, ErrorTypeDuplicateConfirmation:
		return http.StatusConflict
	case ErrorTypeUnreachableCounterparty:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithTransaction attaches the transaction id.
func (e *ProtocolError) WithTransaction(id string) *ProtocolError {
	e.TransactionID = id
	return e
}

// WithCause attaches the underlying error.
func (e *ProtocolError) WithCause(err error) *ProtocolError {
	e.Err = err
	return e
}

// NewProtocolError creates a new protocol error.
func NewProtocolError(errType ErrorType, message string) *ProtocolError {
	return &ProtocolError{Type: errType, Message: message}
}

// Sentinels for errors.Is.
var (
	ErrMalformedMessage        = &ProtocolError{Type: ErrorTypeMalformedMessage}
	ErrUnreachableCounterparty = &ProtocolError{Type: ErrorTypeUnreachableCounterparty}
	ErrNoOffersReceived        = &ProtocolError{Type: ErrorTypeNoOffersReceived}
	ErrInsufficientSurplus     = &ProtocolError{Type: ErrorTypeInsufficientSurplus}
	ErrDuplicateConfirmation   = &ProtocolError{Type: ErrorTypeDuplicateConfirmation}
	ErrInvalidTransition       = &ProtocolError{Type: ErrorTypeInvalidTransition}
	ErrUnknownAgent            = &ProtocolError{Type: ErrorTypeUnknownAgent}
	ErrNotFound                = &ProtocolError{Type: ErrorTypeNotFound}
)

// ErrMalformed creates a malformed message error.
func ErrMalformed(message string) *ProtocolError {
	return NewProtocolError(ErrorTypeMalformedMessage, message)
}

// ErrUnreachable creates an unreachable counterparty error for endpoint.
func ErrUnreachable(endpoint string, cause error) *ProtocolError {
	return NewProtocolError(ErrorTypeUnreachableCounterparty, "cannot reach "+endpoint).WithCause(cause)
}
