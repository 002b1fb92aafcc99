package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestProtocolError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ProtocolError
		expected string
	}{
		{
			name:     "type and message",
			err:      ErrMalformed("bad body"),
			expected: "malformed_message: bad body",
		},
		{
			name:     "with transaction",
			err:      NewProtocolError(ErrorTypeNoOffersReceived, "window closed").WithTransaction("tx-1"),
			expected: "no_offers_received (tx tx-1): window closed",
		},
		{
			name:     "with cause",
			err:      ErrUnreachable("http://seller:8001", errors.New("connection refused")),
			expected: "unreachable_counterparty: cannot reach http://seller:8001: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestProtocolError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		errType  ErrorType
		expected int
	}{
		{ErrorTypeMalformedMessage, http.StatusBadRequest},
		{ErrorTypeNotFound, http.StatusNotFound},
		{ErrorTypeUnknownAgent, http.StatusNotFound},
		{ErrorTypeInvalidTransition, http.StatusConflict},
		{ErrorTypeUnreachableCounterparty, http.StatusBadGateway},
		{ErrorTypeNoOffersReceived, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := NewProtocolError(tt.errType, "x")
			if got := err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestProtocolError_Is(t *testing.T) {
	err := fmt.Errorf("closing window: %w", NewProtocolError(ErrorTypeNoOffersReceived, "empty").WithTransaction("tx-9"))

	if !errors.Is(err, ErrNoOffersReceived) {
		t.Error("errors.Is(err, ErrNoOffersReceived) = false, want true")
	}
	if errors.Is(err, ErrMalformedMessage) {
		t.Error("errors.Is(err, ErrMalformedMessage) = true, want false")
	}

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatal("errors.As() = false, want true")
	}
	if pe.TransactionID != "tx-9" {
		t.Errorf("TransactionID = %q, want tx-9", pe.TransactionID)
	}
}

func TestProtocolError_Unwrap(t *testing.T) {
	cause := errors.New("timeout")
	err := ErrUnreachable("http://x", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}
