package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
)

// ChargeRequest asks a gateway to collect an outstanding amount against a
// saved payment method, without payer interaction.
type ChargeRequest struct {
	OrgID              snowflake.ID
	InvoiceID          snowflake.ID
	InvoiceNumber      string
	Amount             int64
	Currency           string
	PaymentMethodToken string
}

type ChargeResult struct {
	ProviderRef string
	Status      string
}

// LinkRequest asks a gateway for a hosted page where the payer can settle
// the invoice manually.
type LinkRequest struct {
	OrgID         snowflake.ID
	InvoiceID     snowflake.ID
	InvoiceNumber string
	Amount        int64
	Currency      string
	Description   string
}

type LinkResult struct {
	ProviderRef string
	URL         string
}

// Gateway is one payment provider integration. Charge failures that mean
// the payer's instrument was declined return ErrChargeDeclined wrapped with
// the provider's reason; transport and auth problems return ErrProviderRequest.
type Gateway interface {
	Provider() string

	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)

	CreateLink(ctx context.Context, req LinkRequest) (*LinkResult, error)

	// Verify authenticates a webhook delivery against the provider's
	// signature scheme before anything in the payload is trusted.
	Verify(ctx context.Context, payload []byte, headers http.Header) error

	// ParseEvent maps a verified payload to a provider-neutral Event.
	// Deliveries of types the billing core does not act on return
	// ErrEventIgnored.
	ParseEvent(ctx context.Context, payload []byte) (*Event, error)
}
