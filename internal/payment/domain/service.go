package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
)

// Service drives collection for generated invoices. ProcessInvoicePayment
// implements the seam invoice generation calls after an invoice exists.
type Service interface {
	// ProcessInvoicePayment runs the auto-charge-then-link flow for one
	// invoice and records the payment sub-status on its generation log.
	ProcessInvoicePayment(ctx context.Context, invoiceID snowflake.ID) error

	// ApplyExternalPayment settles an invoice from a verified provider
	// event and updates the subscription's payment standing.
	ApplyExternalPayment(ctx context.Context, event *Event) error

	// ListTransactions returns the collection history for an invoice.
	ListTransactions(ctx context.Context, invoiceID snowflake.ID) ([]PaymentTransaction, error)
}

// Reactivator is the seam into dunning. After a payment settles an invoice
// the payer's access may need to be restored.
type Reactivator interface {
	ReactivateIfSettled(ctx context.Context, orgID snowflake.ID) error
}

// WebhookService ingests provider deliveries exactly once.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error

	// RetryFailedOnce re-processes stored webhook events whose handling
	// failed, honoring the per-event backoff. Returns the number processed.
	RetryFailedOnce(ctx context.Context, batchSize int) (int, error)
}
