package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// GenerateForPeriod creates the invoice for one org and one calendar
	// month through the same transactional path the reconciler uses.
	// Idempotent: an existing invoice for the period is returned as-is.
	GenerateForPeriod(ctx context.Context, orgID snowflake.ID, year, month int) (*Invoice, error)

	Get(ctx context.Context, invoiceID snowflake.ID) (*Invoice, error)
	List(ctx context.Context, req ListRequest) ([]Invoice, error)

	// RecordPayment applies a settled amount to the invoice, moving it to
	// PARTIALLY_PAID or PAID. Payment transactions are recorded by the
	// payment layer; this only mutates the invoice.
	RecordPayment(ctx context.Context, invoiceID snowflake.ID, amount int64, paidAt time.Time) (*Invoice, error)

	// ReconcileOnce walks the current month plus the trailing three and
	// ensures every postpaid org has exactly one invoice per period.
	// Returns the number of invoices generated.
	ReconcileOnce(ctx context.Context, batchSize int) (int, error)
	// RetryFailedOnce re-attempts FAILED generation logs whose backoff
	// window has passed. Returns the number of invoices generated.
	RetryFailedOnce(ctx context.Context, batchSize int) (int, error)
	// ProcessPendingPaymentsOnce re-runs payment processing for generated
	// invoices whose payment sub-status never reached a terminal state.
	ProcessPendingPaymentsOnce(ctx context.Context, batchSize int) (int, error)
}

// PaymentProcessor is the seam into the payment layer. Generation calls it
// after an invoice exists; a processing failure never reverts the log's
// SUCCESS status.
type PaymentProcessor interface {
	ProcessInvoicePayment(ctx context.Context, invoiceID snowflake.ID) error
}

type ListRequest struct {
	OrgID  snowflake.ID
	Status InvoiceStatus
	Limit  int
}
