// Package notification is the outbound messaging seam. The billing core
// only decides when to notify; delivery is behind the Notifier interface so
// an email or webhook sender can be swapped in without touching callers.
package notification

import (
	"context"

	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
)

type Notifier interface {
	// SendPaymentLink delivers the hosted payment link for a freshly
	// generated invoice to the org's billing contact.
	SendPaymentLink(ctx context.Context, invoice *invoicedomain.Invoice, email string) error

	// SendPreDueReminder warns that an invoice is approaching its due date.
	SendPreDueReminder(ctx context.Context, invoice *invoicedomain.Invoice, email string) error

	// SendOverdueReminder is sent at the dunning checkpoints after due date.
	SendOverdueReminder(ctx context.Context, invoice *invoicedomain.Invoice, email string, daysPastDue int) error

	// SendSuspensionNotice is sent once when the org crosses the suspension
	// threshold.
	SendSuspensionNotice(ctx context.Context, invoice *invoicedomain.Invoice, email string) error

	// SendReactivationNotice is sent when a suspended org settles its
	// outstanding invoices.
	SendReactivationNotice(ctx context.Context, invoice *invoicedomain.Invoice, email string) error
}
