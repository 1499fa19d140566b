package notification

import (
	"context"

	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
	"go.uber.org/zap"
)

// LogNotifier records every notification as a structured log line. It stands
// in until a real delivery channel is wired and keeps the dunning flow
// observable in development.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) Notifier {
	return &LogNotifier{log: log.Named("notification")}
}

func (n *LogNotifier) SendPaymentLink(ctx context.Context, invoice *invoicedomain.Invoice, email string) error {
	n.emit("payment_link", invoice, email,
		zap.String("payment_link_url", invoice.PaymentLinkURL),
	)
	return nil
}

func (n *LogNotifier) SendPreDueReminder(ctx context.Context, invoice *invoicedomain.Invoice, email string) error {
	n.emit("pre_due_reminder", invoice, email,
		zap.Time("due_date", invoice.DueDate),
	)
	return nil
}

func (n *LogNotifier) SendOverdueReminder(ctx context.Context, invoice *invoicedomain.Invoice, email string, daysPastDue int) error {
	n.emit("overdue_reminder", invoice, email,
		zap.Int("days_past_due", daysPastDue),
		zap.Int64("outstanding", invoice.Outstanding()),
	)
	return nil
}

func (n *LogNotifier) SendSuspensionNotice(ctx context.Context, invoice *invoicedomain.Invoice, email string) error {
	n.emit("suspension_notice", invoice, email,
		zap.Int64("outstanding", invoice.Outstanding()),
	)
	return nil
}

func (n *LogNotifier) SendReactivationNotice(ctx context.Context, invoice *invoicedomain.Invoice, email string) error {
	n.emit("reactivation_notice", invoice, email)
	return nil
}

func (n *LogNotifier) emit(kind string, invoice *invoicedomain.Invoice, email string, fields ...zap.Field) {
	if invoice == nil {
		return
	}
	base := []zap.Field{
		zap.String("kind", kind),
		zap.String("org_id", invoice.OrgID.String()),
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("email", email),
	}
	n.log.Info("notification sent", append(base, fields...)...)
}
