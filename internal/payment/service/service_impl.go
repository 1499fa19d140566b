package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/postbill/internal/audit/domain"
	prefdomain "github.com/smallbiznis/postbill/internal/billingpref/domain"
	"github.com/smallbiznis/postbill/internal/clock"
	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
	"github.com/smallbiznis/postbill/internal/notification"
	"github.com/smallbiznis/postbill/internal/observability/metrics"
	"github.com/smallbiznis/postbill/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/postbill/internal/payment/domain"
	subdomain "github.com/smallbiznis/postbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Registry    *adapters.Registry
	Prefs       prefdomain.Service
	Subs        subdomain.Service
	Audit       auditdomain.Service
	Notifier    notification.Notifier
	Reactivator paymentdomain.Reactivator `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	registry    *adapters.Registry
	prefs       prefdomain.Service
	subs        subdomain.Service
	audit       auditdomain.Service
	notifier    notification.Notifier
	reactivator paymentdomain.Reactivator
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		registry:    p.Registry,
		prefs:       p.Prefs,
		subs:        p.Subs,
		audit:       p.Audit,
		notifier:    p.Notifier,
		reactivator: p.Reactivator,
	}
}

// AsPaymentProcessor exposes the service behind the seam invoice generation
// depends on.
func AsPaymentProcessor(s *Service) invoicedomain.PaymentProcessor {
	return s
}

// AsService exposes the service behind the payment domain interface.
func AsService(s *Service) paymentdomain.Service {
	return s
}

// ProcessInvoicePayment runs the collection flow for one generated invoice:
// auto-charge the saved payment method when the org configured one, fall back
// to a hosted payment link otherwise or when the charge is declined. Every
// transition is recorded as the payment sub-status on the generation log.
func (s *Service) ProcessInvoicePayment(ctx context.Context, invoiceID snowflake.ID) error {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).Where("id = ?", invoiceID).First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return invoicedomain.ErrInvoiceNotFound
		}
		return err
	}
	if invoice.IsSettled() || invoice.Outstanding() <= 0 {
		return nil
	}

	pref, err := s.prefs.Lookup(ctx, invoice.OrgID)
	if err != nil {
		return err
	}
	if pref == nil {
		return fmt.Errorf("billing preference missing for org %s", invoice.OrgID.String())
	}

	gateway, err := s.registry.ForCurrency(invoice.Currency)
	if err != nil {
		return err
	}

	if pref.AutoPaymentConfigured() {
		charged, err := s.autoCharge(ctx, gateway, &invoice, pref)
		if err != nil {
			return err
		}
		if charged {
			return nil
		}
		// Declined; the payer settles through a link instead.
	}

	return s.sendPaymentLink(ctx, gateway, &invoice, pref)
}

// autoCharge returns true when the invoice was collected. A declined charge
// is not an error; it returns false so the caller falls back to a link.
func (s *Service) autoCharge(ctx context.Context, gateway paymentdomain.Gateway, invoice *invoicedomain.Invoice, pref *prefdomain.BillingPreference) (bool, error) {
	provider := gateway.Provider()
	amount := invoice.Outstanding()

	s.setPaymentStatus(ctx, invoice.ID, invoicedomain.PaymentStatusAutoCharging)

	result, err := gateway.Charge(ctx, paymentdomain.ChargeRequest{
		OrgID:              invoice.OrgID,
		InvoiceID:          invoice.ID,
		InvoiceNumber:      invoice.InvoiceNumber,
		Amount:             amount,
		Currency:           invoice.Currency,
		PaymentMethodToken: pref.PaymentMethodToken,
	})
	if err != nil {
		s.recordTransaction(ctx, invoice, provider, "", paymentdomain.TransactionKindCharge, paymentdomain.TransactionStatusFailed, amount, err.Error())
		s.setPaymentStatus(ctx, invoice.ID, invoicedomain.PaymentStatusAutoChargeFailed)
		metrics.Scheduler().IncPaymentAttempt(provider, "failure")

		if _, subErr := s.subs.RecordPaymentFailure(ctx, invoice.OrgID); subErr != nil {
			s.log.Error("failed to record payment failure on subscription",
				zap.String("org_id", invoice.OrgID.String()),
				zap.Error(subErr),
			)
		}
		s.log.Warn("auto-charge declined, falling back to payment link",
			zap.String("invoice_number", invoice.InvoiceNumber),
			zap.String("provider", provider),
			zap.Error(err),
		)

		if errors.Is(err, paymentdomain.ErrChargeDeclined) || errors.Is(err, paymentdomain.ErrNoPaymentMethod) {
			return false, nil
		}
		// Transport or config problems are retried by the pending-payment
		// sweep rather than burning the payer's link flow.
		return false, err
	}

	s.recordTransaction(ctx, invoice, provider, result.ProviderRef, paymentdomain.TransactionKindCharge, paymentdomain.TransactionStatusSucceeded, amount, "")

	settled, err := s.applySettlement(ctx, invoice.ID, amount)
	if err != nil {
		return false, err
	}

	s.setPaymentStatus(ctx, invoice.ID, invoicedomain.PaymentStatusAutoChargeSuccess)
	metrics.Scheduler().IncPaymentAttempt(provider, "success")
	s.emitAudit(ctx, "payment.auto_charge_succeeded", invoice, map[string]any{
		"provider":     provider,
		"provider_ref": result.ProviderRef,
		"amount":       amount,
	})

	if _, err := s.subs.RecordPaymentSuccess(ctx, invoice.OrgID); err != nil {
		s.log.Error("failed to record payment success on subscription",
			zap.String("org_id", invoice.OrgID.String()),
			zap.Error(err),
		)
	}
	if settled {
		s.reactivate(ctx, invoice.OrgID)
	}
	return true, nil
}

func (s *Service) sendPaymentLink(ctx context.Context, gateway paymentdomain.Gateway, invoice *invoicedomain.Invoice, pref *prefdomain.BillingPreference) error {
	provider := gateway.Provider()
	amount := invoice.Outstanding()

	s.setPaymentStatus(ctx, invoice.ID, invoicedomain.PaymentStatusLinkGenerating)

	link, err := gateway.CreateLink(ctx, paymentdomain.LinkRequest{
		OrgID:         invoice.OrgID,
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		Amount:        amount,
		Currency:      invoice.Currency,
		Description:   "Invoice " + invoice.InvoiceNumber,
	})
	if err != nil {
		s.recordTransaction(ctx, invoice, provider, "", paymentdomain.TransactionKindLink, paymentdomain.TransactionStatusFailed, amount, err.Error())
		s.setPaymentStatus(ctx, invoice.ID, invoicedomain.PaymentStatusLinkFailed)
		metrics.Scheduler().IncPaymentAttempt(provider, "link_failure")
		return err
	}

	err = s.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]any{
			"payment_link_url": link.URL,
			"updated_at":       s.clock.Now(),
		}).Error
	if err != nil {
		return err
	}
	invoice.PaymentLinkURL = link.URL

	s.recordTransaction(ctx, invoice, provider, link.ProviderRef, paymentdomain.TransactionKindLink, paymentdomain.TransactionStatusSucceeded, amount, "")
	s.setPaymentStatus(ctx, invoice.ID, invoicedomain.PaymentStatusLinkSent)
	metrics.Scheduler().IncPaymentAttempt(provider, "link_sent")
	s.emitAudit(ctx, "invoice.payment_link_sent", invoice, map[string]any{
		"provider":     provider,
		"provider_ref": link.ProviderRef,
	})

	if pref.BillingEmail != "" {
		if err := s.notifier.SendPaymentLink(ctx, invoice, pref.BillingEmail); err != nil {
			s.log.Warn("failed to deliver payment link",
				zap.String("invoice_number", invoice.InvoiceNumber),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ApplyExternalPayment settles an invoice from a verified webhook event.
// Redeliveries of an already settled invoice are no-ops.
func (s *Service) ApplyExternalPayment(ctx context.Context, event *paymentdomain.Event) error {
	if event == nil || event.InvoiceID == 0 {
		return paymentdomain.ErrInvalidEvent
	}

	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).Where("id = ?", event.InvoiceID).First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return paymentdomain.ErrInvoiceUnknown
		}
		return err
	}

	if event.Type == paymentdomain.EventTypePaymentFailed {
		s.recordTransaction(ctx, &invoice, event.Provider, event.ProviderRef, paymentdomain.TransactionKindExternal, paymentdomain.TransactionStatusFailed, event.Amount, event.FailureReason)
		metrics.Scheduler().IncPaymentAttempt(event.Provider, "failure")
		if _, err := s.subs.RecordPaymentFailure(ctx, invoice.OrgID); err != nil {
			return err
		}
		return nil
	}

	amount := event.Amount
	if amount <= 0 {
		amount = invoice.Outstanding()
	}

	var settled bool
	var alreadyPaid bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockInvoice(ctx, tx, event.InvoiceID)
		if err != nil {
			return err
		}
		if locked == nil {
			return paymentdomain.ErrInvoiceUnknown
		}
		if locked.IsSettled() {
			alreadyPaid = true
			return nil
		}

		settled = locked.ApplyPayment(amount, event.OccurredAt)
		locked.UpdatedAt = s.clock.Now()
		invoice = *locked
		return tx.Save(locked).Error
	})
	if err != nil {
		return err
	}
	if alreadyPaid {
		return nil
	}

	s.recordTransaction(ctx, &invoice, event.Provider, event.ProviderRef, paymentdomain.TransactionKindExternal, paymentdomain.TransactionStatusSucceeded, amount, "")
	metrics.Scheduler().IncPaymentAttempt(event.Provider, "success")

	if settled {
		s.emitAudit(ctx, "invoice.paid", &invoice, map[string]any{
			"provider":     event.Provider,
			"provider_ref": event.ProviderRef,
			"amount":       amount,
		})
		if _, err := s.subs.RecordPaymentSuccess(ctx, invoice.OrgID); err != nil {
			s.log.Error("failed to record payment success on subscription",
				zap.String("org_id", invoice.OrgID.String()),
				zap.Error(err),
			)
		}
		s.reactivate(ctx, invoice.OrgID)
	}
	return nil
}

func (s *Service) ListTransactions(ctx context.Context, invoiceID snowflake.ID) ([]paymentdomain.PaymentTransaction, error) {
	var transactions []paymentdomain.PaymentTransaction
	err := s.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at asc, id asc").
		Find(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

// applySettlement credits a collected amount under the invoice row lock.
func (s *Service) applySettlement(ctx context.Context, invoiceID snowflake.ID, amount int64) (bool, error) {
	var settled bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if locked == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if locked.IsSettled() {
			settled = true
			return nil
		}

		settled = locked.ApplyPayment(amount, s.clock.Now())
		locked.UpdatedAt = s.clock.Now()
		return tx.Save(locked).Error
	})
	return settled, err
}

func (s *Service) lockInvoice(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var row invoicedomain.Invoice
	err := tx.WithContext(ctx).
		Raw(`SELECT * FROM invoices WHERE id = ? LIMIT 1 FOR UPDATE`, invoiceID).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

// setPaymentStatus records the collection sub-status on the generation log.
// Best effort; a miss must not fail the payment itself.
func (s *Service) setPaymentStatus(ctx context.Context, invoiceID snowflake.ID, status invoicedomain.PaymentStatus) {
	err := s.db.WithContext(ctx).Model(&invoicedomain.GenerationLog{}).
		Where("invoice_id = ?", invoiceID).
		Updates(map[string]any{
			"payment_status": status,
			"updated_at":     s.clock.Now(),
		}).Error
	if err != nil {
		s.log.Warn("failed to update payment status on generation log",
			zap.String("invoice_id", invoiceID.String()),
			zap.String("payment_status", string(status)),
			zap.Error(err),
		)
	}
}

func (s *Service) recordTransaction(ctx context.Context, invoice *invoicedomain.Invoice, provider, providerRef string, kind paymentdomain.TransactionKind, status paymentdomain.TransactionStatus, amount int64, failureReason string) {
	now := s.clock.Now()
	transaction := paymentdomain.PaymentTransaction{
		ID:            s.genID.Generate(),
		OrgID:         invoice.OrgID,
		InvoiceID:     invoice.ID,
		Provider:      provider,
		ProviderRef:   providerRef,
		Kind:          kind,
		Status:        status,
		Amount:        amount,
		Currency:      invoice.Currency,
		FailureReason: failureReason,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(&transaction).Error; err != nil {
		s.log.Error("failed to record payment transaction",
			zap.String("invoice_number", invoice.InvoiceNumber),
			zap.String("provider", provider),
			zap.Error(err),
		)
	}
}

func (s *Service) reactivate(ctx context.Context, orgID snowflake.ID) {
	if s.reactivator == nil {
		return
	}
	if err := s.reactivator.ReactivateIfSettled(ctx, orgID); err != nil {
		s.log.Warn("reactivation check failed",
			zap.String("org_id", orgID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) emitAudit(ctx context.Context, action string, invoice *invoicedomain.Invoice, extra map[string]any) {
	if s.audit == nil || invoice == nil {
		return
	}
	metadata := map[string]any{
		"invoice_number": invoice.InvoiceNumber,
		"currency":       invoice.Currency,
	}
	for key, value := range extra {
		if key == "" {
			continue
		}
		metadata[key] = value
	}

	targetID := invoice.ID.String()
	orgID := invoice.OrgID
	_ = s.audit.AuditLog(ctx, &orgID, "", nil, action, "invoice", &targetID, metadata)
}
