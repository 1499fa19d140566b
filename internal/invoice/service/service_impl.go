package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/postbill/internal/audit/domain"
	prefdomain "github.com/smallbiznis/postbill/internal/billingpref/domain"
	"github.com/smallbiznis/postbill/internal/clock"
	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
	"github.com/smallbiznis/postbill/internal/observability/metrics"
	"github.com/smallbiznis/postbill/internal/orgcontext"
	subdomain "github.com/smallbiznis/postbill/internal/subscription/domain"
	taxdomain "github.com/smallbiznis/postbill/internal/tax/domain"
	pkgdb "github.com/smallbiznis/postbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// sequenceInsertRetries bounds re-numbering when two transactions race for
// the same global invoice sequence value.
const sequenceInsertRetries = 3

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Prefs     prefdomain.Service
	Subs      subdomain.Service
	Tax       taxdomain.TaxResolver
	Audit     auditdomain.Service
	Processor invoicedomain.PaymentProcessor `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	prefs     prefdomain.Service
	subs      subdomain.Service
	tax       taxdomain.TaxResolver
	audit     auditdomain.Service
	processor invoicedomain.PaymentProcessor
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("invoice.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		prefs:     p.Prefs,
		subs:      p.Subs,
		tax:       p.Tax,
		audit:     p.Audit,
		processor: p.Processor,
	}
}

func (s *Service) GenerateForPeriod(ctx context.Context, orgID snowflake.ID, year, month int) (*invoicedomain.Invoice, error) {
	if orgID == 0 {
		return nil, invoicedomain.ErrInvalidOrganization
	}
	if err := s.validatePeriod(year, month); err != nil {
		return nil, err
	}

	pref, err := s.prefs.Lookup(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if pref == nil {
		return nil, invoicedomain.ErrPreferenceMissing
	}
	if !pref.IsPostpaid() {
		return nil, invoicedomain.ErrNotPostpaid
	}

	sub, err := s.subs.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, subdomain.ErrSubscriptionNotFound) {
			return nil, invoicedomain.ErrSubscriptionMissing
		}
		return nil, err
	}
	if sub.IsFree() {
		return nil, invoicedomain.ErrSubscriptionMissing
	}

	return s.generate(ctx, pref, sub, year, month, "manual")
}

func (s *Service) Get(ctx context.Context, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Preload("LineItems").
		Where("id = ?", invoiceID).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}

	// Requests scoped to an org must not see other orgs' invoices.
	if orgID, ok := orgcontext.OrgIDFromContext(ctx); ok && orgID != 0 && invoice.OrgID != orgID {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return &invoice, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListRequest) ([]invoicedomain.Invoice, error) {
	orgID := req.OrgID
	if orgID == 0 {
		ctxOrg, ok := orgcontext.OrgIDFromContext(ctx)
		if !ok || ctxOrg == 0 {
			return nil, invoicedomain.ErrInvalidOrganization
		}
		orgID = ctxOrg
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 250 {
		limit = 250
	}

	stmt := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("period_year desc, period_month desc, id desc").
		Limit(limit)
	if req.Status != "" {
		stmt = stmt.Where("status = ?", req.Status)
	}

	var invoices []invoicedomain.Invoice
	if err := stmt.Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Service) RecordPayment(ctx context.Context, invoiceID snowflake.ID, amount int64, paidAt time.Time) (*invoicedomain.Invoice, error) {
	if amount <= 0 {
		return nil, invoicedomain.ErrInvalidAmount
	}

	var result *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.lockInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.IsSettled() {
			return invoicedomain.ErrInvoiceAlreadyPaid
		}

		invoice.ApplyPayment(amount, paidAt)
		invoice.UpdatedAt = s.clock.Now()

		if err := tx.Save(invoice).Error; err != nil {
			return err
		}
		result = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.IsSettled() {
		s.emitAudit(ctx, "invoice.paid", result, map[string]any{"amount_paid": result.AmountPaid})
	}
	return result, nil
}

// generate runs the per-org transactional generation path. source labels
// the caller for metrics: "manual", "reconcile", or "retry".
func (s *Service) generate(ctx context.Context, pref *prefdomain.BillingPreference, sub *subdomain.Subscription, year, month int, source string) (*invoicedomain.Invoice, error) {
	orgID := pref.OrgID

	if err := s.ensureLog(ctx, orgID, year, month); err != nil {
		return nil, err
	}

	var result *invoicedomain.Invoice
	var generated bool
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		logRow, err := s.lockLog(ctx, tx, orgID, year, month)
		if err != nil {
			return err
		}
		if logRow == nil {
			return fmt.Errorf("generation log missing for org %d period %04d-%02d", orgID, year, month)
		}
		if logRow.Status == invoicedomain.GenerationStatusSuccess {
			existing, err := s.findInvoiceForPeriod(ctx, tx, orgID, year, month)
			if err != nil {
				return err
			}
			result = existing
			return nil
		}

		now := s.clock.Now()
		if err := tx.Model(&invoicedomain.GenerationLog{}).
			Where("id = ?", logRow.ID).
			Updates(map[string]any{
				"status":     invoicedomain.GenerationStatusInProgress,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		// Belt and suspenders against the log: the unique period index on
		// invoices is the last line of defense, check it first.
		existing, err := s.findInvoiceForPeriod(ctx, tx, orgID, year, month)
		if err != nil {
			return err
		}
		if existing != nil {
			result = existing
			return s.markLogSuccess(ctx, tx, logRow.ID, existing, now)
		}

		invoice, err := s.createInvoice(ctx, tx, pref, sub, year, month, now)
		if err != nil {
			return err
		}

		result = invoice
		generated = true
		return s.markLogSuccess(ctx, tx, logRow.ID, invoice, now)
	})
	if txErr != nil {
		s.markLogFailure(ctx, orgID, year, month, txErr)
		metrics.Scheduler().IncGenerationFailure(true)
		return nil, txErr
	}

	if generated {
		metrics.Scheduler().IncInvoiceGenerated(source)
		s.emitAudit(ctx, "invoice.generated", result, map[string]any{"source": source})
		s.log.Info("invoice generated",
			zap.Int64("org_id", int64(orgID)),
			zap.String("invoice_number", result.InvoiceNumber),
			zap.Int64("total_amount", result.TotalAmount),
		)

		// Payment processing runs after the generation transaction; its
		// failure never reverts the log's SUCCESS status.
		if s.processor != nil {
			if err := s.processor.ProcessInvoicePayment(ctx, result.ID); err != nil {
				s.log.Warn("payment processing failed after generation",
					zap.String("invoice_number", result.InvoiceNumber),
					zap.Error(err),
				)
			}
		}
	}
	return result, nil
}

func (s *Service) createInvoice(ctx context.Context, tx *gorm.DB, pref *prefdomain.BillingPreference, sub *subdomain.Subscription, year, month int, now time.Time) (*invoicedomain.Invoice, error) {
	periodStart, periodEnd := invoicedomain.PeriodBounds(year, month)

	taxRate, err := s.tax.ResolveForCountry(ctx, pref.CountryCode)
	if err != nil {
		return nil, err
	}

	invoice := &invoicedomain.Invoice{
		ID:                 s.genID.Generate(),
		OrgID:              pref.OrgID,
		PeriodYear:         year,
		PeriodMonth:        month,
		PeriodStart:        periodStart,
		PeriodEnd:          periodEnd,
		IssueDate:          now,
		DueDate:            now.AddDate(0, 0, pref.GracePeriodDays),
		Status:             invoicedomain.InvoiceStatusPending,
		Currency:           pref.Currency,
		TaxRate:            taxRate,
		AutoPayment:        pref.AutoPaymentConfigured(),
		PaymentMethodToken: pref.PaymentMethodToken,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	lineStart := periodStart
	lineEnd := periodEnd
	invoice.LineItems = []invoicedomain.InvoiceLineItem{{
		ID:          s.genID.Generate(),
		InvoiceID:   invoice.ID,
		ItemType:    invoicedomain.LineItemTypeSubscription,
		Description: fmt.Sprintf("%s plan (%04d-%02d)", sub.PlanCode, year, month),
		Quantity:    1,
		UnitAmount:  sub.PlanAmount,
		Amount:      sub.PlanAmount,
		PeriodStart: &lineStart,
		PeriodEnd:   &lineEnd,
		CreatedAt:   now,
	}}
	invoice.Recompute()

	// The sequence is read and inserted in the same transaction; the
	// global unique index turns a lost race into a duplicate-key error we
	// renumber and retry.
	for attempt := 0; attempt < sequenceInsertRetries; attempt++ {
		sequence, err := s.nextSequence(ctx, tx)
		if err != nil {
			return nil, err
		}
		invoice.Sequence = sequence
		invoice.InvoiceNumber = invoicedomain.FormatInvoiceNumber(year, month, sequence)

		err = tx.WithContext(ctx).Create(invoice).Error
		if err == nil {
			return invoice, nil
		}
		if !pkgdb.IsDuplicateKeyErr(err) {
			return nil, err
		}

		// A duplicate on the period index means another run already
		// generated this invoice; surface it idempotently.
		existing, findErr := s.findInvoiceForPeriod(ctx, tx, pref.OrgID, year, month)
		if findErr != nil {
			return nil, findErr
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, fmt.Errorf("invoice sequence contention for org %d period %04d-%02d", pref.OrgID, year, month)
}

func (s *Service) validatePeriod(year, month int) error {
	if year < 2000 || month < 1 || month > 12 {
		return invoicedomain.ErrInvalidPeriod
	}
	start, _ := invoicedomain.PeriodBounds(year, month)
	if start.After(s.clock.Now()) {
		return invoicedomain.ErrInvalidPeriod
	}
	return nil
}

func (s *Service) ensureLog(ctx context.Context, orgID snowflake.ID, year, month int) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO invoice_generation_logs (
			id, org_id, period_year, period_month, status, payment_status,
			invoice_number, attempt_count, should_retry, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, '', '', 0, TRUE, '', ?, ?)
		ON CONFLICT (org_id, period_year, period_month) DO NOTHING`,
		s.genID.Generate(),
		orgID,
		year,
		month,
		invoicedomain.GenerationStatusPending,
		now,
		now,
	).Error
}

func (s *Service) lockLog(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, year, month int) (*invoicedomain.GenerationLog, error) {
	var row invoicedomain.GenerationLog
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM invoice_generation_logs
		 WHERE org_id = ? AND period_year = ? AND period_month = ?
		 FOR UPDATE`,
		orgID, year, month,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (s *Service) findInvoiceForPeriod(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, year, month int) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := tx.WithContext(ctx).
		Where("org_id = ? AND period_year = ? AND period_month = ?", orgID, year, month).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) nextSequence(ctx context.Context, tx *gorm.DB) (int64, error) {
	var next int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM invoices`,
	).Scan(&next).Error
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Service) markLogSuccess(ctx context.Context, tx *gorm.DB, logID snowflake.ID, invoice *invoicedomain.Invoice, now time.Time) error {
	return tx.WithContext(ctx).Model(&invoicedomain.GenerationLog{}).
		Where("id = ?", logID).
		Updates(map[string]any{
			"status":         invoicedomain.GenerationStatusSuccess,
			"invoice_id":     invoice.ID,
			"invoice_number": invoice.InvoiceNumber,
			"last_error":     "",
			"next_retry_at":  nil,
			"updated_at":     now,
		}).Error
}

// markLogFailure records a failed attempt outside the rolled-back
// generation transaction so the error and backoff survive.
func (s *Service) markLogFailure(ctx context.Context, orgID snowflake.ID, year, month int, cause error) {
	var row invoicedomain.GenerationLog
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND period_year = ? AND period_month = ?", orgID, year, month).
		First(&row).Error
	if err != nil {
		s.log.Error("failed to load generation log for failure update", zap.Error(err))
		return
	}

	now := s.clock.Now()
	attempts := row.AttemptCount + 1
	nextRetry := now.Add(invoicedomain.NextRetryDelay(attempts))
	shouldRetry := !invoicedomain.RetriesExhausted(attempts)

	update := map[string]any{
		"status":        invoicedomain.GenerationStatusFailed,
		"attempt_count": attempts,
		"last_error":    cause.Error(),
		"should_retry":  shouldRetry,
		"next_retry_at": nextRetry,
		"updated_at":    now,
	}
	if err := s.db.WithContext(ctx).Model(&invoicedomain.GenerationLog{}).
		Where("id = ?", row.ID).
		Updates(update).Error; err != nil {
		s.log.Error("failed to record generation failure", zap.Error(err))
		return
	}

	s.log.Error("invoice generation failed",
		zap.Int64("org_id", int64(orgID)),
		zap.Int("period_year", year),
		zap.Int("period_month", month),
		zap.Int("attempt", attempts),
		zap.Bool("should_retry", shouldRetry),
		zap.Error(cause),
	)
}

// abandonLog turns off retries for a log whose org can no longer be billed
// (subscription or postpaid preference gone).
func (s *Service) abandonLog(ctx context.Context, logID snowflake.ID, reason string) error {
	return s.db.WithContext(ctx).Model(&invoicedomain.GenerationLog{}).
		Where("id = ?", logID).
		Updates(map[string]any{
			"should_retry": false,
			"last_error":   reason,
			"updated_at":   s.clock.Now(),
		}).Error
}

func (s *Service) lockInvoice(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM invoices WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (s *Service) emitAudit(ctx context.Context, action string, invoice *invoicedomain.Invoice, extra map[string]any) {
	if s.audit == nil || invoice == nil {
		return
	}
	metadata := map[string]any{
		"invoice_number": invoice.InvoiceNumber,
		"currency":       invoice.Currency,
		"total_amount":   invoice.TotalAmount,
		"period_year":    invoice.PeriodYear,
		"period_month":   invoice.PeriodMonth,
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
