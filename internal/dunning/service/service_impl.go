package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/postbill/internal/audit/domain"
	prefdomain "github.com/smallbiznis/postbill/internal/billingpref/domain"
	"github.com/smallbiznis/postbill/internal/clock"
	"github.com/smallbiznis/postbill/internal/config"
	dunningdomain "github.com/smallbiznis/postbill/internal/dunning/domain"
	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
	"github.com/smallbiznis/postbill/internal/notification"
	"github.com/smallbiznis/postbill/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// reminderCooldown stops a checkpoint from firing twice when the sweep runs
// more than once on the same day.
const reminderCooldown = 24 * time.Hour

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Holder   *config.DunningConfigHolder
	Prefs    prefdomain.Service
	Notifier notification.Notifier
	Audit    auditdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	holder   *config.DunningConfigHolder
	prefs    prefdomain.Service
	notifier notification.Notifier
	audit    auditdomain.Service
}

func NewService(p ServiceParam) dunningdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("dunning.service"),
		clock:    p.Clock,
		holder:   p.Holder,
		prefs:    p.Prefs,
		notifier: p.Notifier,
		audit:    p.Audit,
	}
}

var collectibleStatuses = []invoicedomain.InvoiceStatus{
	invoicedomain.InvoiceStatusPending,
	invoicedomain.InvoiceStatusPartiallyPaid,
	invoicedomain.InvoiceStatusOverdue,
}

func (s *Service) SweepOverdueOnce(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	now := s.clock.Now()
	cfg := s.holder.Current()

	var invoices []invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("status IN ?", collectibleStatuses).
		Where("due_date < ?", now).
		Order("due_date asc, id asc").
		Limit(batchSize).
		Find(&invoices).Error
	if err != nil {
		return 0, err
	}

	var errs []error
	acted := 0
	for i := range invoices {
		invoice := &invoices[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		daysPastDue := daysBetween(invoice.DueDate, now)
		switch {
		case daysPastDue >= cfg.SuspensionThresholdDays:
			if err := s.suspend(ctx, invoice, now); err != nil {
				errs = append(errs, err)
				continue
			}
			acted++
		case checkpointDue(cfg.ReminderCheckpointDays, daysPastDue, invoice.ReminderCount):
			if invoice.LastReminderAt != nil && now.Sub(*invoice.LastReminderAt) < reminderCooldown {
				continue
			}
			if err := s.remindOverdue(ctx, invoice, now, daysPastDue); err != nil {
				errs = append(errs, err)
				continue
			}
			acted++
		}
	}

	metrics.Scheduler().AddBatchProcessed("dunning_overdue", acted)
	return acted, errors.Join(errs...)
}

func (s *Service) SweepPreDueOnce(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	now := s.clock.Now()
	cfg := s.holder.Current()
	windowEnd := now.Add(time.Duration(cfg.ReminderBeforeDueDays) * 24 * time.Hour)

	var invoices []invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("status = ?", invoicedomain.InvoiceStatusPending).
		Where("due_date > ? AND due_date <= ?", now, windowEnd).
		Where("last_reminder_at IS NULL OR last_reminder_at < ?", now.Add(-reminderCooldown)).
		Order("due_date asc, id asc").
		Limit(batchSize).
		Find(&invoices).Error
	if err != nil {
		return 0, err
	}

	var errs []error
	sent := 0
	for i := range invoices {
		invoice := &invoices[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		pref, err := s.prefs.Lookup(ctx, invoice.OrgID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if pref == nil || !pref.SendReminders || pref.BillingEmail == "" {
			continue
		}

		if err := s.notifier.SendPreDueReminder(ctx, invoice, pref.BillingEmail); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.touchReminder(ctx, invoice, now); err != nil {
			errs = append(errs, err)
			continue
		}
		metrics.Scheduler().IncReminderSent("pre_due")
		sent++
	}

	metrics.Scheduler().AddBatchProcessed("dunning_pre_due", sent)
	return sent, errors.Join(errs...)
}

// ReactivateIfSettled clears suspension once the org has nothing left to
// collect. Suspension markers are cleared so the notice fires once.
func (s *Service) ReactivateIfSettled(ctx context.Context, orgID snowflake.ID) error {
	if orgID == 0 {
		return nil
	}

	var outstanding int64
	err := s.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("org_id = ?", orgID).
		Where("status IN ?", append(collectibleStatuses, invoicedomain.InvoiceStatusSuspended)).
		Count(&outstanding).Error
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}

	var suspended []invoicedomain.Invoice
	err = s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Where("suspended_at IS NOT NULL").
		Order("suspended_at desc").
		Find(&suspended).Error
	if err != nil {
		return err
	}
	if len(suspended) == 0 {
		return nil
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("org_id = ?", orgID).
		Where("suspended_at IS NOT NULL").
		Updates(map[string]any{
			"suspended_at": nil,
			"updated_at":   now,
		}).Error
	if err != nil {
		return err
	}

	latest := &suspended[0]
	pref, err := s.prefs.Lookup(ctx, orgID)
	if err == nil && pref != nil && pref.BillingEmail != "" {
		if err := s.notifier.SendReactivationNotice(ctx, latest, pref.BillingEmail); err != nil {
			s.log.Warn("failed to deliver reactivation notice",
				zap.String("org_id", orgID.String()),
				zap.Error(err),
			)
		}
	}
	s.emitAudit(ctx, "org.reactivated", latest, nil)
	s.log.Info("org reactivated after settlement", zap.String("org_id", orgID.String()))
	return nil
}

func (s *Service) suspend(ctx context.Context, invoice *invoicedomain.Invoice, now time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockInvoice(ctx, tx, invoice.ID)
		if err != nil {
			return err
		}
		if locked == nil || locked.IsSettled() || locked.Status == invoicedomain.InvoiceStatusSuspended {
			return nil
		}

		locked.Status = invoicedomain.InvoiceStatusSuspended
		locked.SuspendedAt = &now
		locked.UpdatedAt = now
		*invoice = *locked
		return tx.Save(locked).Error
	})
	if err != nil {
		return err
	}
	if invoice.Status != invoicedomain.InvoiceStatusSuspended {
		return nil
	}

	metrics.Scheduler().IncSuspension()
	s.emitAudit(ctx, "invoice.suspended", invoice, map[string]any{
		"outstanding": invoice.Outstanding(),
	})

	pref, err := s.prefs.Lookup(ctx, invoice.OrgID)
	if err == nil && pref != nil && pref.BillingEmail != "" {
		if err := s.notifier.SendSuspensionNotice(ctx, invoice, pref.BillingEmail); err != nil {
			s.log.Warn("failed to deliver suspension notice",
				zap.String("invoice_number", invoice.InvoiceNumber),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) remindOverdue(ctx context.Context, invoice *invoicedomain.Invoice, now time.Time, daysPastDue int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockInvoice(ctx, tx, invoice.ID)
		if err != nil {
			return err
		}
		if locked == nil || locked.IsSettled() || locked.Status == invoicedomain.InvoiceStatusSuspended {
			return nil
		}

		locked.Status = invoicedomain.InvoiceStatusOverdue
		locked.ReminderCount++
		locked.LastReminderAt = &now
		locked.UpdatedAt = now
		*invoice = *locked
		return tx.Save(locked).Error
	})
	if err != nil {
		return err
	}
	if invoice.Status != invoicedomain.InvoiceStatusOverdue {
		return nil
	}

	metrics.Scheduler().IncReminderSent("overdue")
	s.emitAudit(ctx, "invoice.reminder_sent", invoice, map[string]any{
		"days_past_due":  daysPastDue,
		"reminder_count": invoice.ReminderCount,
	})

	pref, err := s.prefs.Lookup(ctx, invoice.OrgID)
	if err == nil && pref != nil && pref.SendReminders && pref.BillingEmail != "" {
		if err := s.notifier.SendOverdueReminder(ctx, invoice, pref.BillingEmail, daysPastDue); err != nil {
			s.log.Warn("failed to deliver overdue reminder",
				zap.String("invoice_number", invoice.InvoiceNumber),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) touchReminder(ctx context.Context, invoice *invoicedomain.Invoice, now time.Time) error {
	return s.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]any{
			"reminder_count":   gorm.Expr("reminder_count + 1"),
			"last_reminder_at": now,
			"updated_at":       now,
		}).Error
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

func (s *Service) emitAudit(ctx context.Context, action string, invoice *invoicedomain.Invoice, extra map[string]any) {
	if s.audit == nil || invoice == nil {
		return
	}
	metadata := map[string]any{
		"invoice_number": invoice.InvoiceNumber,
		"due_date":       invoice.DueDate,
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

func daysBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}

// checkpointDue reports whether the invoice has crossed a reminder
// checkpoint it was not yet reminded for. Comparing the reminder count to
// the number of crossed checkpoints lets a sweep that missed a day catch
// up on the next run instead of waiting for the following checkpoint.
func checkpointDue(checkpoints []int, daysPastDue, remindersSent int) bool {
	crossed := 0
	for _, day := range checkpoints {
		if daysPastDue >= day {
			crossed++
		}
	}
	return remindersSent < crossed
}
