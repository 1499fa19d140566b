package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
	"github.com/smallbiznis/postbill/internal/observability/metrics"
	subdomain "github.com/smallbiznis/postbill/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// trailingMonths is how many completed months behind the current one the
// daily reconciliation re-checks to catch missed or failed runs.
const trailingMonths = 3

type billingPeriod struct {
	Year  int
	Month int
}

func trailingPeriods(now time.Time) []billingPeriod {
	periods := make([]billingPeriod, 0, trailingMonths+1)
	cursor := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i <= trailingMonths; i++ {
		periods = append(periods, billingPeriod{Year: cursor.Year(), Month: int(cursor.Month())})
		cursor = cursor.AddDate(0, -1, 0)
	}
	return periods
}

func (s *Service) ReconcileOnce(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	now := s.clock.Now()
	periods := trailingPeriods(now)

	subs, err := s.subs.ListBillable(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	var errs []error
	generated := 0
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		pref, err := s.prefs.Lookup(ctx, sub.OrgID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if pref == nil || !pref.IsPostpaid() {
			continue
		}

		subscribedSince := time.Date(sub.CreatedAt.Year(), sub.CreatedAt.Month(), 1, 0, 0, 0, 0, time.UTC)
		for _, period := range periods {
			start, _ := invoicedomain.PeriodBounds(period.Year, period.Month)
			if start.Before(subscribedSince) {
				continue
			}

			attempt, err := s.shouldAttempt(ctx, sub.OrgID, period, now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !attempt {
				continue
			}

			// One org's failure must not block the rest of the sweep; the
			// error is already recorded on the generation log.
			if _, err := s.generate(ctx, pref, &sub, period.Year, period.Month, "reconcile"); err != nil {
				errs = append(errs, err)
				continue
			}
			generated++
		}
	}

	metrics.Scheduler().AddBatchProcessed("invoice_reconcile", generated)
	return generated, errors.Join(errs...)
}

// shouldAttempt applies the reconciliation skip rule: an existing log that
// is not FAILED means the period is done or in flight; FAILED logs are only
// re-attempted once their backoff window passed.
func (s *Service) shouldAttempt(ctx context.Context, orgID snowflake.ID, period billingPeriod, now time.Time) (bool, error) {
	var row invoicedomain.GenerationLog
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND period_year = ? AND period_month = ?", orgID, period.Year, period.Month).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return true, nil
		}
		return false, err
	}

	if row.Status != invoicedomain.GenerationStatusFailed {
		return false, nil
	}
	if !row.ShouldRetry {
		return false, nil
	}
	if row.NextRetryAt != nil && row.NextRetryAt.After(now) {
		return false, nil
	}
	return true, nil
}

func (s *Service) RetryFailedOnce(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now()

	var logs []invoicedomain.GenerationLog
	err := s.db.WithContext(ctx).
		Where("status = ? AND should_retry = ?", invoicedomain.GenerationStatusFailed, true).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("next_retry_at asc, id asc").
		Limit(batchSize).
		Find(&logs).Error
	if err != nil {
		return 0, err
	}

	var errs []error
	generated := 0
	for _, logRow := range logs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		pref, err := s.prefs.Lookup(ctx, logRow.OrgID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if pref == nil || !pref.IsPostpaid() {
			if err := s.abandonLog(ctx, logRow.ID, "postpaid billing preference missing"); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		sub, err := s.subs.Get(ctx, logRow.OrgID)
		if err != nil {
			if errors.Is(err, subdomain.ErrSubscriptionNotFound) {
				if err := s.abandonLog(ctx, logRow.ID, "subscription missing"); err != nil {
					errs = append(errs, err)
				}
				continue
			}
			errs = append(errs, err)
			continue
		}
		if sub.IsFree() {
			if err := s.abandonLog(ctx, logRow.ID, "subscription downgraded to free"); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		if _, err := s.generate(ctx, pref, sub, logRow.PeriodYear, logRow.PeriodMonth, "retry"); err != nil {
			errs = append(errs, err)
			continue
		}
		generated++
	}

	metrics.Scheduler().AddBatchProcessed("invoice_retry", generated)
	return generated, errors.Join(errs...)
}

func (s *Service) ProcessPendingPaymentsOnce(ctx context.Context, batchSize int) (int, error) {
	if s.processor == nil {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	var logs []invoicedomain.GenerationLog
	err := s.db.WithContext(ctx).
		Where("status = ?", invoicedomain.GenerationStatusSuccess).
		Where("invoice_id IS NOT NULL").
		Where("payment_status NOT IN ?", []invoicedomain.PaymentStatus{
			invoicedomain.PaymentStatusAutoChargeSuccess,
			invoicedomain.PaymentStatusLinkSent,
		}).
		Order("updated_at asc, id asc").
		Limit(batchSize).
		Find(&logs).Error
	if err != nil {
		return 0, err
	}

	var errs []error
	processed := 0
	for _, logRow := range logs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if logRow.InvoiceID == nil {
			continue
		}

		var invoice invoicedomain.Invoice
		err := s.db.WithContext(ctx).Where("id = ?", *logRow.InvoiceID).First(&invoice).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if invoice.IsSettled() {
			continue
		}

		if err := s.processor.ProcessInvoicePayment(ctx, invoice.ID); err != nil {
			errs = append(errs, err)
			s.log.Warn("pending payment sweep failed for invoice",
				zap.String("invoice_number", invoice.InvoiceNumber),
				zap.Error(err),
			)
			continue
		}
		processed++
	}

	metrics.Scheduler().AddBatchProcessed("invoice_pending_payments", processed)
	return processed, errors.Join(errs...)
}
