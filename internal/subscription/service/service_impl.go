package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/postbill/internal/audit/domain"
	"github.com/smallbiznis/postbill/internal/clock"
	"github.com/smallbiznis/postbill/internal/observability/metrics"
	subdomain "github.com/smallbiznis/postbill/internal/subscription/domain"
	pkgdb "github.com/smallbiznis/postbill/pkg/db"
	"github.com/smallbiznis/postbill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  repository.Repository[subdomain.Subscription]
	Audit auditdomain.Service
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  repository.Repository[subdomain.Subscription]
	audit auditdomain.Service
}

func NewService(p ServiceParam) subdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		audit: p.Audit,
	}
}

func (s *Service) Get(ctx context.Context, orgID snowflake.ID) (*subdomain.Subscription, error) {
	if orgID == 0 {
		return nil, subdomain.ErrInvalidOrganization
	}
	sub, err := s.repo.FindOne(ctx, &subdomain.Subscription{OrgID: orgID})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subdomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) Create(ctx context.Context, req subdomain.CreateRequest) (*subdomain.Subscription, error) {
	if req.OrgID == 0 {
		return nil, subdomain.ErrInvalidOrganization
	}
	planCode := strings.ToUpper(strings.TrimSpace(req.PlanCode))
	if planCode == "" || req.PlanAmount < 0 {
		return nil, subdomain.ErrInvalidPlan
	}
	cycle := req.BillingCycle
	if cycle == "" {
		cycle = subdomain.BillingCycleMonthly
	}

	now := s.clock.Now()
	sub := subdomain.Subscription{
		ID:                     s.genID.Generate(),
		OrgID:                  req.OrgID,
		PlanCode:               planCode,
		PlanAmount:             req.PlanAmount,
		BillingCycle:           cycle,
		Status:                 subdomain.StatusActive,
		CurrentPeriodStart:     req.CurrentPeriodStart,
		CurrentPeriodEnd:       req.CurrentPeriodEnd,
		Provider:               strings.TrimSpace(req.Provider),
		ExternalSubscriptionID: strings.TrimSpace(req.ExternalID),
		ExternalCustomerID:     strings.TrimSpace(req.ExternalCustomerID),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if planCode == subdomain.PlanFree {
		sub.PlanAmount = 0
		sub.CurrentPeriodEnd = nil
	}

	if err := s.repo.Create(ctx, &sub); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil, subdomain.ErrSubscriptionExists
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Service) ListBillable(ctx context.Context, limit int) ([]subdomain.Subscription, error) {
	if limit <= 0 {
		limit = 500
	}

	var subs []subdomain.Subscription
	err := s.db.WithContext(ctx).
		Where("plan_code <> ?", subdomain.PlanFree).
		Where("status = ?", subdomain.StatusActive).
		Order("created_at asc, id asc").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *Service) RecordPaymentFailure(ctx context.Context, orgID snowflake.ID) (*subdomain.Subscription, error) {
	if orgID == 0 {
		return nil, subdomain.ErrInvalidOrganization
	}

	var result *subdomain.Subscription
	var downgraded bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockByOrg(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subdomain.ErrSubscriptionNotFound
		}
		if sub.IsFree() {
			result = sub
			return nil
		}

		now := s.clock.Now()
		sub.FailedPaymentCount++
		sub.LastPaymentStatus = subdomain.LastPaymentFailed
		lastPayment := now
		sub.LastPaymentAt = &lastPayment
		sub.UpdatedAt = now

		if sub.FailedPaymentCount >= subdomain.MaxPaymentFailures {
			s.applyDowngrade(sub, now)
			downgraded = true
		} else {
			sub.Status = subdomain.StatusPastDue
		}

		if err := tx.Save(sub).Error; err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	if downgraded {
		metrics.Scheduler().IncDowngrade(subdomain.DowngradeReasonPaymentFailures)
		s.emitDowngradeAudit(ctx, result, subdomain.DowngradeReasonPaymentFailures)
		s.log.Warn("subscription downgraded to free after repeated payment failures",
			zap.Int64("org_id", int64(orgID)),
		)
	}
	return result, nil
}

func (s *Service) RecordPaymentSuccess(ctx context.Context, orgID snowflake.ID) (*subdomain.Subscription, error) {
	if orgID == 0 {
		return nil, subdomain.ErrInvalidOrganization
	}

	var result *subdomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockByOrg(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subdomain.ErrSubscriptionNotFound
		}

		now := s.clock.Now()
		sub.FailedPaymentCount = 0
		sub.LastPaymentStatus = subdomain.LastPaymentSucceeded
		lastPayment := now
		sub.LastPaymentAt = &lastPayment
		if sub.Status == subdomain.StatusPastDue {
			sub.Status = subdomain.StatusActive
		}
		sub.UpdatedAt = now

		if err := tx.Save(sub).Error; err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) DowngradeToFree(ctx context.Context, orgID snowflake.ID, reason string) (*subdomain.Subscription, error) {
	if orgID == 0 {
		return nil, subdomain.ErrInvalidOrganization
	}

	var result *subdomain.Subscription
	var downgraded bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockByOrg(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subdomain.ErrSubscriptionNotFound
		}
		if sub.IsFree() {
			result = sub
			return nil
		}

		s.applyDowngrade(sub, s.clock.Now())
		if err := tx.Save(sub).Error; err != nil {
			return err
		}
		result = sub
		downgraded = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if downgraded {
		metrics.Scheduler().IncDowngrade(reason)
		s.emitDowngradeAudit(ctx, result, reason)
	}
	return result, nil
}

func (s *Service) HandleExpiry(ctx context.Context, orgID snowflake.ID) (*subdomain.Subscription, error) {
	sub, err := s.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if sub.IsFree() || sub.CurrentPeriodEnd == nil || sub.CurrentPeriodEnd.After(now) {
		return sub, nil
	}
	return s.DowngradeToFree(ctx, orgID, subdomain.DowngradeReasonExpiry)
}

func (s *Service) Cancel(ctx context.Context, orgID snowflake.ID) (*subdomain.Subscription, error) {
	if orgID == 0 {
		return nil, subdomain.ErrInvalidOrganization
	}

	var result *subdomain.Subscription
	var downgraded bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockByOrg(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subdomain.ErrSubscriptionNotFound
		}
		if sub.IsFree() {
			result = sub
			return nil
		}

		// The reset wipes cancellation residue, so stamp the cancellation
		// after it.
		now := s.clock.Now()
		s.applyDowngrade(sub, now)
		cancelled := now
		sub.CancelledAt = &cancelled

		if err := tx.Save(sub).Error; err != nil {
			return err
		}
		result = sub
		downgraded = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if downgraded {
		metrics.Scheduler().IncDowngrade(subdomain.DowngradeReasonCancellation)
		s.emitDowngradeAudit(ctx, result, subdomain.DowngradeReasonCancellation)
	}
	return result, nil
}

func (s *Service) Pause(ctx context.Context, orgID snowflake.ID) (*subdomain.Subscription, error) {
	if orgID == 0 {
		return nil, subdomain.ErrInvalidOrganization
	}

	var result *subdomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockByOrg(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subdomain.ErrSubscriptionNotFound
		}
		if sub.IsFree() {
			return subdomain.ErrOperationNotAllowed
		}
		if sub.Status != subdomain.StatusActive {
			return subdomain.ErrOperationNotAllowed
		}

		sub.Status = subdomain.StatusPaused
		sub.UpdatedAt = s.clock.Now()
		if err := tx.Save(sub).Error; err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) Resume(ctx context.Context, orgID snowflake.ID) (*subdomain.Subscription, error) {
	if orgID == 0 {
		return nil, subdomain.ErrInvalidOrganization
	}

	var result *subdomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockByOrg(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subdomain.ErrSubscriptionNotFound
		}
		if sub.Status != subdomain.StatusPaused {
			return subdomain.ErrNotPaused
		}

		sub.Status = subdomain.StatusActive
		sub.UpdatedAt = s.clock.Now()
		if err := tx.Save(sub).Error; err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) SweepDowngradesOnce(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now()

	var candidates []subdomain.Subscription
	err := s.db.WithContext(ctx).
		Where("plan_code <> ?", subdomain.PlanFree).
		Where(
			s.db.Where("status = ? AND failed_payment_count >= ?", subdomain.StatusPastDue, subdomain.MaxPaymentFailures).
				Or("status = ? AND current_period_end IS NOT NULL AND current_period_end <= ?", subdomain.StatusActive, now),
		).
		Order("id asc").
		Limit(batchSize).
		Find(&candidates).Error
	if err != nil {
		return 0, err
	}

	var errs []error
	processed := 0
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		reason := subdomain.DowngradeReasonExpiry
		if candidate.Status == subdomain.StatusPastDue {
			reason = subdomain.DowngradeReasonPaymentFailures
		}

		var downgraded *subdomain.Subscription
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sub, err := s.lockByOrg(ctx, tx, candidate.OrgID)
			if err != nil {
				return err
			}
			if sub == nil || sub.IsFree() {
				return nil
			}

			// Re-check eligibility under the lock; another sweep or a
			// payment may have already resolved the subscription.
			pastDue := sub.Status == subdomain.StatusPastDue && sub.FailedPaymentCount >= subdomain.MaxPaymentFailures
			expired := sub.Status == subdomain.StatusActive && sub.CurrentPeriodEnd != nil && !sub.CurrentPeriodEnd.After(now)
			if !pastDue && !expired {
				return nil
			}

			s.applyDowngrade(sub, now)
			if err := tx.Save(sub).Error; err != nil {
				return err
			}
			downgraded = sub
			return nil
		})
		if txErr != nil {
			errs = append(errs, txErr)
			s.log.Error("downgrade sweep failed for subscription",
				zap.Int64("org_id", int64(candidate.OrgID)),
				zap.Error(txErr),
			)
			continue
		}
		if downgraded != nil {
			processed++
			metrics.Scheduler().IncDowngrade(reason)
			s.emitDowngradeAudit(ctx, downgraded, reason)
		}
	}

	return processed, errors.Join(errs...)
}

// applyDowngrade resets the row to a permanent free-plan state. The free
// plan is ACTIVE, monthly, has no period bounds, and carries no provider
// linkage, trial, or cancellation residue.
func (s *Service) applyDowngrade(sub *subdomain.Subscription, now time.Time) {
	downgradedAt := now
	sub.PlanCode = subdomain.PlanFree
	sub.PlanAmount = 0
	sub.BillingCycle = subdomain.BillingCycleMonthly
	sub.Status = subdomain.StatusActive
	sub.CurrentPeriodStart = nil
	sub.CurrentPeriodEnd = nil
	sub.FailedPaymentCount = 0
	sub.Provider = ""
	sub.ExternalSubscriptionID = ""
	sub.ExternalCustomerID = ""
	sub.TrialEndsAt = nil
	sub.CancelledAt = nil
	sub.DowngradedAt = &downgradedAt
	sub.UpdatedAt = now
}

func (s *Service) lockByOrg(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (*subdomain.Subscription, error) {
	var row subdomain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE org_id = ? LIMIT 1 FOR UPDATE`,
		orgID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (s *Service) emitDowngradeAudit(ctx context.Context, sub *subdomain.Subscription, reason string) {
	if s.audit == nil || sub == nil {
		return
	}
	targetID := sub.ID.String()
	if err := s.audit.AuditLog(ctx, &sub.OrgID, string(auditdomain.ActorTypeSystem), nil,
		"subscription.downgraded", "subscription", &targetID,
		map[string]any{"reason": reason},
	); err != nil {
		s.log.Warn("failed to emit downgrade audit", zap.Error(err))
	}
}
