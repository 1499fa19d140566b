package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	prefdomain "github.com/smallbiznis/postbill/internal/billingpref/domain"
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
	Repo  repository.Repository[prefdomain.BillingPreference]
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  repository.Repository[prefdomain.BillingPreference]
}

func NewService(p ServiceParam) prefdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("billingpref.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Get(ctx context.Context, orgID snowflake.ID) (*prefdomain.BillingPreference, error) {
	pref, err := s.Lookup(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if pref != nil {
		return pref, nil
	}

	created := prefdomain.Defaults(orgID)
	created.ID = s.genID.Generate()
	if err := s.repo.Create(ctx, &created); err != nil {
		// Concurrent first read for the same org; take the winner's row.
		if pkgdb.IsDuplicateKeyErr(err) {
			return s.repo.FindOne(ctx, &prefdomain.BillingPreference{OrgID: orgID})
		}
		return nil, err
	}

	s.log.Info("billing preference created with defaults", zap.Int64("org_id", int64(orgID)))
	return &created, nil
}

func (s *Service) Lookup(ctx context.Context, orgID snowflake.ID) (*prefdomain.BillingPreference, error) {
	if orgID == 0 {
		return nil, prefdomain.ErrInvalidOrganization
	}
	return s.repo.FindOne(ctx, &prefdomain.BillingPreference{OrgID: orgID})
}

func (s *Service) Update(ctx context.Context, orgID snowflake.ID, req prefdomain.UpdateRequest) (*prefdomain.BillingPreference, error) {
	pref, err := s.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}

	if req.BillingMode != nil {
		mode := prefdomain.BillingMode(strings.ToUpper(strings.TrimSpace(string(*req.BillingMode))))
		if mode != prefdomain.BillingModePrepaid && mode != prefdomain.BillingModePostpaid {
			return nil, prefdomain.ErrInvalidBillingMode
		}
		pref.BillingMode = mode
	}
	if req.AutoChargeEnabled != nil {
		pref.AutoChargeEnabled = *req.AutoChargeEnabled
	}
	if req.PaymentMethodToken != nil {
		pref.PaymentMethodToken = strings.TrimSpace(*req.PaymentMethodToken)
	}
	if req.BillingEmail != nil {
		pref.BillingEmail = strings.TrimSpace(*req.BillingEmail)
	}
	if req.SendReminders != nil {
		pref.SendReminders = *req.SendReminders
	}
	if req.GracePeriodDays != nil {
		if *req.GracePeriodDays < 0 || *req.GracePeriodDays > 90 {
			return nil, prefdomain.ErrInvalidGracePeriod
		}
		pref.GracePeriodDays = *req.GracePeriodDays
	}
	if req.Currency != nil {
		currency := strings.ToUpper(strings.TrimSpace(*req.Currency))
		if len(currency) != 3 {
			return nil, prefdomain.ErrInvalidCurrency
		}
		pref.Currency = currency
	}
	if req.CountryCode != nil {
		country := strings.ToUpper(strings.TrimSpace(*req.CountryCode))
		if len(country) != 2 {
			return nil, prefdomain.ErrInvalidCountryCode
		}
		pref.CountryCode = country
	}

	if pref.AutoChargeEnabled && pref.PaymentMethodToken == "" {
		return nil, prefdomain.ErrAutoChargeNoMethod
	}

	if err := s.repo.Update(ctx, pref.ID.String(), map[string]any{
		"billing_mode":         pref.BillingMode,
		"auto_charge_enabled":  pref.AutoChargeEnabled,
		"payment_method_token": pref.PaymentMethodToken,
		"billing_email":        pref.BillingEmail,
		"send_reminders":       pref.SendReminders,
		"grace_period_days":    pref.GracePeriodDays,
		"currency":             pref.Currency,
		"country_code":         pref.CountryCode,
	}); err != nil {
		return nil, err
	}
	return pref, nil
}
