package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/postbill/internal/tax/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB *gorm.DB
}

type repo struct {
	db *gorm.DB
}

func Provide(p Params) domain.Repository {
	return &repo{db: p.DB}
}

func (r *repo) GetByCountry(ctx context.Context, countryCode string) (*domain.TaxRate, error) {
	countryCode = strings.ToUpper(strings.TrimSpace(countryCode))
	if countryCode == "" {
		return nil, domain.ErrInvalidCountryCode
	}

	var rate domain.TaxRate
	err := r.db.WithContext(ctx).
		Where("country_code = ?", countryCode).
		First(&rate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rate, nil
}

func (r *repo) Upsert(ctx context.Context, rate *domain.TaxRate) error {
	if rate == nil {
		return nil
	}
	if err := rate.Validate(); err != nil {
		return err
	}
	rate.CountryCode = strings.ToUpper(strings.TrimSpace(rate.CountryCode))

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "country_code"}},
		DoUpdates: clause.AssignmentColumns([]string{"rate", "description", "updated_at"}),
	}).Create(rate).Error
}

func (r *repo) List(ctx context.Context) ([]domain.TaxRate, error) {
	var rates []domain.TaxRate
	if err := r.db.WithContext(ctx).Order("country_code asc").Find(&rates).Error; err != nil {
		return nil, err
	}
	return rates, nil
}
