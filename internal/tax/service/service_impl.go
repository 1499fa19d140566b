package service

import (
	"context"
	"math"

	taxdomain "github.com/smallbiznis/postbill/internal/tax/domain"
	"go.uber.org/fx"
)

type resolverParam struct {
	fx.In

	Repository taxdomain.Repository
}

type resolver struct {
	repo taxdomain.Repository
}

func NewResolver(p resolverParam) taxdomain.TaxResolver {
	return &resolver{repo: p.Repository}
}

func (r *resolver) ResolveForCountry(ctx context.Context, countryCode string) (float64, error) {
	rate, err := r.repo.GetByCountry(ctx, countryCode)
	if err != nil {
		return 0, err
	}
	if rate == nil || rate.Rate <= 0 {
		return 0, nil
	}
	return rate.Rate, nil
}

// ComputeTaxExclusive calculates tax added on top of subtotal.
// Rounding happens only here to keep stored values integer-safe.
func ComputeTaxExclusive(subtotal int64, rate float64) int64 {
	if subtotal <= 0 || rate <= 0 {
		return 0
	}

	tax := float64(subtotal) * rate
	result := int64(math.Round(tax))
	if result < 0 {
		return 0
	}
	return result
}
