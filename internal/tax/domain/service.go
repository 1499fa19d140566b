package domain

import "context"

// TaxResolver returns the tax fraction for a billing country. Countries
// without a configured rate resolve to zero.
type TaxResolver interface {
	ResolveForCountry(ctx context.Context, countryCode string) (float64, error)
}

type Repository interface {
	GetByCountry(ctx context.Context, countryCode string) (*TaxRate, error)
	Upsert(ctx context.Context, rate *TaxRate) error
	List(ctx context.Context) ([]TaxRate, error)
}
