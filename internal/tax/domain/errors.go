package domain

import "errors"

var (
	ErrInvalidCountryCode = errors.New("invalid_country_code")
	ErrInvalidTaxRate     = errors.New("invalid_tax_rate")
	ErrTaxRateNotFound    = errors.New("tax_rate_not_found")
)
