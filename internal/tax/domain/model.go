package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// TaxRate maps a billing country to the fraction applied on invoice
// subtotals. Rates are fractions, e.g. 0.18 for 18% GST.
type TaxRate struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	CountryCode string       `gorm:"column:country_code;type:text;not null;uniqueIndex:uq_tax_rates_country"`
	Rate        float64      `gorm:"type:numeric(6,4);not null"`
	Description string       `gorm:"type:text;not null;default:''"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (TaxRate) TableName() string { return "tax_rates" }

func (t *TaxRate) Validate() error {
	if strings.TrimSpace(t.CountryCode) == "" {
		return ErrInvalidCountryCode
	}
	if t.Rate < 0 || t.Rate >= 1 {
		return ErrInvalidTaxRate
	}
	return nil
}
