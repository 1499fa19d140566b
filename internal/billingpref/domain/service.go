package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Get returns the org preference, creating it with defaults when absent.
	Get(ctx context.Context, orgID snowflake.ID) (*BillingPreference, error)
	// Lookup returns the org preference without creating one.
	Lookup(ctx context.Context, orgID snowflake.ID) (*BillingPreference, error)
	Update(ctx context.Context, orgID snowflake.ID, req UpdateRequest) (*BillingPreference, error)
}

type UpdateRequest struct {
	BillingMode        *BillingMode `json:"billing_mode,omitempty"`
	AutoChargeEnabled  *bool        `json:"auto_charge_enabled,omitempty"`
	PaymentMethodToken *string      `json:"payment_method_token,omitempty"`
	BillingEmail       *string      `json:"billing_email,omitempty"`
	SendReminders      *bool        `json:"send_reminders,omitempty"`
	GracePeriodDays    *int         `json:"grace_period_days,omitempty"`
	Currency           *string      `json:"currency,omitempty"`
	CountryCode        *string      `json:"country_code,omitempty"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidBillingMode  = errors.New("invalid_billing_mode")
	ErrInvalidGracePeriod  = errors.New("invalid_grace_period")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrInvalidCountryCode  = errors.New("invalid_country_code")
	ErrAutoChargeNoMethod  = errors.New("auto_charge_requires_payment_method")
)
