package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type BillingMode string

const (
	BillingModePrepaid  BillingMode = "PREPAID"
	BillingModePostpaid BillingMode = "POSTPAID"
)

// BillingPreference stores per-organization billing behavior. A row is
// created lazily with defaults the first time an org is billed or read.
type BillingPreference struct {
	ID    snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID snowflake.ID `gorm:"column:org_id;not null;uniqueIndex:uq_billing_preferences_org" json:"org_id"`

	BillingMode        BillingMode `gorm:"column:billing_mode;not null;default:'POSTPAID'" json:"billing_mode"`
	AutoChargeEnabled  bool        `gorm:"column:auto_charge_enabled;not null;default:false" json:"auto_charge_enabled"`
	PaymentMethodToken string      `gorm:"column:payment_method_token;not null;default:''" json:"payment_method_token,omitempty"`
	BillingEmail       string      `gorm:"column:billing_email;not null;default:''" json:"billing_email"`
	SendReminders      bool        `gorm:"column:send_reminders;not null;default:true" json:"send_reminders"`
	GracePeriodDays    int         `gorm:"column:grace_period_days;not null;default:7" json:"grace_period_days"`
	Currency           string      `gorm:"column:currency;not null;default:'USD'" json:"currency"`
	CountryCode        string      `gorm:"column:country_code;not null;default:'US'" json:"country_code"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (BillingPreference) TableName() string { return "billing_preferences" }

// IsPostpaid reports whether the org is invoiced after the usage period.
func (p *BillingPreference) IsPostpaid() bool {
	return p != nil && p.BillingMode == BillingModePostpaid
}

// AutoPaymentConfigured reports whether a saved payment method can be
// charged without payer interaction.
func (p *BillingPreference) AutoPaymentConfigured() bool {
	return p != nil && p.AutoChargeEnabled && p.PaymentMethodToken != ""
}

// Defaults returns the preference applied to orgs that never configured one.
func Defaults(orgID snowflake.ID) BillingPreference {
	return BillingPreference{
		OrgID:             orgID,
		BillingMode:       BillingModePostpaid,
		AutoChargeEnabled: false,
		SendReminders:     true,
		GracePeriodDays:   7,
		Currency:          "USD",
		CountryCode:       "US",
	}
}
