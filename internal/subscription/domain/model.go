package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "ACTIVE"
	StatusTrialing  SubscriptionStatus = "TRIALING"
	StatusPastDue   SubscriptionStatus = "PAST_DUE"
	StatusPaused    SubscriptionStatus = "PAUSED"
	StatusCancelled SubscriptionStatus = "CANCELLED"
	StatusExpired   SubscriptionStatus = "EXPIRED"
)

type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "MONTHLY"
	BillingCycleYearly  BillingCycle = "YEARLY"
)

// PlanFree is the terminal plan after a downgrade. Free subscriptions are
// always ACTIVE and carry no period end.
const PlanFree = "FREE"

const (
	LastPaymentSucceeded = "SUCCEEDED"
	LastPaymentFailed    = "FAILED"
)

const (
	DowngradeReasonPaymentFailures = "payment_failures"
	DowngradeReasonExpiry          = "expiry"
	DowngradeReasonCancellation    = "cancellation"
)

// MaxPaymentFailures is the failure count at which a paid subscription is
// permanently downgraded to the free plan.
const MaxPaymentFailures = 3

// Subscription holds the current plan and billing state for one org.
// Exactly one row per org; rows are never deleted, only downgraded.
type Subscription struct {
	ID    snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID snowflake.ID `gorm:"column:org_id;not null;uniqueIndex:uq_subscriptions_org" json:"org_id"`

	PlanCode     string             `gorm:"column:plan_code;not null" json:"plan_code"`
	PlanAmount   int64              `gorm:"column:plan_amount;not null;default:0" json:"plan_amount"`
	BillingCycle BillingCycle       `gorm:"column:billing_cycle;not null;default:'MONTHLY'" json:"billing_cycle"`
	Status       SubscriptionStatus `gorm:"column:status;not null" json:"status"`

	CurrentPeriodStart *time.Time `gorm:"column:current_period_start" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `gorm:"column:current_period_end" json:"current_period_end,omitempty"`

	FailedPaymentCount int        `gorm:"column:failed_payment_count;not null;default:0" json:"failed_payment_count"`
	LastPaymentStatus  string     `gorm:"column:last_payment_status;not null;default:''" json:"last_payment_status,omitempty"`
	LastPaymentAt      *time.Time `gorm:"column:last_payment_at" json:"last_payment_at,omitempty"`

	Provider               string `gorm:"column:provider;not null;default:''" json:"provider,omitempty"`
	ExternalSubscriptionID string `gorm:"column:external_subscription_id;not null;default:''" json:"external_subscription_id,omitempty"`
	ExternalCustomerID     string `gorm:"column:external_customer_id;not null;default:''" json:"external_customer_id,omitempty"`

	TrialEndsAt  *time.Time `gorm:"column:trial_ends_at" json:"trial_ends_at,omitempty"`
	CancelledAt  *time.Time `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	DowngradedAt *time.Time `gorm:"column:downgraded_at" json:"downgraded_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// IsFree reports whether the subscription already sits on the free plan.
func (s *Subscription) IsFree() bool {
	return s != nil && s.PlanCode == PlanFree
}
