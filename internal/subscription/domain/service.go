package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Get(ctx context.Context, orgID snowflake.ID) (*Subscription, error)
	Create(ctx context.Context, req CreateRequest) (*Subscription, error)

	// ListBillable returns active paid subscriptions, oldest first. Billing
	// mode filtering happens at the generation engine against preferences.
	ListBillable(ctx context.Context, limit int) ([]Subscription, error)

	// RecordPaymentFailure moves the subscription to PAST_DUE and, once the
	// failure limit is reached, downgrades the org to the free plan.
	RecordPaymentFailure(ctx context.Context, orgID snowflake.ID) (*Subscription, error)
	// RecordPaymentSuccess clears the failure counter and restores ACTIVE.
	RecordPaymentSuccess(ctx context.Context, orgID snowflake.ID) (*Subscription, error)

	// DowngradeToFree moves the org to the free plan permanently. No-op if
	// the org is already on the free plan.
	DowngradeToFree(ctx context.Context, orgID snowflake.ID, reason string) (*Subscription, error)
	// HandleExpiry downgrades the org if its current period has lapsed.
	HandleExpiry(ctx context.Context, orgID snowflake.ID) (*Subscription, error)
	// Cancel downgrades immediately; explicit user action gets no grace.
	Cancel(ctx context.Context, orgID snowflake.ID) (*Subscription, error)

	Pause(ctx context.Context, orgID snowflake.ID) (*Subscription, error)
	Resume(ctx context.Context, orgID snowflake.ID) (*Subscription, error)

	// SweepDowngradesOnce downgrades subscriptions that exhausted their
	// payment failures or ran past their period end. Returns the number of
	// subscriptions downgraded.
	SweepDowngradesOnce(ctx context.Context, batchSize int) (int, error)
}

type CreateRequest struct {
	OrgID              snowflake.ID `json:"org_id"`
	PlanCode           string       `json:"plan_code"`
	PlanAmount         int64        `json:"plan_amount"`
	BillingCycle       BillingCycle `json:"billing_cycle,omitempty"`
	CurrentPeriodStart *time.Time   `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time   `json:"current_period_end,omitempty"`
	Provider           string       `json:"provider,omitempty"`
	ExternalID         string       `json:"external_subscription_id,omitempty"`
	ExternalCustomerID string       `json:"external_customer_id,omitempty"`
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrSubscriptionExists   = errors.New("subscription_exists")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrOperationNotAllowed  = errors.New("operation_not_allowed")
	ErrNotPaused            = errors.New("subscription_not_paused")
)
