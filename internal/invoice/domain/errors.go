package domain

import "errors"

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidPeriod       = errors.New("invalid_billing_period")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrPreferenceMissing   = errors.New("billing_preference_missing")
	ErrNotPostpaid         = errors.New("billing_mode_not_postpaid")
	ErrSubscriptionMissing = errors.New("subscription_missing")
	ErrInvoiceAlreadyPaid  = errors.New("invoice_already_paid")
	ErrInvalidAmount       = errors.New("invalid_amount")
)
