package domain

import "errors"

var (
	ErrProviderNotFound   = errors.New("provider_not_found")
	ErrInvalidConfig      = errors.New("invalid_config")
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidEvent       = errors.New("invalid_event")
	ErrEventIgnored       = errors.New("event_ignored")
	ErrInvoiceUnknown     = errors.New("invoice_unknown")
	ErrChargeDeclined     = errors.New("charge_declined")
	ErrProviderRequest    = errors.New("provider_request_failed")
	ErrNoPaymentMethod    = errors.New("no_payment_method")
	ErrNothingOutstanding = errors.New("nothing_outstanding")
)
