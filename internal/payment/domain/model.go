package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionKind string

const (
	TransactionKindCharge   TransactionKind = "CHARGE"
	TransactionKindLink     TransactionKind = "LINK"
	TransactionKindExternal TransactionKind = "EXTERNAL"
)

type TransactionStatus string

const (
	TransactionStatusSucceeded TransactionStatus = "SUCCEEDED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// PaymentTransaction is the append-only record of every collection attempt
// against an invoice, successful or not.
type PaymentTransaction struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID     snowflake.ID `gorm:"column:org_id;not null;index" json:"org_id"`
	InvoiceID snowflake.ID `gorm:"column:invoice_id;not null;index" json:"invoice_id"`

	Provider    string            `gorm:"column:provider;not null" json:"provider"`
	ProviderRef string            `gorm:"column:provider_ref;not null;default:''" json:"provider_ref,omitempty"`
	Kind        TransactionKind   `gorm:"column:kind;not null" json:"kind"`
	Status      TransactionStatus `gorm:"column:status;not null" json:"status"`

	Amount   int64  `gorm:"column:amount;not null;default:0" json:"amount"`
	Currency string `gorm:"column:currency;not null" json:"currency"`

	FailureReason string `gorm:"column:failure_reason;not null;default:''" json:"failure_reason,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (PaymentTransaction) TableName() string { return "payment_transactions" }

type WebhookStatus string

const (
	WebhookStatusReceived  WebhookStatus = "RECEIVED"
	WebhookStatusProcessed WebhookStatus = "PROCESSED"
	WebhookStatusFailed    WebhookStatus = "FAILED"
	WebhookStatusIgnored   WebhookStatus = "IGNORED"
)

// WebhookEvent is the deduplication ledger for provider deliveries. The
// unique index on (provider, provider_event_id) makes redeliveries no-ops.
type WebhookEvent struct {
	ID snowflake.ID `gorm:"primaryKey" json:"id"`

	Provider        string `gorm:"column:provider;not null;uniqueIndex:uq_webhook_events_provider_event,priority:1" json:"provider"`
	ProviderEventID string `gorm:"column:provider_event_id;not null;uniqueIndex:uq_webhook_events_provider_event,priority:2" json:"provider_event_id"`
	EventType       string `gorm:"column:event_type;not null;default:''" json:"event_type"`

	Payload datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`

	Status       WebhookStatus `gorm:"column:status;not null;default:'RECEIVED'" json:"status"`
	AttemptCount int           `gorm:"column:attempt_count;not null;default:0" json:"attempt_count"`
	NextRetryAt  *time.Time    `gorm:"column:next_retry_at" json:"next_retry_at,omitempty"`
	LastError    string        `gorm:"column:last_error;not null;default:''" json:"last_error,omitempty"`
	ProcessedAt  *time.Time    `gorm:"column:processed_at" json:"processed_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

type EventType string

const (
	EventTypePaymentSucceeded EventType = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed    EventType = "PAYMENT_FAILED"
)

// Event is a provider-neutral payment notification parsed out of a webhook
// delivery. InvoiceID comes from the metadata the gateway attached when the
// charge or link was created.
type Event struct {
	Provider        string
	ProviderEventID string
	ProviderRef     string
	Type            EventType
	InvoiceID       snowflake.ID
	Amount          int64
	Currency        string
	OccurredAt      time.Time
	FailureReason   string
}
