package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
)

type InvoiceStatus string

const (
	InvoiceStatusPending       InvoiceStatus = "PENDING"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusOverdue       InvoiceStatus = "OVERDUE"
	InvoiceStatusSuspended     InvoiceStatus = "SUSPENDED"
)

type GenerationStatus string

const (
	GenerationStatusPending    GenerationStatus = "PENDING"
	GenerationStatusInProgress GenerationStatus = "IN_PROGRESS"
	GenerationStatusSuccess    GenerationStatus = "SUCCESS"
	GenerationStatusFailed     GenerationStatus = "FAILED"
)

// PaymentStatus is the payment-processing sub-status tracked on the
// generation log, independent of the invoice's own status.
type PaymentStatus string

const (
	PaymentStatusAutoCharging      PaymentStatus = "AUTO_CHARGING"
	PaymentStatusAutoChargeSuccess PaymentStatus = "AUTO_CHARGE_SUCCESS"
	PaymentStatusAutoChargeFailed  PaymentStatus = "AUTO_CHARGE_FAILED"
	PaymentStatusLinkGenerating    PaymentStatus = "LINK_GENERATING"
	PaymentStatusLinkSent          PaymentStatus = "LINK_SENT"
	PaymentStatusLinkFailed        PaymentStatus = "LINK_FAILED"
)

// IsTerminal reports whether payment processing reached a settled outcome
// and the pending-payment sweep should leave the log alone.
func (p PaymentStatus) IsTerminal() bool {
	return p == PaymentStatusAutoChargeSuccess || p == PaymentStatusLinkSent
}

type LineItemType string

const (
	LineItemTypeSubscription LineItemType = "SUBSCRIPTION"
	LineItemTypeAdjustment   LineItemType = "ADJUSTMENT"
)

// RetryBackoff is the delay schedule applied to failed generation attempts
// and webhook redeliveries. Attempts beyond the schedule stop retrying.
var RetryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	120 * time.Minute,
	720 * time.Minute,
}

// NextRetryDelay returns the backoff before the next attempt. attempts is
// the number of failures so far, starting at 1.
func NextRetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(RetryBackoff) {
		attempts = len(RetryBackoff)
	}
	return RetryBackoff[attempts-1]
}

// RetriesExhausted reports whether the failure count used up the schedule.
func RetriesExhausted(attempts int) bool {
	return attempts >= len(RetryBackoff)
}

// FormatInvoiceNumber renders the canonical invoice number for a period and
// a storage-backed sequence value.
func FormatInvoiceNumber(year, month int, sequence int64) string {
	return fmt.Sprintf("INV-%04d-%02d-%06d", year, month, sequence)
}

// PeriodBounds returns the UTC start (inclusive) and end (exclusive) of a
// calendar billing month.
func PeriodBounds(year, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Invoice is the financial record for one billing period of one org.
// Rows are never deleted.
type Invoice struct {
	ID    snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID snowflake.ID `gorm:"column:org_id;not null;uniqueIndex:uq_invoices_org_period,priority:1" json:"org_id"`

	InvoiceNumber string `gorm:"column:invoice_number;not null;uniqueIndex:uq_invoices_number" json:"invoice_number"`
	Sequence      int64  `gorm:"column:sequence;not null;uniqueIndex:uq_invoices_sequence" json:"sequence"`

	PeriodYear  int       `gorm:"column:period_year;not null;uniqueIndex:uq_invoices_org_period,priority:2" json:"period_year"`
	PeriodMonth int       `gorm:"column:period_month;not null;uniqueIndex:uq_invoices_org_period,priority:3" json:"period_month"`
	PeriodStart time.Time `gorm:"column:period_start;not null" json:"period_start"`
	PeriodEnd   time.Time `gorm:"column:period_end;not null" json:"period_end"`

	IssueDate time.Time     `gorm:"column:issue_date;not null" json:"issue_date"`
	DueDate   time.Time     `gorm:"column:due_date;not null" json:"due_date"`
	Status    InvoiceStatus `gorm:"column:status;not null" json:"status"`
	Currency  string        `gorm:"column:currency;not null" json:"currency"`

	SubtotalAmount int64   `gorm:"column:subtotal_amount;not null;default:0" json:"subtotal_amount"`
	TaxRate        float64 `gorm:"column:tax_rate;not null;default:0" json:"tax_rate"`
	TaxAmount      int64   `gorm:"column:tax_amount;not null;default:0" json:"tax_amount"`
	TotalAmount    int64   `gorm:"column:total_amount;not null;default:0" json:"total_amount"`

	AmountPaid int64      `gorm:"column:amount_paid;not null;default:0" json:"amount_paid"`
	PaidAt     *time.Time `gorm:"column:paid_at" json:"paid_at,omitempty"`

	AutoPayment        bool   `gorm:"column:auto_payment;not null;default:false" json:"auto_payment"`
	PaymentMethodToken string `gorm:"column:payment_method_token;not null;default:''" json:"-"`
	PaymentLinkURL     string `gorm:"column:payment_link_url;not null;default:''" json:"payment_link_url,omitempty"`

	ReminderCount  int        `gorm:"column:reminder_count;not null;default:0" json:"reminder_count"`
	LastReminderAt *time.Time `gorm:"column:last_reminder_at" json:"last_reminder_at,omitempty"`
	SuspendedAt    *time.Time `gorm:"column:suspended_at" json:"suspended_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	LineItems []InvoiceLineItem `gorm:"foreignKey:InvoiceID" json:"line_items,omitempty"`
}

func (Invoice) TableName() string { return "invoices" }

// IsSettled reports whether no further collection is needed.
func (i *Invoice) IsSettled() bool {
	return i != nil && i.Status == InvoiceStatusPaid
}

// Outstanding returns the unpaid remainder.
func (i *Invoice) Outstanding() int64 {
	if i == nil {
		return 0
	}
	remaining := i.TotalAmount - i.AmountPaid
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ApplyPayment credits a settled amount against the invoice and moves it to
// PARTIALLY_PAID or PAID. Returns true when the invoice is fully settled.
// Callers hold the row lock and persist the result.
func (i *Invoice) ApplyPayment(amount int64, paidAt time.Time) bool {
	i.AmountPaid += amount
	if i.AmountPaid >= i.TotalAmount {
		settled := paidAt.UTC()
		i.Status = InvoiceStatusPaid
		i.PaidAt = &settled
		return true
	}
	i.Status = InvoiceStatusPartiallyPaid
	return false
}

// Recompute derives subtotal, tax, and total from the line items and the
// invoice's tax rate. Totals always satisfy total = subtotal + tax.
func (i *Invoice) Recompute() {
	var subtotal int64
	for _, item := range i.LineItems {
		subtotal += item.Amount
	}
	i.SubtotalAmount = subtotal
	i.TaxAmount = int64(math.Round(float64(subtotal) * i.TaxRate))
	if i.TaxAmount < 0 {
		i.TaxAmount = 0
	}
	i.TotalAmount = i.SubtotalAmount + i.TaxAmount
}

// InvoiceLineItem belongs to exactly one invoice and is removed with it.
type InvoiceLineItem struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	InvoiceID snowflake.ID `gorm:"column:invoice_id;not null;index" json:"invoice_id"`

	ItemType    LineItemType `gorm:"column:item_type;not null;default:'SUBSCRIPTION'" json:"item_type"`
	Description string       `gorm:"column:description;not null" json:"description"`
	Quantity    int64        `gorm:"column:quantity;not null;default:1" json:"quantity"`
	UnitAmount  int64        `gorm:"column:unit_amount;not null;default:0" json:"unit_amount"`
	Amount      int64        `gorm:"column:amount;not null;default:0" json:"amount"`

	PeriodStart *time.Time `gorm:"column:period_start" json:"period_start,omitempty"`
	PeriodEnd   *time.Time `gorm:"column:period_end" json:"period_end,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (InvoiceLineItem) TableName() string { return "invoice_line_items" }

// GenerationLog is the idempotency ledger for invoice generation. At most
// one row exists per (org, year, month); the unique index is the guard
// against duplicate invoices under concurrent runs.
type GenerationLog struct {
	ID    snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID snowflake.ID `gorm:"column:org_id;not null;uniqueIndex:uq_generation_logs_org_period,priority:1" json:"org_id"`

	PeriodYear  int `gorm:"column:period_year;not null;uniqueIndex:uq_generation_logs_org_period,priority:2" json:"period_year"`
	PeriodMonth int `gorm:"column:period_month;not null;uniqueIndex:uq_generation_logs_org_period,priority:3" json:"period_month"`

	Status        GenerationStatus `gorm:"column:status;not null" json:"status"`
	PaymentStatus PaymentStatus    `gorm:"column:payment_status;not null;default:''" json:"payment_status,omitempty"`

	InvoiceID     *snowflake.ID `gorm:"column:invoice_id" json:"invoice_id,omitempty"`
	InvoiceNumber string        `gorm:"column:invoice_number;not null;default:''" json:"invoice_number,omitempty"`

	AttemptCount int        `gorm:"column:attempt_count;not null;default:0" json:"attempt_count"`
	ShouldRetry  bool       `gorm:"column:should_retry;not null;default:true" json:"should_retry"`
	NextRetryAt  *time.Time `gorm:"column:next_retry_at" json:"next_retry_at,omitempty"`
	LastError    string     `gorm:"column:last_error;not null;default:''" json:"last_error,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (GenerationLog) TableName() string { return "invoice_generation_logs" }
