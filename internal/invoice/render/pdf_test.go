package render

import (
	"io"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderInvoice(t *testing.T) {
	issued := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	invoice := &invoicedomain.Invoice{
		ID:             snowflake.ID(1),
		OrgID:          snowflake.ID(42),
		InvoiceNumber:  "INV-2025-01-000001",
		PeriodYear:     2025,
		PeriodMonth:    1,
		IssueDate:      issued,
		DueDate:        issued.AddDate(0, 0, 7),
		Status:         invoicedomain.InvoiceStatusPending,
		Currency:       "USD",
		SubtotalAmount: 2900,
		TaxRate:        0.18,
		TaxAmount:      522,
		TotalAmount:    3422,
		PaymentLinkURL: "https://pay.example.com/link_1",
		LineItems: []invoicedomain.InvoiceLineItem{
			{
				Description: "PRO plan (2025-01)",
				Quantity:    1,
				UnitAmount:  2900,
				Amount:      2900,
			},
		},
	}

	reader, err := New().RenderInvoice(invoice)
	require.NoError(t, err)

	doc, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NotEmpty(t, doc)
	assert.Equal(t, "%PDF", string(doc[:4]))
}

func TestRenderInvoice_NilInvoice(t *testing.T) {
	_, err := New().RenderInvoice(nil)
	require.Error(t, err)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "29.00 USD", formatAmount(2900, "USD"))
	assert.Equal(t, "0.05 USD", formatAmount(5, "USD"))
	assert.Equal(t, "9999.00 INR", formatAmount(999900, "INR"))
}
