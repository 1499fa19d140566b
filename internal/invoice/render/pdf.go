// Package render produces the downloadable PDF view of an invoice.
package render

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
)

// Renderer turns invoices into PDF documents.
type Renderer struct{}

func New() *Renderer {
	return &Renderer{}
}

func (r *Renderer) RenderInvoice(invoice *invoicedomain.Invoice) (io.Reader, error) {
	if invoice == nil {
		return nil, fmt.Errorf("invoice is required")
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(10,
		text.NewCol(12, "Invoice", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New("Invoice number: "+invoice.InvoiceNumber, props.Text{Top: 0}),
			text.New("Date of issue: "+invoice.IssueDate.Format("2006-01-02"), props.Text{Top: 4}),
			text.New("Date due: "+invoice.DueDate.Format("2006-01-02"), props.Text{Top: 8}),
			text.New(fmt.Sprintf("Billing period: %04d-%02d", invoice.PeriodYear, invoice.PeriodMonth), props.Text{Top: 12}),
			text.New("Status: "+string(invoice.Status), props.Text{Top: 16}),
		),
		col.New(6),
	)

	m.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Qty", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Unit price", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	for _, item := range invoice.LineItems {
		m.AddRow(12,
			text.NewCol(6, item.Description, props.Text{Size: 9}),
			text.NewCol(2, fmt.Sprintf("%d", item.Quantity), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, formatAmount(item.UnitAmount, invoice.Currency), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, formatAmount(item.Amount, invoice.Currency), props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Subtotal", props.Text{Size: 9}),
		text.NewCol(2, formatAmount(invoice.SubtotalAmount, invoice.Currency), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, fmt.Sprintf("Tax (%.0f%%)", invoice.TaxRate*100), props.Text{Size: 9}),
		text.NewCol(2, formatAmount(invoice.TaxAmount, invoice.Currency), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Total", props.Text{Size: 9}),
		text.NewCol(2, formatAmount(invoice.TotalAmount, invoice.Currency), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Amount due", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, formatAmount(invoice.Outstanding(), invoice.Currency), props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	if invoice.PaymentLinkURL != "" {
		m.AddRow(14,
			text.NewCol(12, "Pay online: "+invoice.PaymentLinkURL, props.Text{Size: 9, Top: 4}),
		)
	}
	if invoice.PaidAt != nil {
		m.AddRow(14,
			text.NewCol(12, "Paid on "+invoice.PaidAt.UTC().Format(time.RFC1123), props.Text{Size: 9, Top: 4}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(doc.GetBytes()), nil
}

// formatAmount renders a minor-unit amount as a decimal string. All
// supported currencies use two decimal places.
func formatAmount(amount int64, currency string) string {
	major := amount / 100
	minor := amount % 100
	if minor < 0 {
		minor = -minor
	}
	return fmt.Sprintf("%d.%02d %s", major, minor, currency)
}
