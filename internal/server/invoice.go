package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
	"go.uber.org/zap"
)

func (s *Server) ListInvoices(c *gin.Context) {
	orgID, ok := orgFromContext(c)
	if !ok {
		AbortWithError(c, invoicedomain.ErrInvalidOrganization)
		return
	}

	req := invoicedomain.ListRequest{
		OrgID:  orgID,
		Status: invoicedomain.InvoiceStatus(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
			return
		}
		req.Limit = limit
	}

	invoices, err := s.invoiceSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoices})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	invoice, err := s.invoiceForOrg(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) RenderInvoice(c *gin.Context) {
	invoice, err := s.invoiceForOrg(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	doc, err := s.renderer.RenderInvoice(invoice)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	pdf, err := io.ReadAll(doc)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+invoice.InvoiceNumber+`.pdf"`)
	c.Data(http.StatusOK, "application/pdf", pdf)
}

type generateInvoiceRequest struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// GenerateInvoice runs on-demand generation for one billing period through
// the same idempotent path the reconciler uses.
func (s *Server) GenerateInvoice(c *gin.Context) {
	orgID, ok := orgFromContext(c)
	if !ok {
		AbortWithError(c, invoicedomain.ErrInvalidOrganization)
		return
	}

	var req generateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	invoice, err := s.invoiceSvc.GenerateForPeriod(c.Request.Context(), orgID, req.Year, req.Month)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) ListInvoicePayments(c *gin.Context) {
	invoice, err := s.invoiceForOrg(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	transactions, err := s.paymentSvc.ListTransactions(c.Request.Context(), invoice.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transactions})
}

type recordPaymentRequest struct {
	Amount int64      `json:"amount"`
	PaidAt *time.Time `json:"paid_at"`
}

// RecordInvoicePayment applies an out-of-band settlement (bank transfer,
// support adjustment) to the invoice. A fully settled invoice lifts the
// org's suspension the same way gateway payments do.
func (s *Server) RecordInvoicePayment(c *gin.Context) {
	invoice, err := s.invoiceForOrg(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	paidAt := s.clock.Now()
	if req.PaidAt != nil {
		paidAt = *req.PaidAt
	}

	updated, err := s.invoiceSvc.RecordPayment(c.Request.Context(), invoice.ID, req.Amount, paidAt)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.reactivator != nil && updated.IsSettled() {
		if err := s.reactivator.ReactivateIfSettled(c.Request.Context(), updated.OrgID); err != nil {
			s.log.Warn("reactivation check failed after recorded payment",
				zap.String("invoice_number", updated.InvoiceNumber),
				zap.Error(err),
			)
		}
	}

	c.JSON(http.StatusOK, gin.H{"data": updated})
}

// invoiceForOrg loads the invoice from the :id param and enforces that it
// belongs to the request's tenant. Foreign invoices read as not found.
func (s *Server) invoiceForOrg(c *gin.Context) (*invoicedomain.Invoice, error) {
	orgID, ok := orgFromContext(c)
	if !ok {
		return nil, invoicedomain.ErrInvalidOrganization
	}

	invoiceID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		return nil, newValidationError("id", "invalid_id", "invalid id")
	}

	invoice, err := s.invoiceSvc.Get(c.Request.Context(), invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.OrgID != orgID {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}
