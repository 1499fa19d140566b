package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/postbill/internal/payment/domain"
)

const defaultBaseURL = "https://api.razorpay.com"

// Gateway collects INR invoices through Razorpay recurring payments and
// payment links.
type Gateway struct {
	keyID         string
	keySecret     string
	webhookSecret string
	baseURL       string
	client        *http.Client
}

func NewGateway(keyID, keySecret, webhookSecret string) *Gateway {
	return &Gateway{
		keyID:         strings.TrimSpace(keyID),
		keySecret:     strings.TrimSpace(keySecret),
		webhookSecret: strings.TrimSpace(webhookSecret),
		baseURL:       defaultBaseURL,
		client:        &http.Client{Timeout: 12 * time.Second},
	}
}

func (g *Gateway) Provider() string {
	return "razorpay"
}

type razorpayPayment struct {
	ID               string         `json:"id"`
	RazorpayPayment  string         `json:"razorpay_payment_id"`
	Status           string         `json:"status"`
	Amount           int64          `json:"amount"`
	Currency         string         `json:"currency"`
	ErrorDescription string         `json:"error_description"`
	Notes            map[string]any `json:"notes"`
	CreatedAt        int64          `json:"created_at"`
}

func (p razorpayPayment) ref() string {
	if p.ID != "" {
		return p.ID
	}
	return p.RazorpayPayment
}

func (g *Gateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	token := strings.TrimSpace(req.PaymentMethodToken)
	if token == "" {
		return nil, paymentdomain.ErrNoPaymentMethod
	}

	payload := map[string]any{
		"amount":   req.Amount,
		"currency": strings.ToUpper(req.Currency),
		"token":    token,
		"recurring": "1",
		"notes": map[string]string{
			"invoice_id":     req.InvoiceID.String(),
			"invoice_number": req.InvoiceNumber,
			"org_id":         req.OrgID.String(),
		},
	}

	var payment razorpayPayment
	if err := g.doJSON(ctx, "/v1/payments/create/recurring", payload, &payment); err != nil {
		return nil, err
	}

	status := strings.TrimSpace(payment.Status)
	switch status {
	case "captured", "authorized", "":
	case "failed":
		reason := strings.TrimSpace(payment.ErrorDescription)
		if reason == "" {
			reason = "payment failed"
		}
		return nil, fmt.Errorf("%w: %s", paymentdomain.ErrChargeDeclined, reason)
	default:
		return nil, fmt.Errorf("%w: payment status %s", paymentdomain.ErrChargeDeclined, status)
	}

	if payment.ref() == "" {
		return nil, fmt.Errorf("%w: response has no payment id", paymentdomain.ErrProviderRequest)
	}
	return &paymentdomain.ChargeResult{ProviderRef: payment.ref(), Status: status}, nil
}

type razorpayLink struct {
	ID       string `json:"id"`
	ShortURL string `json:"short_url"`
	Status   string `json:"status"`
}

func (g *Gateway) CreateLink(ctx context.Context, req paymentdomain.LinkRequest) (*paymentdomain.LinkResult, error) {
	payload := map[string]any{
		"amount":       req.Amount,
		"currency":     strings.ToUpper(req.Currency),
		"description":  req.Description,
		"reference_id": req.InvoiceNumber,
		"notes": map[string]string{
			"invoice_id":     req.InvoiceID.String(),
			"invoice_number": req.InvoiceNumber,
			"org_id":         req.OrgID.String(),
		},
	}

	var link razorpayLink
	if err := g.doJSON(ctx, "/v1/payment_links", payload, &link); err != nil {
		return nil, err
	}
	if strings.TrimSpace(link.ShortURL) == "" {
		return nil, fmt.Errorf("%w: payment link has no url", paymentdomain.ErrProviderRequest)
	}
	return &paymentdomain.LinkResult{ProviderRef: link.ID, URL: link.ShortURL}, nil
}

func (g *Gateway) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if g.webhookSecret == "" {
		return paymentdomain.ErrInvalidConfig
	}
	signature := strings.TrimSpace(headers.Get("X-Razorpay-Signature"))
	if signature == "" {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type razorpayEvent struct {
	Event     string               `json:"event"`
	CreatedAt int64                `json:"created_at"`
	Payload   razorpayEventPayload `json:"payload"`
}

type razorpayEventPayload struct {
	Payment struct {
		Entity razorpayPayment `json:"entity"`
	} `json:"payment"`
}

func (g *Gateway) ParseEvent(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	var event razorpayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	eventName := strings.TrimSpace(event.Event)
	var eventType paymentdomain.EventType
	switch eventName {
	case "payment.captured", "payment_link.paid":
		eventType = paymentdomain.EventTypePaymentSucceeded
	case "payment.failed":
		eventType = paymentdomain.EventTypePaymentFailed
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	payment := event.Payload.Payment.Entity
	if payment.ref() == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	invoiceID, err := notesInvoiceID(payment.Notes)
	if err != nil {
		return nil, err
	}

	occurredAt := payment.CreatedAt
	if occurredAt == 0 {
		occurredAt = event.CreatedAt
	}

	// Razorpay carries no event id in the body; the payment id plus the
	// event name is stable across redeliveries.
	return &paymentdomain.Event{
		Provider:        "razorpay",
		ProviderEventID: payment.ref() + ":" + eventName,
		ProviderRef:     payment.ref(),
		Type:            eventType,
		InvoiceID:       invoiceID,
		Amount:          payment.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(payment.Currency)),
		OccurredAt:      eventTime(occurredAt),
		FailureReason:   strings.TrimSpace(payment.ErrorDescription),
	}, nil
}

type razorpayErrorBody struct {
	Error struct {
		Description string `json:"description"`
	} `json:"error"`
}

func (g *Gateway) doJSON(ctx context.Context, path string, payload map[string]any, out any) error {
	if g.keyID == "" || g.keySecret == "" {
		return paymentdomain.ErrInvalidConfig
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(g.keyID, g.keySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", paymentdomain.ErrProviderRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var errBody razorpayErrorBody
		message := "razorpay_request_failed"
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil {
			if m := strings.TrimSpace(errBody.Error.Description); m != "" {
				message = m
			}
		}
		return fmt.Errorf("%w: %s", paymentdomain.ErrProviderRequest, message)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func eventTime(created int64) time.Time {
	if created == 0 {
		return time.Now().UTC()
	}
	return time.Unix(created, 0).UTC()
}

func notesInvoiceID(notes map[string]any) (snowflake.ID, error) {
	raw := ""
	if notes != nil {
		if value, ok := notes["invoice_id"].(string); ok {
			raw = strings.TrimSpace(value)
		}
	}
	if raw == "" {
		return 0, paymentdomain.ErrEventIgnored
	}
	invoiceID, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, paymentdomain.ErrInvalidEvent
	}
	return invoiceID, nil
}
