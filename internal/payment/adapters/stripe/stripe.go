package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/postbill/internal/payment/domain"
)

const apiBase = "https://api.stripe.com"

// Gateway collects non-INR invoices through Stripe payment intents and
// checkout sessions.
type Gateway struct {
	apiKey        string
	webhookSecret string
	linkBaseURL   string
	client        *http.Client
}

func NewGateway(apiKey, webhookSecret, linkBaseURL string) *Gateway {
	return &Gateway{
		apiKey:        strings.TrimSpace(apiKey),
		webhookSecret: strings.TrimSpace(webhookSecret),
		linkBaseURL:   strings.TrimRight(strings.TrimSpace(linkBaseURL), "/"),
		client:        &http.Client{Timeout: 12 * time.Second},
	}
}

func (g *Gateway) Provider() string {
	return "stripe"
}

func (g *Gateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	token := strings.TrimSpace(req.PaymentMethodToken)
	if token == "" {
		return nil, paymentdomain.ErrNoPaymentMethod
	}

	values := url.Values{}
	values.Set("amount", strconv.FormatInt(req.Amount, 10))
	values.Set("currency", strings.ToLower(req.Currency))
	values.Set("payment_method", token)
	values.Set("confirm", "true")
	values.Set("off_session", "true")
	values.Set("metadata[invoice_id]", req.InvoiceID.String())
	values.Set("metadata[invoice_number]", req.InvoiceNumber)
	values.Set("metadata[org_id]", req.OrgID.String())

	intent, err := g.doForm(ctx, "/v1/payment_intents", values, "invoice_charge:"+req.InvoiceID.String())
	if err != nil {
		return nil, err
	}
	if intent.Status != "succeeded" {
		return nil, fmt.Errorf("%w: intent status %s", paymentdomain.ErrChargeDeclined, intent.Status)
	}
	return &paymentdomain.ChargeResult{ProviderRef: intent.ID, Status: intent.Status}, nil
}

func (g *Gateway) CreateLink(ctx context.Context, req paymentdomain.LinkRequest) (*paymentdomain.LinkResult, error) {
	values := url.Values{}
	values.Set("mode", "payment")
	values.Set("line_items[0][quantity]", "1")
	values.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	values.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.Amount, 10))
	values.Set("line_items[0][price_data][product_data][name]", req.Description)
	values.Set("metadata[invoice_id]", req.InvoiceID.String())
	values.Set("metadata[invoice_number]", req.InvoiceNumber)
	values.Set("metadata[org_id]", req.OrgID.String())
	values.Set("client_reference_id", req.InvoiceNumber)
	values.Set("success_url", g.linkBaseURL+"/paid/"+req.InvoiceNumber)
	values.Set("cancel_url", g.linkBaseURL+"/invoice/"+req.InvoiceNumber)

	session, err := g.doForm(ctx, "/v1/checkout/sessions", values, "invoice_link:"+req.InvoiceID.String())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(session.URL) == "" {
		return nil, fmt.Errorf("%w: checkout session has no url", paymentdomain.ErrProviderRequest)
	}
	return &paymentdomain.LinkResult{ProviderRef: session.ID, URL: session.URL}, nil
}

func (g *Gateway) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if g.webhookSecret == "" {
		return paymentdomain.ErrInvalidConfig
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

func (g *Gateway) ParseEvent(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return g.parseIntent(event, paymentdomain.EventTypePaymentSucceeded)
	case "payment_intent.payment_failed":
		return g.parseIntent(event, paymentdomain.EventTypePaymentFailed)
	case "checkout.session.completed":
		return g.parseCheckoutSession(event)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	Metadata         map[string]any    `json:"metadata"`
	LastPaymentError *stripeFailDetail `json:"last_payment_error"`
}

type stripeFailDetail struct {
	Message string `json:"message"`
}

type stripeSession struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	AmountTotal int64          `json:"amount_total"`
	Currency    string         `json:"currency"`
	Metadata    map[string]any `json:"metadata"`
}

func (g *Gateway) parseIntent(event stripeEvent, eventType paymentdomain.EventType) (*paymentdomain.Event, error) {
	var intent stripeIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	invoiceID, err := metadataInvoiceID(intent.Metadata)
	if err != nil {
		return nil, err
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	failureReason := ""
	if intent.LastPaymentError != nil {
		failureReason = strings.TrimSpace(intent.LastPaymentError.Message)
	}

	return &paymentdomain.Event{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		ProviderRef:     intent.ID,
		Type:            eventType,
		InvoiceID:       invoiceID,
		Amount:          amount,
		Currency:        strings.ToUpper(strings.TrimSpace(intent.Currency)),
		OccurredAt:      eventTime(event.Created),
		FailureReason:   failureReason,
	}, nil
}

func (g *Gateway) parseCheckoutSession(event stripeEvent) (*paymentdomain.Event, error) {
	var session stripeSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	invoiceID, err := metadataInvoiceID(session.Metadata)
	if err != nil {
		return nil, err
	}

	return &paymentdomain.Event{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		ProviderRef:     session.ID,
		Type:            paymentdomain.EventTypePaymentSucceeded,
		InvoiceID:       invoiceID,
		Amount:          session.AmountTotal,
		Currency:        strings.ToUpper(strings.TrimSpace(session.Currency)),
		OccurredAt:      eventTime(event.Created),
	}, nil
}

type stripeObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url"`
}

type stripeErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *Gateway) doForm(ctx context.Context, path string, values url.Values, idempotencyKey string) (stripeObject, error) {
	if g.apiKey == "" {
		return stripeObject{}, paymentdomain.ErrInvalidConfig
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+path, strings.NewReader(values.Encode()))
	if err != nil {
		return stripeObject{}, err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return stripeObject{}, fmt.Errorf("%w: %s", paymentdomain.ErrProviderRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var body stripeErrorBody
		message := "stripe_request_failed"
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			if m := strings.TrimSpace(body.Error.Message); m != "" {
				message = m
			}
		}
		// 402 means the instrument itself was declined, not an
		// integration problem.
		if resp.StatusCode == http.StatusPaymentRequired {
			return stripeObject{}, fmt.Errorf("%w: %s", paymentdomain.ErrChargeDeclined, message)
		}
		return stripeObject{}, fmt.Errorf("%w: %s", paymentdomain.ErrProviderRequest, message)
	}

	var object stripeObject
	if err := json.NewDecoder(resp.Body).Decode(&object); err != nil {
		return stripeObject{}, err
	}
	if object.ID == "" {
		return stripeObject{}, fmt.Errorf("%w: response has no id", paymentdomain.ErrProviderRequest)
	}
	return object, nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func eventTime(created int64) time.Time {
	if created == 0 {
		return time.Now().UTC()
	}
	return time.Unix(created, 0).UTC()
}

func metadataInvoiceID(metadata map[string]any) (snowflake.ID, error) {
	raw := readMetadataValue(metadata, "invoice_id")
	if raw == "" {
		// Not one of ours; probably a charge created outside billing.
		return 0, paymentdomain.ErrEventIgnored
	}
	invoiceID, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, paymentdomain.ErrInvalidEvent
	}
	return invoiceID, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
