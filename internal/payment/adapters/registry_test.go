package adapters

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/smallbiznis/postbill/internal/payment/domain"
)

type stubGateway struct {
	provider string
}

func (s *stubGateway) Provider() string { return s.provider }

func (s *stubGateway) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	return nil, domain.ErrNoPaymentMethod
}

func (s *stubGateway) CreateLink(ctx context.Context, req domain.LinkRequest) (*domain.LinkResult, error) {
	return nil, domain.ErrProviderRequest
}

func (s *stubGateway) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return nil
}

func (s *stubGateway) ParseEvent(ctx context.Context, payload []byte) (*domain.Event, error) {
	return nil, domain.ErrEventIgnored
}

func TestByName(t *testing.T) {
	registry := NewRegistry(&stubGateway{provider: "stripe"}, &stubGateway{provider: "razorpay"})

	gateway, err := registry.ByName("stripe")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if gateway.Provider() != "stripe" {
		t.Errorf("expected stripe, got %s", gateway.Provider())
	}

	// Lookup is case and whitespace insensitive.
	if _, err := registry.ByName("  Razorpay "); err != nil {
		t.Errorf("expected normalized lookup to succeed, got %v", err)
	}

	if _, err := registry.ByName("paypal"); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestForCurrency(t *testing.T) {
	registry := NewRegistry(&stubGateway{provider: "stripe"}, &stubGateway{provider: "razorpay"})

	cases := []struct {
		currency string
		want     string
	}{
		{"USD", "stripe"},
		{"usd", "stripe"},
		{"EUR", "stripe"},
		{"INR", "razorpay"},
		{"inr", "razorpay"},
		{" inr ", "razorpay"},
	}
	for _, tc := range cases {
		gateway, err := registry.ForCurrency(tc.currency)
		if err != nil {
			t.Errorf("ForCurrency(%q): %v", tc.currency, err)
			continue
		}
		if gateway.Provider() != tc.want {
			t.Errorf("ForCurrency(%q) = %s, want %s", tc.currency, gateway.Provider(), tc.want)
		}
	}
}

func TestForCurrency_MissingProvider(t *testing.T) {
	registry := NewRegistry(&stubGateway{provider: "stripe"})
	if _, err := registry.ForCurrency("INR"); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound without a razorpay gateway, got %v", err)
	}
}

func TestNewRegistry_SkipsInvalidGateways(t *testing.T) {
	registry := NewRegistry(nil, &stubGateway{provider: "  "}, &stubGateway{provider: "Stripe"})
	if !registry.ProviderExists("stripe") {
		t.Error("expected the stripe gateway registered under its normalized name")
	}
	if registry.ProviderExists("") {
		t.Error("expected the unnamed gateway dropped")
	}
}
