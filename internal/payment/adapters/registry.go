package adapters

import (
	"strings"

	"github.com/smallbiznis/postbill/internal/payment/domain"
)

// Registry holds the configured gateways and routes invoices to one of them
// by currency. INR settles through Razorpay; everything else through Stripe.
type Registry struct {
	gateways map[string]domain.Gateway
}

func NewRegistry(gateways ...domain.Gateway) *Registry {
	registry := &Registry{gateways: map[string]domain.Gateway{}}
	for _, gateway := range gateways {
		if gateway == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(gateway.Provider()))
		if provider == "" {
			continue
		}
		registry.gateways[provider] = gateway
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	_, ok := r.gateways[provider]
	return ok
}

func (r *Registry) ByName(provider string) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	gateway, ok := r.gateways[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return gateway, nil
}

func (r *Registry) ForCurrency(currency string) (domain.Gateway, error) {
	provider := "stripe"
	if strings.EqualFold(strings.TrimSpace(currency), "INR") {
		provider = "razorpay"
	}
	return r.ByName(provider)
}
