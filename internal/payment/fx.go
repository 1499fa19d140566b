package payment

import (
	"github.com/smallbiznis/postbill/internal/config"
	"github.com/smallbiznis/postbill/internal/payment/adapters"
	"github.com/smallbiznis/postbill/internal/payment/adapters/razorpay"
	"github.com/smallbiznis/postbill/internal/payment/adapters/stripe"
	"github.com/smallbiznis/postbill/internal/payment/service"
	"github.com/smallbiznis/postbill/internal/payment/webhook"
	"go.uber.org/fx"
)

// NewRegistry assembles the configured gateways. Currency routing lives in
// the registry itself.
func NewRegistry(cfg config.Config) *adapters.Registry {
	return adapters.NewRegistry(
		stripe.NewGateway(cfg.StripeAPIKey, cfg.StripeWebhookSecret, cfg.PaymentLinkBaseURL),
		razorpay.NewGateway(cfg.RazorpayKeyID, cfg.RazorpayKeySecret, cfg.RazorpayWebhookSecret),
	)
}

var Module = fx.Module("payment.service",
	fx.Provide(
		NewRegistry,
		service.NewService,
		service.AsPaymentProcessor,
		service.AsService,
		webhook.NewService,
	),
)
