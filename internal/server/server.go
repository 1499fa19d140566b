package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/postbill/internal/audit/domain"
	prefdomain "github.com/smallbiznis/postbill/internal/billingpref/domain"
	"github.com/smallbiznis/postbill/internal/clock"
	"github.com/smallbiznis/postbill/internal/config"
	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
	"github.com/smallbiznis/postbill/internal/invoice/render"
	paymentdomain "github.com/smallbiznis/postbill/internal/payment/domain"
	"github.com/smallbiznis/postbill/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/postbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(log.Named("http")))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	db              *gorm.DB
	genID           *snowflake.Node
	clock           clock.Clock
	renderer        *render.Renderer
	prefSvc         prefdomain.Service
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	paymentSvc      paymentdomain.Service
	webhookSvc      paymentdomain.WebhookService
	auditSvc        auditdomain.Service
	reactivator     paymentdomain.Reactivator
	limiter         *ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	DB              *gorm.DB
	GenID           *snowflake.Node
	Clock           clock.Clock
	Renderer        *render.Renderer
	PrefSvc         prefdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	PaymentSvc      paymentdomain.Service
	WebhookSvc      paymentdomain.WebhookService
	AuditSvc        auditdomain.Service
	Reactivator     paymentdomain.Reactivator `optional:"true"`
	Limiter         *ratelimit.Limiter        `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("server"),
		db:              p.DB,
		genID:           p.GenID,
		clock:           p.Clock,
		renderer:        p.Renderer,
		prefSvc:         p.PrefSvc,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		paymentSvc:      p.PaymentSvc,
		webhookSvc:      p.WebhookSvc,
		auditSvc:        p.AuditSvc,
		reactivator:     p.Reactivator,
		limiter:         p.Limiter,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func registerRoutes(s *Server) {
	s.RegisterAPIRoutes()
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api")

	// Provider deliveries authenticate by signature, not by tenant header.
	api.POST("/payments/webhooks/:provider", s.WebhookRateLimit(), s.HandlePaymentWebhook)

	org := api.Group("", s.OrgContext(), s.OrgRateLimit())

	// -------- Billing Preferences --------
	org.GET("/billing/preferences", s.GetBillingPreferences)
	org.PUT("/billing/preferences", s.UpdateBillingPreferences)

	// -------- Subscription --------
	org.GET("/subscription", s.GetSubscription)
	org.POST("/subscription", s.CreateSubscription)
	org.POST("/subscription/cancel", s.CancelSubscription)
	org.POST("/subscription/pause", s.PauseSubscription)
	org.POST("/subscription/resume", s.ResumeSubscription)

	// -------- Invoices --------
	org.GET("/invoices", s.ListInvoices)
	org.POST("/invoices/generate", s.GenerateInvoice)
	org.GET("/invoices/:id", s.GetInvoiceByID)
	org.GET("/invoices/:id/render", s.RenderInvoice)
	org.GET("/invoices/:id/payments", s.ListInvoicePayments)
	org.POST("/invoices/:id/payments", s.RecordInvoicePayment)

	// -------- Audit Logs --------
	org.GET("/audit-logs", s.ListAuditLogs)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
