package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/postbill/internal/clock"
	invoicedomain "github.com/smallbiznis/postbill/internal/invoice/domain"
	"github.com/smallbiznis/postbill/internal/observability/metrics"
	"github.com/smallbiznis/postbill/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/postbill/internal/payment/domain"
	paymentservice "github.com/smallbiznis/postbill/internal/payment/service"
	pkgdb "github.com/smallbiznis/postbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Registry   *adapters.Registry
	PaymentSvc *paymentservice.Service
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	registry   *adapters.Registry
	paymentSvc *paymentservice.Service
}

func NewService(p Params) paymentdomain.WebhookService {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		clock:      p.Clock,
		registry:   p.Registry,
		paymentSvc: p.PaymentSvc,
	}
}

// IngestWebhook verifies, deduplicates, and processes one provider delivery.
// The unique index on (provider, provider_event_id) makes redeliveries of an
// already stored event no-ops, whatever their processing outcome was.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrProviderNotFound
	}
	gateway, err := s.registry.ByName(provider)
	if err != nil {
		return err
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	if err := gateway.Verify(ctx, payload, headers); err != nil {
		metrics.Scheduler().IncWebhookEvent(provider, "rejected")
		return err
	}

	event, err := gateway.ParseEvent(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			metrics.Scheduler().IncWebhookEvent(provider, "ignored")
			return nil
		}
		return err
	}

	now := s.clock.Now()
	row := paymentdomain.WebhookEvent{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       string(event.Type),
		Payload:         datatypes.JSON(payload),
		Status:          paymentdomain.WebhookStatusReceived,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			metrics.Scheduler().IncWebhookEvent(provider, "duplicate")
			return nil
		}
		return err
	}

	return s.process(ctx, &row, event)
}

func (s *Service) process(ctx context.Context, row *paymentdomain.WebhookEvent, event *paymentdomain.Event) error {
	err := s.paymentSvc.ApplyExternalPayment(ctx, event)
	if err == nil {
		s.markProcessed(ctx, row.ID)
		metrics.Scheduler().IncWebhookEvent(row.Provider, "processed")
		return nil
	}

	if errors.Is(err, paymentdomain.ErrInvoiceUnknown) {
		// A delivery for an invoice this system never issued. Keep the
		// row so the provider's retries stay deduplicated.
		s.markIgnored(ctx, row.ID)
		metrics.Scheduler().IncWebhookEvent(row.Provider, "ignored")
		return nil
	}

	s.markFailed(ctx, row, err)
	metrics.Scheduler().IncWebhookEvent(row.Provider, "failed")
	return err
}

// RetryFailedOnce re-processes stored deliveries whose handling failed,
// honoring the same backoff schedule generation retries use.
func (s *Service) RetryFailedOnce(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now()

	var rows []paymentdomain.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", paymentdomain.WebhookStatusFailed).
		Where("attempt_count < ?", len(invoicedomain.RetryBackoff)).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("next_retry_at asc, id asc").
		Limit(batchSize).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	var errs []error
	processed := 0
	for i := range rows {
		row := &rows[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		gateway, err := s.registry.ByName(row.Provider)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		event, err := gateway.ParseEvent(ctx, []byte(row.Payload))
		if err != nil {
			// The payload verified at ingest; a parse failure now means
			// the adapter changed. Drop the event rather than loop.
			s.markIgnored(ctx, row.ID)
			continue
		}

		if err := s.process(ctx, row, event); err != nil {
			errs = append(errs, err)
			continue
		}
		processed++
	}

	metrics.Scheduler().AddBatchProcessed("webhook_retry", processed)
	return processed, errors.Join(errs...)
}

func (s *Service) markProcessed(ctx context.Context, id snowflake.ID) {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Model(&paymentdomain.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       paymentdomain.WebhookStatusProcessed,
			"processed_at": now,
			"last_error":   "",
			"updated_at":   now,
		}).Error
	if err != nil {
		s.log.Warn("failed to mark webhook event processed", zap.Error(err))
	}
}

func (s *Service) markIgnored(ctx context.Context, id snowflake.ID) {
	err := s.db.WithContext(ctx).Model(&paymentdomain.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     paymentdomain.WebhookStatusIgnored,
			"updated_at": s.clock.Now(),
		}).Error
	if err != nil {
		s.log.Warn("failed to mark webhook event ignored", zap.Error(err))
	}
}

func (s *Service) markFailed(ctx context.Context, row *paymentdomain.WebhookEvent, cause error) {
	now := s.clock.Now()
	attempts := row.AttemptCount + 1

	updates := map[string]any{
		"status":        paymentdomain.WebhookStatusFailed,
		"attempt_count": attempts,
		"last_error":    cause.Error(),
		"updated_at":    now,
	}
	if invoicedomain.RetriesExhausted(attempts) {
		updates["next_retry_at"] = nil
	} else {
		updates["next_retry_at"] = now.Add(invoicedomain.NextRetryDelay(attempts))
	}

	err := s.db.WithContext(ctx).Model(&paymentdomain.WebhookEvent{}).
		Where("id = ?", row.ID).
		Updates(updates).Error
	if err != nil {
		s.log.Warn("failed to mark webhook event failed", zap.Error(err))
	}
	row.AttemptCount = attempts
}
