// Package billing applies payment gateway webhooks to the ledger.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	appledger "github.com/ledger/backend/internal/application/ledger"
	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
	"github.com/ledger/backend/internal/infrastructure/billing"
	"github.com/ledger/backend/internal/infrastructure/telemetry"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

// DefaultEventTTL is how long a processed Stripe event ID is remembered
const DefaultEventTTL = 72 * time.Hour

// ErrInvalidSignature is returned for payloads that fail verification
var ErrInvalidSignature = shared.ErrInvalidInput.WithMessage("webhook signature verification failed")

// PaymentReconciler applies one payment event
type PaymentReconciler interface {
	Reconcile(ctx context.Context, event ledger.PaymentEvent) (appledger.ReconcileResult, error)
}

// StripeWebhookService verifies Stripe webhooks and reconciles the payments
// they describe. Event IDs are remembered as a fast path; the ledger's
// idempotency keys remain the durable dedupe.
type StripeWebhookService struct {
	secret     string
	tolerance  time.Duration
	mapper     *billing.StripeEventMapper
	reconciler PaymentReconciler
	processed  shared.IdempotencyStore
	eventTTL   time.Duration
	logger     *zap.Logger
}

// StripeWebhookServiceConfig contains configuration for StripeWebhookService
type StripeWebhookServiceConfig struct {
	WebhookSecret      string
	Tolerance          time.Duration
	AccountMetadataKey string
	Reconciler         PaymentReconciler
	Processed          shared.IdempotencyStore
	EventTTL           time.Duration
	Logger             *zap.Logger
}

// NewStripeWebhookService creates a new StripeWebhookService
func NewStripeWebhookService(cfg StripeWebhookServiceConfig) *StripeWebhookService {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = DefaultEventTTL
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = webhook.DefaultTolerance
	}
	return &StripeWebhookService{
		secret:     cfg.WebhookSecret,
		tolerance:  cfg.Tolerance,
		mapper:     billing.NewStripeEventMapper(cfg.AccountMetadataKey),
		reconciler: cfg.Reconciler,
		processed:  cfg.Processed,
		eventTTL:   cfg.EventTTL,
		logger:     cfg.Logger,
	}
}

// WebhookResult contains the result of processing a webhook
type WebhookResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Processed bool   `json:"processed"`
	Duplicate bool   `json:"duplicate"`
	Applied   int    `json:"applied"`
	Message   string `json:"message,omitempty"`
}

// ProcessWebhook verifies and applies a Stripe webhook. Events without a
// ledger account are acknowledged and skipped so Stripe stops retrying.
func (s *StripeWebhookService) ProcessWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "billing", "process_webhook")
	defer span.End()

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.secret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.logger.Warn("Failed to verify webhook signature", zap.Error(err))
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	telemetry.SetAttributes(span,
		"stripe.event_id", event.ID,
		telemetry.SpanAttrEventType, string(event.Type),
	)

	log := s.logger.With(
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)))
	result := &WebhookResult{EventID: event.ID, EventType: string(event.Type)}

	if !s.mapper.Handles(event.Type) {
		log.Debug("Unhandled webhook event type")
		result.Message = "Event type not handled"
		telemetry.SetOK(span)
		return result, nil
	}

	if s.processed != nil {
		claimed, err := s.processed.MarkProcessed(ctx, event.ID, s.eventTTL)
		if err != nil {
			// the ledger dedupes on its own; a store outage only costs the fast path
			log.Warn("Idempotency store unavailable", zap.Error(err))
		} else if !claimed {
			log.Info("Webhook event already processed")
			result.Processed = true
			result.Duplicate = true
			telemetry.SetOK(span)
			return result, nil
		}
	}

	applied, err := s.apply(ctx, event)
	result.Applied = applied
	if errors.Is(err, billing.ErrMissingAccount) {
		log.Warn("Webhook event names no ledger account, skipping", zap.Error(err))
		result.Message = err.Error()
		telemetry.SetOK(span)
		return result, nil
	}
	if err != nil {
		s.forget(ctx, event.ID, log)
		log.Error("Failed to process webhook event", zap.Error(err))
		telemetry.RecordError(span, err)
		result.Message = err.Error()
		return result, err
	}

	result.Processed = true
	log.Info("Webhook event processed", zap.Int("applied", applied))
	telemetry.SetOK(span)
	return result, nil
}

// apply reconciles every payment event carried by event and returns how many
// took effect for the first time
func (s *StripeWebhookService) apply(ctx context.Context, event stripe.Event) (int, error) {
	payments, err := s.mapper.Map(event)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, p := range payments {
		res, err := s.reconciler.Reconcile(ctx, p)
		if err != nil {
			return applied, fmt.Errorf("reconcile %s %s: %w", p.Type, p.ExternalRef, err)
		}
		if !res.Noop {
			applied++
		}
	}
	return applied, nil
}

func (s *StripeWebhookService) forget(ctx context.Context, eventID string, log *zap.Logger) {
	if s.processed == nil {
		return
	}
	if err := s.processed.Forget(ctx, eventID); err != nil {
		log.Warn("Failed to release webhook event claim", zap.Error(err))
	}
}
