// Package tasks binds the domain services to the task queue: payload
// shapes, kind names and the Handler implementations the poller dispatches
// to.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/freshmart/fulfillment-service/internal/gateway"
	"github.com/freshmart/fulfillment-service/internal/notify"
	"github.com/freshmart/fulfillment-service/internal/payment"
	"github.com/freshmart/fulfillment-service/internal/queue"
	"github.com/freshmart/fulfillment-service/internal/shipping"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

const (
	KindChargeRetry = "payment.charge_retry"
	KindRefund      = "payment.refund"
	KindCreateLabel = "shipping.create_label"
)

type ChargePayload struct {
	Request payment.ChargeRequest `json:"request"`
	// Key is carried separately because ChargeRequest does not serialize it.
	IdempotencyKey string `json:"idempotency_key"`
}

// RefundPayload is a tagged variant: exactly one of OrderID or
// PaymentIntentID is set.
type RefundPayload struct {
	OrderID         *uuid.UUID `json:"order_id,omitempty"`
	PaymentIntentID string     `json:"payment_intent_id,omitempty"`
	Reason          string     `json:"reason"`
}

type LabelPayload struct {
	OrderID uuid.UUID `json:"order_id"`
	RateID  string    `json:"rate_id"`
}

// ChargeHandler retries a charge that failed transiently. The idempotency
// guard inside the processor makes re-execution safe.
type ChargeHandler struct {
	processor *payment.Processor
	notifier  notify.Dispatcher
}

func NewChargeHandler(processor *payment.Processor, notifier notify.Dispatcher) *ChargeHandler {
	return &ChargeHandler{processor: processor, notifier: notifier}
}

func (h *ChargeHandler) Execute(ctx context.Context, raw json.RawMessage, attempt int) error {
	var p ChargePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return queue.Terminal(fmt.Errorf("tasks: bad charge payload: %w", err))
	}
	p.Request.IdempotencyKey = p.IdempotencyKey

	outcome, err := h.processor.Charge(ctx, p.Request)
	if err != nil {
		if gateway.IsTransient(err) {
			return err
		}
		// Declined or invalid: retrying cannot change the answer.
		return queue.Terminal(err)
	}
	log.Info().
		Stringer("order_id", p.Request.OrderID).
		Int("attempt", attempt).
		Bool("duplicate", outcome.Duplicate).
		Msg("tasks: charge retry settled")
	return nil
}

func (h *ChargeHandler) OnExhausted(ctx context.Context, raw json.RawMessage, lastErr error) {
	var p ChargePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Msg("tasks: bad charge payload on exhaustion")
		return
	}
	h.notifier.NotifyUser(ctx, p.Request.UserID, notify.KindPaymentFailed, map[string]any{
		"order_id": p.Request.OrderID.String(),
	})
	h.notifier.NotifyAdmins(ctx, "Payment retries exhausted",
		fmt.Sprintf("Charge for order %s failed after all retries: %v", p.Request.OrderID, lastErr))
}

type RefundHandler struct {
	orchestrator *payment.RefundOrchestrator
}

func NewRefundHandler(orchestrator *payment.RefundOrchestrator) *RefundHandler {
	return &RefundHandler{orchestrator: orchestrator}
}

func (h *RefundHandler) Execute(ctx context.Context, raw json.RawMessage, attempt int) error {
	var p RefundPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return queue.Terminal(fmt.Errorf("tasks: bad refund payload: %w", err))
	}

	var err error
	switch {
	case p.OrderID != nil:
		err = h.orchestrator.RefundByOrder(ctx, *p.OrderID, p.Reason)
	case p.PaymentIntentID != "":
		err = h.orchestrator.RefundByPaymentIntent(ctx, p.PaymentIntentID, p.Reason)
	default:
		return queue.Terminal(fmt.Errorf("tasks: refund payload names neither order nor intent"))
	}
	if err != nil {
		if gateway.IsTransient(err) {
			return err
		}
		h.orchestrator.OnExhausted(ctx, p.OrderID, p.PaymentIntentID, err)
		return queue.Terminal(err)
	}
	return nil
}

func (h *RefundHandler) OnExhausted(ctx context.Context, raw json.RawMessage, lastErr error) {
	var p RefundPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Msg("tasks: bad refund payload on exhaustion")
		return
	}
	h.orchestrator.OnExhausted(ctx, p.OrderID, p.PaymentIntentID, lastErr)
}

type LabelHandler struct {
	labels *shipping.LabelService
}

func NewLabelHandler(labels *shipping.LabelService) *LabelHandler {
	return &LabelHandler{labels: labels}
}

func (h *LabelHandler) Execute(ctx context.Context, raw json.RawMessage, attempt int) error {
	var p LabelPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return queue.Terminal(fmt.Errorf("tasks: bad label payload: %w", err))
	}
	if err := h.labels.CreateLabel(ctx, p.OrderID, p.RateID); err != nil {
		if gateway.IsTransient(err) {
			return err
		}
		// Carrier rejected the shipment outright; retrying cannot help, so
		// the admin hears about it now rather than after the backoff.
		h.labels.OnExhausted(ctx, p.OrderID, err)
		return queue.Terminal(err)
	}
	return nil
}

func (h *LabelHandler) OnExhausted(ctx context.Context, raw json.RawMessage, lastErr error) {
	var p LabelPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Msg("tasks: bad label payload on exhaustion")
		return
	}
	h.labels.OnExhausted(ctx, p.OrderID, lastErr)
}
