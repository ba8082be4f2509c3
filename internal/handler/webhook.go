package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/freshmart/fulfillment-service/internal/order"
	"github.com/freshmart/fulfillment-service/internal/payment"
	"github.com/freshmart/fulfillment-service/internal/queue"
	"github.com/freshmart/fulfillment-service/internal/shipping"
	"github.com/freshmart/fulfillment-service/internal/tasks"
	"github.com/rs/zerolog/log"
)

// PaymentWebhookHandler ingests gateway events. The gateway may redeliver
// any event, so every branch is idempotent.
type PaymentWebhookHandler struct {
	store      payment.TransactionStore
	reconciler *order.Reconciler
	queue      *queue.Client
}

func NewPaymentWebhookHandler(store payment.TransactionStore, reconciler *order.Reconciler, q *queue.Client) *PaymentWebhookHandler {
	return &PaymentWebhookHandler{store: store, reconciler: reconciler, queue: q}
}

type gatewayEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string `json:"id"`
			PaymentIntent string `json:"payment_intent"`
			Status        string `json:"status"`
		} `json:"object"`
	} `json:"data"`
}

func (h *PaymentWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var event gatewayEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch event.Type {
	case "payment_intent.succeeded":
		h.settle(w, r, event.Data.Object.ID, payment.TxCompleted)
	case "payment_intent.payment_failed":
		h.settle(w, r, event.Data.Object.ID, payment.TxFailed)
	case "payment_intent.canceled":
		h.settle(w, r, event.Data.Object.ID, payment.TxFailed)
	case "charge.dispute.created":
		intentID := event.Data.Object.PaymentIntent
		if intentID == "" {
			intentID = event.Data.Object.ID
		}
		_, err := h.queue.Enqueue(ctx, tasks.KindRefund, tasks.RefundPayload{
			PaymentIntentID: intentID,
			Reason:          "charge dispute",
		}, queue.RefundRetryPolicy)
		if err != nil {
			log.Error().Err(err).Str("intent_id", intentID).Msg("handler: failed to enqueue dispute refund")
			http.Error(w, "failed to process event", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		log.Debug().Str("type", event.Type).Msg("handler: ignoring gateway event")
		w.WriteHeader(http.StatusOK)
	}
}

func (h *PaymentWebhookHandler) settle(w http.ResponseWriter, r *http.Request, intentID string, target payment.TransactionStatus) {
	ctx := r.Context()
	txn, err := h.store.GetTransactionByGatewayID(ctx, intentID)
	if err != nil {
		if errors.Is(err, payment.ErrTransactionNotFound) {
			// A transaction we never created; acknowledged so the gateway
			// stops redelivering, logged for investigation.
			log.Warn().Str("intent_id", intentID).Msg("handler: gateway event for unknown transaction")
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		return
	}

	if txn.Status == target {
		w.WriteHeader(http.StatusOK)
		return
	}
	if txn.Status != payment.TxPending {
		// Terminal already; a late or duplicate delivery.
		log.Debug().Str("intent_id", intentID).Str("status", string(txn.Status)).
			Msg("handler: ignoring gateway event for settled transaction")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.store.UpdateTransactionStatus(ctx, txn.ID, target, txn.Version); err != nil {
		if errors.Is(err, payment.ErrVersionConflict) {
			// A concurrent writer settled it; the reconcile below still runs.
			log.Debug().Str("intent_id", intentID).Msg("handler: transaction settled concurrently")
		} else {
			http.Error(w, "failed to process event", http.StatusInternalServerError)
			return
		}
	}

	if txn.OrderID != nil {
		if err := h.reconciler.Recompute(ctx, *txn.OrderID, order.ActorSystem); err != nil {
			log.Error().Err(err).Stringer("order_id", *txn.OrderID).Msg("handler: failed to reconcile after gateway event")
		}
	}
	w.WriteHeader(http.StatusOK)
}

// TrackingWebhookHandler ingests carrier tracking updates.
type TrackingWebhookHandler struct {
	tracking *shipping.TrackingService
}

func NewTrackingWebhookHandler(tracking *shipping.TrackingService) *TrackingWebhookHandler {
	return &TrackingWebhookHandler{tracking: tracking}
}

func (h *TrackingWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.tracking.IngestEvent(r.Context(), body, shipping.SourceWebhook); err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			// Unknown tracking code: acknowledged, the carrier should not
			// redeliver forever.
			w.WriteHeader(http.StatusOK)
			return
		}
		log.Error().Err(err).Msg("handler: failed to ingest tracking event")
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
