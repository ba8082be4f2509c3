package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/freshmart/fulfillment-service/internal/gateway"
	"github.com/freshmart/fulfillment-service/internal/payment"
	"github.com/freshmart/fulfillment-service/internal/queue"
	"github.com/freshmart/fulfillment-service/internal/tasks"
	"github.com/rs/zerolog/log"
)

// CheckoutHandler exposes the charge endpoint used at checkout.
type CheckoutHandler struct {
	processor *payment.Processor
	queue     *queue.Client
}

func NewCheckoutHandler(processor *payment.Processor, q *queue.Client) *CheckoutHandler {
	return &CheckoutHandler{processor: processor, queue: q}
}

type chargeError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
	// Retry tells the client whether trying again can succeed, as opposed
	// to needing a different payment method.
	Retry bool `json:"retry"`
}

// Charge handles POST /checkout/charge. The Idempotency-Key header is
// mandatory: it is what makes client retries safe.
func (h *CheckoutHandler) Charge(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, chargeError{Code: "missing_idempotency_key", Error: "Idempotency-Key header is required"})
		return
	}

	var req payment.ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, chargeError{Code: "invalid_body", Error: "invalid request body"})
		return
	}
	req.IdempotencyKey = key

	outcome, err := h.processor.Charge(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrChargeInFlight):
			writeJSON(w, http.StatusConflict, chargeError{Code: "in_flight", Error: "a charge with this key is still processing", Retry: true})
		case gateway.IsDeclined(err):
			writeJSON(w, http.StatusPaymentRequired, chargeError{Code: "card_declined", Error: "payment was declined, use a different payment method"})
		case gateway.IsTransient(err):
			// The attempt stays pending; the queue finishes it with backoff
			// and the same idempotency key, so no second charge can happen.
			if _, qErr := h.queue.Enqueue(r.Context(), tasks.KindChargeRetry, tasks.ChargePayload{
				Request:        req,
				IdempotencyKey: key,
			}, queue.PaymentRetryPolicy); qErr != nil {
				log.Error().Err(qErr).Msg("handler: failed to enqueue charge retry")
				writeJSON(w, http.StatusServiceUnavailable, chargeError{Code: "gateway_unavailable", Error: "payment could not be processed, try again", Retry: true})
				return
			}
			writeJSON(w, http.StatusAccepted, chargeError{Code: "processing", Error: "payment is being processed, check the order shortly", Retry: false})
		default:
			log.Error().Err(err).Msg("handler: charge failed")
			writeJSON(w, http.StatusInternalServerError, chargeError{Code: "internal", Error: "failed to process payment"})
		}
		return
	}

	status := http.StatusCreated
	if outcome.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, outcome)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Info().Msgf("Failed to encode response: %v", err)
	}
}
