package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/freshmart/fulfillment-service/internal/order"
	"github.com/freshmart/fulfillment-service/internal/queue"
	"github.com/freshmart/fulfillment-service/internal/shipping"
	"github.com/freshmart/fulfillment-service/internal/tasks"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// ShippingHandler exposes shipment rating and label purchase for an order.
// Rating is synchronous; the label buy runs as a queued task because carrier
// outages must not block the admin UI.
type ShippingHandler struct {
	orders  order.Repository
	carrier shipping.CarrierClient
	queue   *queue.Client
}

func NewShippingHandler(orders order.Repository, carrier shipping.CarrierClient, q *queue.Client) *ShippingHandler {
	return &ShippingHandler{orders: orders, carrier: carrier, queue: q}
}

type rateRequest struct {
	ToZIP    string `json:"to_zip"`
	FromZIP  string `json:"from_zip"`
	WeightOz int64  `json:"weight_oz"`
}

// Rates handles POST /orders/{id}/shipments: fetches carrier rates for the
// order's parcel.
func (h *ShippingHandler) Rates(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	var req rateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ord, err := h.orders.GetByID(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Stringer("order_id", orderID).Msg("handler: failed to load order for rating")
		http.Error(w, "failed to fetch rates", http.StatusInternalServerError)
		return
	}

	rates, err := h.carrier.CreateShipment(r.Context(), shipping.ShipmentRequest{
		OrderNumber: ord.Number,
		ToZIP:       req.ToZIP,
		FromZIP:     req.FromZIP,
		WeightOz:    req.WeightOz,
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("handler: failed to fetch carrier rates")
		http.Error(w, "failed to fetch rates", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, rates)
}

type buyLabelRequest struct {
	RateID string `json:"rate_id"`
}

// BuyLabel handles POST /orders/{id}/label: enqueues the label purchase.
func (h *ShippingHandler) BuyLabel(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	var req buyLabelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RateID == "" {
		http.Error(w, "rate_id is required", http.StatusBadRequest)
		return
	}

	ord, err := h.orders.GetByID(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to buy label", http.StatusInternalServerError)
		return
	}
	if ord.TrackingCode != nil && *ord.TrackingCode != "" {
		http.Error(w, "order already has a label", http.StatusConflict)
		return
	}

	taskID, err := h.queue.Enqueue(r.Context(), tasks.KindCreateLabel, tasks.LabelPayload{
		OrderID: orderID,
		RateID:  req.RateID,
	}, queue.LabelRetryPolicy)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("handler: failed to enqueue label task")
		http.Error(w, "failed to buy label", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID.String()})
}
