package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/freshmart/fulfillment-service/internal/order"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// OrderHandler handles HTTP requests for orders.
type OrderHandler struct {
	svc order.Service
}

func NewOrderHandler(svc order.Service) *OrderHandler {
	return &OrderHandler{svc: svc}
}

// Create handles checkout order creation from a cart.
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in order.CheckoutInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	orders, err := h.svc.CreateFromCart(r.Context(), in)
	if err != nil {
		if errors.Is(err, order.ErrEmptyCart) {
			http.Error(w, "cart has no items", http.StatusBadRequest)
			return
		}
		log.Info().Msgf("Failed to create orders: %v", err)
		http.Error(w, "failed to create orders", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, orders)
}

// GetByID handles retrieving an order by its id.
func (h *OrderHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	ord, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		log.Info().Msgf("Failed to get order by id: %v", err)
		http.Error(w, "failed to get order", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ord)
}

type advanceItemRequest struct {
	Status order.ItemStatus `json:"status"`
	Actor  string           `json:"actor"`
}

// AdvanceItem handles a store or admin moving one item forward. The order's
// aggregate status is reconciled as part of the same request.
func (h *OrderHandler) AdvanceItem(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	itemID, err := uuid.FromString(chi.URLParam(r, "itemID"))
	if err != nil {
		http.Error(w, "invalid item id", http.StatusBadRequest)
		return
	}

	var req advanceItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		req.Actor = order.ActorSystem
	}

	if err := h.svc.AdvanceItem(r.Context(), orderID, itemID, req.Status, req.Actor); err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			http.Error(w, "order not found", http.StatusNotFound)
		case errors.Is(err, order.ErrItemNotFound):
			http.Error(w, "order item not found", http.StatusNotFound)
		case errors.Is(err, order.ErrIllegalItemTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Info().Msgf("Failed to advance item: %v", err)
			http.Error(w, "failed to advance item", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
