package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter mounts all HTTP routes.
func NewRouter(orders *OrderHandler, checkout *CheckoutHandler, shipments *ShippingHandler, paymentWebhook *PaymentWebhookHandler, trackingWebhook *TrackingWebhookHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Post("/orders", orders.Create)
	r.Get("/orders/{id}", orders.GetByID)
	r.Post("/orders/{id}/items/{itemID}/status", orders.AdvanceItem)
	r.Post("/orders/{id}/shipments", shipments.Rates)
	r.Post("/orders/{id}/label", shipments.BuyLabel)

	r.Post("/checkout/charge", checkout.Charge)

	r.Post("/webhooks/payment", paymentWebhook.Handle)
	r.Post("/webhooks/tracking", trackingWebhook.Handle)

	return r
}
