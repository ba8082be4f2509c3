// Package notify is the fire-and-forget notification boundary. Delivery
// failures are logged and never propagated: a missed email must not roll
// back an order or payment mutation.
package notify

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// Template kinds sent to customers.
const (
	KindPaymentFailed  = "payment_failed"
	KindOrderConfirmed = "order_confirmed"
	KindOrderRefunded  = "order_refunded"
	KindOrderShipped   = "order_shipped"
	KindOrderDelivered = "order_delivered"
)

type Dispatcher interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, kind string, payload map[string]any)
	NotifyAdmins(ctx context.Context, subject, body string)
}

// LogDispatcher writes notifications to the log. The real mail/push fan-out
// lives outside this service and consumes the same interface.
type LogDispatcher struct{}

func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{}
}

func (d *LogDispatcher) NotifyUser(ctx context.Context, userID uuid.UUID, kind string, payload map[string]any) {
	log.Info().
		Stringer("user_id", userID).
		Str("kind", kind).
		Interface("payload", payload).
		Msg("notify: user notification")
}

func (d *LogDispatcher) NotifyAdmins(ctx context.Context, subject, body string) {
	log.Warn().
		Str("subject", subject).
		Str("body", body).
		Msg("notify: admin notification")
}
