// Package gateway holds the payment-gateway client and the shared error
// taxonomy for external calls. The taxonomy matters because retry policy
// must not blindly retry declined cards.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

type ErrorClass string

const (
	// ClassTransient covers network errors, timeouts and gateway 5xx.
	// Retryable with backoff. A timeout is never treated as a definitive
	// failure.
	ClassTransient ErrorClass = "transient"
	// ClassDeclined is a terminal rejection (card declined). Surfaced to the
	// user, never retried.
	ClassDeclined ErrorClass = "declined"
	// ClassInvalid marks a malformed request, a caller bug. Not retried.
	ClassInvalid ErrorClass = "invalid"
	// ClassNotFound means the referenced remote object does not exist.
	ClassNotFound ErrorClass = "not_found"
)

type Error struct {
	Class   ErrorClass
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s (%s): %s", e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Class, e.Message)
}

func NewError(class ErrorClass, code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

// ClassOf extracts the error class; unclassified errors are treated as
// transient so unknown failures get retried rather than swallowed.
func ClassOf(err error) ErrorClass {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassTransient
}

func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

func IsDeclined(err error) bool {
	return ClassOf(err) == ClassDeclined
}

// PaymentIntent mirrors the gateway's charge object. Amounts are in minor
// units (cents).
type PaymentIntent struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount"`
}

type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Intent statuses as reported by the gateway.
const (
	IntentSucceeded  = "succeeded"
	IntentProcessing = "processing"
	IntentCanceled   = "canceled"
	IntentFailed     = "failed"
)

type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*PaymentIntent, error)
	Refund(ctx context.Context, paymentIntentID string, amountCents int64, metadata map[string]string) (*Refund, error)
	RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
}
