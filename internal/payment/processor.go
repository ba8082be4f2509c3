package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/freshmart/fulfillment-service/internal/gateway"
	"github.com/freshmart/fulfillment-service/internal/money"
	"github.com/freshmart/fulfillment-service/internal/order"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// ErrChargeInFlight means another request holding the same idempotency key
// has not finished yet. Callers should retry later rather than charge again.
var ErrChargeInFlight = errors.New("charge with this idempotency key is still in flight")

type ChargeRequest struct {
	OrderID        uuid.UUID   `json:"order_id"`
	UserID         uuid.UUID   `json:"user_id"`
	Amount         money.Money `json:"amount"`
	Currency       string      `json:"currency"`
	Method         string      `json:"method"`
	MethodToken    string      `json:"method_token"`
	IdempotencyKey string      `json:"-"`
}

type ChargeOutcome struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	GatewayID     string            `json:"gateway_id"`
	Status        TransactionStatus `json:"status"`
	// Duplicate is true when the outcome was replayed from an earlier
	// request with the same idempotency key.
	Duplicate bool   `json:"duplicate"`
	Declined  bool   `json:"declined,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Processor drives a single payment attempt to completion. It does not
// retry by itself; transient failures bubble up to the task queue, which
// owns the backoff schedule.
type Processor struct {
	guard      *Guard
	store      TransactionStore
	gw         gateway.PaymentGateway
	reconciler *order.Reconciler
}

func NewProcessor(guard *Guard, store TransactionStore, gw gateway.PaymentGateway, reconciler *order.Reconciler) *Processor {
	return &Processor{guard: guard, store: store, gw: gw, reconciler: reconciler}
}

// Charge guards the attempt by idempotency key, creates exactly one pending
// transaction per new attempt, calls the gateway and persists the outcome.
// A transient gateway error leaves both the record and the transaction
// pending: the retry resumes them instead of charging twice.
func (p *Processor) Charge(ctx context.Context, req ChargeRequest) (*ChargeOutcome, error) {
	if req.Currency == "" {
		req.Currency = "usd"
	}

	reqData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("processor: failed to marshal charge request: %w", err)
	}

	acquired, err := p.guard.Acquire(ctx, req.IdempotencyKey, req.UserID, reqData)
	if err != nil {
		return nil, fmt.Errorf("processor: failed to acquire idempotency key: %w", err)
	}
	rec := acquired.Record

	if !acquired.IsNew {
		return p.resume(ctx, req, rec)
	}

	txn := &Transaction{
		OrderID: &req.OrderID,
		Amount:  req.Amount,
		Method:  req.Method,
		Status:  TxPending,
		Metadata: map[string]any{
			"idempotency_key": req.IdempotencyKey,
		},
	}
	if err := p.store.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("processor: failed to create transaction: %w", err)
	}

	rec.OrderID = &req.OrderID
	rec.TransactionID = &txn.ID
	if err := p.guard.store.UpdateIdempotency(ctx, rec); err != nil {
		return nil, fmt.Errorf("processor: failed to link transaction to idempotency record: %w", err)
	}

	return p.executeCharge(ctx, req, rec, txn)
}

// resume handles a repeated request for a key that already has a record.
func (p *Processor) resume(ctx context.Context, req ChargeRequest, rec *IdempotencyRecord) (*ChargeOutcome, error) {
	switch rec.Status {
	case IdemCompleted, IdemFailed:
		var outcome ChargeOutcome
		if len(rec.ResponseData) > 0 {
			if err := json.Unmarshal(rec.ResponseData, &outcome); err != nil {
				return nil, fmt.Errorf("processor: stored response for key %q is corrupt: %w", rec.Key, err)
			}
		}
		outcome.Duplicate = true
		log.Info().Str("key", rec.Key).Str("status", string(rec.Status)).Msg("processor: replayed stored outcome")
		return &outcome, nil
	}

	// Pending record: a previous attempt is either still running or was cut
	// off by a transient gateway failure.
	if rec.GatewayID != nil && *rec.GatewayID != "" {
		return p.confirmPending(ctx, rec)
	}
	if !rec.Interrupted || rec.TransactionID == nil {
		// The owning attempt has not reported back. Charging now could pay
		// the gateway twice for one key, so the caller waits; a record
		// orphaned by a crash frees up when its key expires.
		return nil, ErrChargeInFlight
	}

	txn, err := p.store.GetTransaction(ctx, *rec.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("processor: failed to load pending transaction for key %q: %w", rec.Key, err)
	}
	if txn.Status != TxPending {
		// The original request finished between our lookup and now.
		return &ChargeOutcome{TransactionID: txn.ID, GatewayID: txn.GatewayID, Status: txn.Status, Duplicate: true}, nil
	}

	// This retry owns the attempt now; clearing the marker shuts out a
	// second concurrent resume.
	rec.Interrupted = false
	if err := p.guard.store.UpdateIdempotency(ctx, rec); err != nil {
		return nil, fmt.Errorf("processor: failed to claim interrupted attempt for key %q: %w", rec.Key, err)
	}
	return p.executeCharge(ctx, req, rec, txn)
}

// executeCharge performs the gateway call and persists the outcome for the
// transaction and the idempotency record atomically.
func (p *Processor) executeCharge(ctx context.Context, req ChargeRequest, rec *IdempotencyRecord, txn *Transaction) (*ChargeOutcome, error) {
	intent, err := p.gw.CreatePaymentIntent(ctx, req.Amount.Cents(), req.Currency, map[string]string{
		"order_id":        req.OrderID.String(),
		"transaction_id":  txn.ID.String(),
		"idempotency_key": req.IdempotencyKey,
		"method_token":    req.MethodToken,
	})
	if err != nil {
		if gateway.IsTransient(err) {
			// The charge may have landed on the gateway side. Leave the
			// transaction and the record pending, marked interrupted so a
			// retry is allowed to resume; the gateway dedupes the re-sent
			// create by idempotency key.
			rec.Interrupted = true
			if updErr := p.guard.store.UpdateIdempotency(ctx, rec); updErr != nil {
				log.Error().Err(updErr).Str("key", rec.Key).Msg("processor: failed to mark attempt interrupted")
			}
			log.Warn().Err(err).
				Stringer("order_id", req.OrderID).
				Stringer("transaction_id", txn.ID).
				Msg("processor: transient gateway failure, attempt left pending")
			return nil, fmt.Errorf("processor: gateway unavailable: %w", err)
		}
		return p.finalizeFailure(ctx, req.OrderID, rec, txn, err)
	}

	switch intent.Status {
	case gateway.IntentSucceeded:
		return p.finalizeSuccess(ctx, req.OrderID, rec, txn, intent.ID)
	case gateway.IntentProcessing:
		// Remember the intent so the retry path confirms it.
		rec.GatewayID = &intent.ID
		if err := p.store.SetTransactionGatewayID(ctx, txn.ID, intent.ID); err != nil {
			log.Error().Err(err).Stringer("transaction_id", txn.ID).Msg("processor: failed to record intent id")
		}
		if err := p.guard.store.UpdateIdempotency(ctx, rec); err != nil {
			log.Error().Err(err).Str("key", rec.Key).Msg("processor: failed to record intent id on idempotency record")
		}
		return nil, fmt.Errorf("processor: intent %s still processing: %w",
			intent.ID, gateway.NewError(gateway.ClassTransient, "intent_processing", "payment intent not settled yet"))
	default:
		return p.finalizeFailure(ctx, req.OrderID, rec, txn,
			gateway.NewError(gateway.ClassDeclined, intent.Status, "payment intent was not accepted"))
	}
}

// confirmPending re-checks an intent created by an earlier attempt before
// deciding the outcome.
func (p *Processor) confirmPending(ctx context.Context, rec *IdempotencyRecord) (*ChargeOutcome, error) {
	intent, err := p.gw.RetrievePaymentIntent(ctx, *rec.GatewayID)
	if err != nil {
		return nil, fmt.Errorf("processor: failed to confirm intent %s: %w", *rec.GatewayID, err)
	}

	txn, err := p.store.GetTransaction(ctx, *rec.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("processor: failed to load transaction for key %q: %w", rec.Key, err)
	}

	var orderID uuid.UUID
	if rec.OrderID != nil {
		orderID = *rec.OrderID
	}

	switch intent.Status {
	case gateway.IntentSucceeded:
		return p.finalizeSuccess(ctx, orderID, rec, txn, intent.ID)
	case gateway.IntentCanceled, gateway.IntentFailed:
		return p.finalizeFailure(ctx, orderID, rec, txn,
			gateway.NewError(gateway.ClassDeclined, intent.Status, "payment intent did not succeed"))
	default:
		return nil, ErrChargeInFlight
	}
}

func (p *Processor) finalizeSuccess(ctx context.Context, orderID uuid.UUID, rec *IdempotencyRecord, txn *Transaction, gatewayID string) (*ChargeOutcome, error) {
	outcome := &ChargeOutcome{TransactionID: txn.ID, GatewayID: gatewayID, Status: TxCompleted}
	respData, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("processor: failed to marshal outcome: %w", err)
	}

	txn.Status = TxCompleted
	txn.GatewayID = gatewayID
	rec.Status = IdemCompleted
	rec.ResponseData = respData
	if err := p.store.FinalizeCharge(ctx, txn, rec); err != nil {
		// The money moved but we could not persist it. Re-throw so the
		// queue retries: the resume path will confirm the intent and land
		// the same outcome.
		return nil, fmt.Errorf("processor: charge succeeded at gateway but outcome not persisted for order %s: %w", orderID, err)
	}

	if orderID != uuid.Nil {
		if err := p.reconciler.Recompute(ctx, orderID, order.ActorSystem); err != nil {
			log.Error().Err(err).Stringer("order_id", orderID).Msg("processor: failed to reconcile order after charge")
		}
	}

	log.Info().
		Stringer("order_id", orderID).
		Stringer("transaction_id", txn.ID).
		Str("gateway_id", gatewayID).
		Msg("processor: charge completed")
	return outcome, nil
}

func (p *Processor) finalizeFailure(ctx context.Context, orderID uuid.UUID, rec *IdempotencyRecord, txn *Transaction, cause error) (*ChargeOutcome, error) {
	outcome := &ChargeOutcome{
		TransactionID: txn.ID,
		Status:        TxFailed,
		Declined:      gateway.IsDeclined(cause),
		Error:         cause.Error(),
	}
	respData, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("processor: failed to marshal failure outcome: %w", err)
	}

	txn.Status = TxFailed
	rec.Status = IdemFailed
	rec.ResponseData = respData
	if err := p.store.FinalizeCharge(ctx, txn, rec); err != nil {
		return nil, fmt.Errorf("processor: failed to persist charge failure for order %s: %w", orderID, err)
	}

	if orderID != uuid.Nil {
		if err := p.reconciler.Recompute(ctx, orderID, order.ActorSystem); err != nil {
			log.Error().Err(err).Stringer("order_id", orderID).Msg("processor: failed to reconcile order after failed charge")
		}
	}

	log.Warn().
		Stringer("order_id", orderID).
		Stringer("transaction_id", txn.ID).
		Err(cause).
		Msg("processor: charge failed")
	return outcome, cause
}
