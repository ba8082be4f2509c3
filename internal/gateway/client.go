package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds a single payment-gateway call.
const DefaultTimeout = 120 * time.Second

// Client is an HTTP payment-gateway client (Stripe-style JSON API).
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreatePaymentIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*PaymentIntent, error) {
	var intent PaymentIntent
	// The key rides along as a header so the provider replays the original
	// intent for a re-sent create instead of charging a second time.
	err := c.post(ctx, "/v1/payment_intents", metadata["idempotency_key"], map[string]any{
		"amount":   amountCents,
		"currency": currency,
		"metadata": metadata,
	}, &intent)
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) Refund(ctx context.Context, paymentIntentID string, amountCents int64, metadata map[string]string) (*Refund, error) {
	var refund Refund
	err := c.post(ctx, "/v1/refunds", metadata["idempotency_key"], map[string]any{
		"payment_intent": paymentIntentID,
		"amount":         amountCents,
		"metadata":       metadata,
	}, &refund)
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

func (c *Client) RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.get(ctx, "/v1/payment_intents/"+id, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return NewError(ClassInvalid, "encode_failed", err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return NewError(ClassInvalid, "bad_request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return NewError(ClassInvalid, "bad_request", err.Error())
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient; the charge may or
		// may not have landed, so the caller must confirm before declaring
		// failure.
		if errors.Is(err, context.Canceled) {
			return err
		}
		log.Warn().Err(err).Str("path", req.URL.Path).Msg("gateway: request failed")
		return NewError(ClassTransient, "network_error", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return NewError(ClassTransient, "decode_failed", err.Error())
		}
		return nil
	}

	var apiErr struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	msg := apiErr.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("gateway returned status %d", resp.StatusCode)
	}

	switch {
	case resp.StatusCode >= 500:
		return NewError(ClassTransient, apiErr.Error.Code, msg)
	case resp.StatusCode == http.StatusPaymentRequired:
		return NewError(ClassDeclined, apiErr.Error.Code, msg)
	case resp.StatusCode == http.StatusNotFound:
		return NewError(ClassNotFound, apiErr.Error.Code, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewError(ClassTransient, apiErr.Error.Code, msg)
	default:
		return NewError(ClassInvalid, apiErr.Error.Code, msg)
	}
}
