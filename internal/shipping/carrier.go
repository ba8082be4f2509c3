package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/freshmart/fulfillment-service/internal/gateway"
)

// TrackingTimeout bounds a tracker lookup; label purchases use the gateway
// default.
const TrackingTimeout = 300 * time.Second

type Rate struct {
	ID          string `json:"id"`
	Carrier     string `json:"carrier"`
	Service     string `json:"service"`
	AmountCents int64  `json:"amount"`
}

type Label struct {
	TrackingCode string `json:"tracking_code"`
	LabelURL     string `json:"label_url"`
	Carrier      string `json:"carrier"`
	Service      string `json:"service"`
}

type TrackerEvent struct {
	Status     string    `json:"status"`
	StatusCode string    `json:"status_code"`
	Message    string    `json:"message"`
	Location   string    `json:"location"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ShipmentRequest struct {
	OrderNumber string `json:"order_number"`
	ToZIP       string `json:"to_zip"`
	FromZIP     string `json:"from_zip"`
	WeightOz    int64  `json:"weight_oz"`
}

type CarrierClient interface {
	CreateShipment(ctx context.Context, req ShipmentRequest) ([]Rate, error)
	BuyLabel(ctx context.Context, rateID string) (*Label, error)
	GetTracker(ctx context.Context, trackingCode string) ([]TrackerEvent, error)
}

// HTTPCarrierClient talks to an EasyPost-style shipping API. Errors reuse
// the gateway error classes so retry policy is shared with payments.
type HTTPCarrierClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPCarrierClient(baseURL, apiKey string, timeout time.Duration) *HTTPCarrierClient {
	if timeout <= 0 {
		timeout = TrackingTimeout
	}
	return &HTTPCarrierClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPCarrierClient) CreateShipment(ctx context.Context, req ShipmentRequest) ([]Rate, error) {
	var out struct {
		Rates []Rate `json:"rates"`
	}
	if err := c.call(ctx, http.MethodPost, "/v2/shipments", req, &out); err != nil {
		return nil, err
	}
	return out.Rates, nil
}

func (c *HTTPCarrierClient) BuyLabel(ctx context.Context, rateID string) (*Label, error) {
	var label Label
	if err := c.call(ctx, http.MethodPost, "/v2/labels", map[string]string{"rate_id": rateID}, &label); err != nil {
		return nil, err
	}
	return &label, nil
}

func (c *HTTPCarrierClient) GetTracker(ctx context.Context, trackingCode string) ([]TrackerEvent, error) {
	var out struct {
		Events []TrackerEvent `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, "/v2/trackers/"+trackingCode, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *HTTPCarrierClient) call(ctx context.Context, method, path string, payload, out any) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return gateway.NewError(gateway.ClassInvalid, "encode_failed", err.Error())
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return gateway.NewError(gateway.ClassInvalid, "bad_request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return gateway.NewError(gateway.ClassTransient, "network_error", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return gateway.NewError(gateway.ClassTransient, "decode_failed", err.Error())
		}
		return nil
	}

	msg := fmt.Sprintf("carrier returned status %d", resp.StatusCode)
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return gateway.NewError(gateway.ClassTransient, "carrier_error", msg)
	case resp.StatusCode == http.StatusNotFound:
		return gateway.NewError(gateway.ClassNotFound, "not_found", msg)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// Carrier rejected the address or parcel; retrying cannot help.
		return gateway.NewError(gateway.ClassDeclined, "rejected", msg)
	default:
		return gateway.NewError(gateway.ClassInvalid, "bad_request", msg)
	}
}
