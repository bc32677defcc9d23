package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kolis/internal/config"
	"kolis/internal/models"

	"github.com/rs/zerolog"
)

const headerIdempotencyKey = "Idempotency-Key"

// Client talks to the delivery/bid REST backend. Every call is bounded
// by the configured timeout; timeouts and 5xx map to TransientError,
// 409 to ErrConflict, 400/422 to ErrValidation.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zerolog.Logger
}

func NewClient(cfg config.RemoteConfig, logger *zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout()},
		logger:  logger,
	}
}

func (c *Client) CreateDelivery(ctx context.Context, idemKey string, p *models.CreateDeliveryPayload) (*models.Delivery, error) {
	var out models.Delivery
	err := c.do(ctx, http.MethodPost, "/deliveries", idemKey, p, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateBid(ctx context.Context, idemKey string, p *models.CreateBidPayload) (*models.Bid, error) {
	path := fmt.Sprintf("/deliveries/%s/bids", url.PathEscape(p.DeliveryID))
	var out models.Bid
	if err := c.do(ctx, http.MethodPost, path, idemKey, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcceptBid is atomic on the server (compare-and-swap on delivery
// status). The returned delivery is the post-acceptance snapshot.
func (c *Client) AcceptBid(ctx context.Context, idemKey, deliveryID, bidID string) (*models.Delivery, error) {
	path := fmt.Sprintf("/deliveries/%s/bids/%s/accept", url.PathEscape(deliveryID), url.PathEscape(bidID))
	var out models.Delivery
	if err := c.do(ctx, http.MethodPost, path, idemKey, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RejectBid(ctx context.Context, idemKey, deliveryID, bidID string) error {
	path := fmt.Sprintf("/deliveries/%s/bids/%s/reject", url.PathEscape(deliveryID), url.PathEscape(bidID))
	return c.do(ctx, http.MethodPost, path, idemKey, nil, nil)
}

func (c *Client) UpdateDeliveryStatus(ctx context.Context, idemKey, deliveryID string, status models.DeliveryStatus) error {
	path := fmt.Sprintf("/deliveries/%s/status", url.PathEscape(deliveryID))
	body := map[string]string{"status": string(status)}
	return c.do(ctx, http.MethodPut, path, idemKey, body, nil)
}

func (c *Client) CancelDelivery(ctx context.Context, idemKey, deliveryID, reason string) error {
	path := fmt.Sprintf("/deliveries/%s/cancel", url.PathEscape(deliveryID))
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, path, idemKey, body, nil)
}

func (c *Client) GetDelivery(ctx context.Context, deliveryID string) (*models.Delivery, error) {
	path := fmt.Sprintf("/deliveries/%s", url.PathEscape(deliveryID))
	var out models.Delivery
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListBids(ctx context.Context, deliveryID string) ([]models.Bid, error) {
	path := fmt.Sprintf("/deliveries/%s/bids", url.PathEscape(deliveryID))
	var out []models.Bid
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) QuotePrice(ctx context.Context, req *models.QuoteRequest) (*models.PriceEstimate, error) {
	var out models.PriceEstimate
	if err := c.do(ctx, http.MethodPost, "/pricing/quote", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CourierLocation is the polling counterpart of the push channel: the
// same logical position, fetched on demand.
func (c *Client) CourierLocation(ctx context.Context, deliveryID string) (*models.LocationSample, error) {
	path := fmt.Sprintf("/deliveries/%s/location", url.PathEscape(deliveryID))
	var out models.LocationSample
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	out.Source = models.SourcePoll
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, idemKey string, body, out any) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idemKey != "" {
		req.Header.Set(headerIdempotencyKey, idemKey)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("remote call")

	if err := classifyStatus(op, resp); err != nil {
		return err
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response for %s: %w", op, err)
	}
	return nil
}

func classifyStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s: %w", op, strings.TrimSpace(string(raw)), ErrValidation)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("server returned %d", resp.StatusCode)}
	default:
		return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}
}
