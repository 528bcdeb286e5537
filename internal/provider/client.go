package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/korepay/reconciler/pkg/errors"
)

// Client talks to the payment provider over HTTP. Every call is bounded by
// the client-level timeout so a wedged provider can never hang a poll.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(apiKey).
		SetHeader("Accept", "application/json")
	return &Client{http: httpClient}
}

func (c *Client) QueryStatus(ctx context.Context, correlationToken string) (*StatusPayload, error) {
	var payload StatusPayload
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&payload).
		SetPathParam("token", correlationToken).
		Get("/v1/charges/{token}/status")
	if err != nil {
		slog.Warn("provider status query failed", "correlation_token", correlationToken, "error", err)
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrProviderUnavailable, err)
	}
	if resp.IsError() {
		slog.Warn("provider status query returned error", "correlation_token", correlationToken, "status_code", resp.StatusCode())
		return nil, fmt.Errorf("%w: status %d", pkgerrors.ErrProviderUnavailable, resp.StatusCode())
	}
	if payload.CorrelationToken == "" {
		payload.CorrelationToken = correlationToken
	}
	return &payload, nil
}

type initiateRequest struct {
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

type initiateResponse struct {
	CorrelationToken string `json:"correlationToken"`
}

func (c *Client) InitiatePushPayment(ctx context.Context, amount int64, destination string) (string, error) {
	var result initiateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(initiateRequest{Amount: amount, Destination: destination}).
		SetResult(&result).
		Post("/v1/charges")
	if err != nil {
		return "", fmt.Errorf("%w: %v", pkgerrors.ErrProviderUnavailable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: status %d", pkgerrors.ErrProviderUnavailable, resp.StatusCode())
	}
	if result.CorrelationToken == "" {
		return "", fmt.Errorf("%w: initiation response missing correlation token", pkgerrors.ErrProviderUnavailable)
	}
	slog.Info("push payment initiated", "correlation_token", result.CorrelationToken, "amount", amount)
	return result.CorrelationToken, nil
}
