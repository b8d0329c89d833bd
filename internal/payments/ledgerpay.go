package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/ride-marketplace/internal/apperrors"
	"github.com/example/ride-marketplace/internal/models"
)

// LedgerPayClient talks to the in-house LedgerPay processor over plain HTTP.
// LedgerPay exposes the same hold semantics as Stripe's manual capture:
// POST /v1/holds, then capture/cancel/refund against the returned hold id.
type LedgerPayClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewLedgerPayClient(baseURL, apiKey string, timeout time.Duration) *LedgerPayClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LedgerPayClient{BaseURL: baseURL, APIKey: apiKey, Client: &http.Client{Timeout: timeout}}
}

func (l *LedgerPayClient) Kind() models.ProcessorKind { return models.ProcessorLedgerPay }

type ledgerHoldResponse struct {
	HoldID      string    `json:"hold_id"`
	ClientToken string    `json:"client_token"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type ledgerErrorResponse struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (l *LedgerPayClient) Authorize(ctx context.Context, req AuthorizeRequest) (ProcessorHold, error) {
	body := map[string]any{
		"amount_minor": req.AmountMinor,
		"currency":     req.Currency,
		"payer_ref":    req.PayerRef,
		"reference":    req.BookingID,
	}
	var out ledgerHoldResponse
	if err := l.do(ctx, http.MethodPost, "/v1/holds", body, req.IdempotencyKey, &out); err != nil {
		return ProcessorHold{}, err
	}
	return ProcessorHold{Ref: out.HoldID, ClientToken: out.ClientToken, ExpiresAt: out.ExpiresAt}, nil
}

func (l *LedgerPayClient) Capture(ctx context.Context, ref string, amountMinor int64, idempotencyKey string) error {
	body := map[string]any{"amount_minor": amountMinor}
	return l.do(ctx, http.MethodPost, "/v1/holds/"+ref+"/capture", body, idempotencyKey, nil)
}

func (l *LedgerPayClient) Cancel(ctx context.Context, ref, reason string) error {
	body := map[string]any{"reason": reason}
	return l.do(ctx, http.MethodPost, "/v1/holds/"+ref+"/cancel", body, "", nil)
}

func (l *LedgerPayClient) Refund(ctx context.Context, ref string, amountMinor int64, reason, idempotencyKey string) error {
	body := map[string]any{"amount_minor": amountMinor, "reason": reason}
	return l.do(ctx, http.MethodPost, "/v1/holds/"+ref+"/refund", body, idempotencyKey, nil)
}

func (l *LedgerPayClient) Retrieve(ctx context.Context, ref string) (string, error) {
	var out ledgerHoldResponse
	if err := l.do(ctx, http.MethodGet, "/v1/holds/"+ref, nil, "", &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (l *LedgerPayClient) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ledgerpay encode: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, l.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("ledgerpay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.APIKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := l.Client.Do(req)
	if err != nil {
		return apperrors.Transient("ledgerpay "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("ledgerpay decode: %w", err)
		}
		return nil
	}

	var apiErr ledgerErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return &apperrors.DeclinedError{Code: apiErr.Code, Reason: apiErr.Reason}
	case resp.StatusCode == http.StatusConflict:
		return &apperrors.InvalidStateError{Entity: "hold", ID: path, State: apiErr.Code, Required: "authorized", Op: method + " " + path}
	case resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500:
		return apperrors.Transient("ledgerpay "+path, fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Reason))
	default:
		return fmt.Errorf("ledgerpay %s: status %d: %s", path, resp.StatusCode, apiErr.Reason)
	}
}
