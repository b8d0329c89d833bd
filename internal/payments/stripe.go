package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"

	"github.com/example/ride-marketplace/internal/apperrors"
	"github.com/example/ride-marketplace/internal/models"
)

// Card networks release manual-capture holds after roughly seven days; Stripe
// does not expose the exact release time on the PaymentIntent.
const stripeHoldTTL = 7 * 24 * time.Hour

// StripeProcessor drives stripe-go PaymentIntents with capture_method=manual
// for the hold/capture/cancel/refund flow.
type StripeProcessor struct{}

// NewStripeProcessor sets the package-level API key and returns the backend.
func NewStripeProcessor(apiKey string) *StripeProcessor {
	stripe.Key = apiKey
	return &StripeProcessor{}
}

func (s *StripeProcessor) Kind() models.ProcessorKind { return models.ProcessorStripe }

// Authorize creates a PaymentIntent holding funds without moving them.
func (s *StripeProcessor) Authorize(ctx context.Context, req AuthorizeRequest) (ProcessorHold, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(req.Currency),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	if req.PayerRef != "" {
		params.Customer = stripe.String(req.PayerRef)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return ProcessorHold{}, translateStripeErr("stripe authorize", err)
	}
	return ProcessorHold{
		Ref:         pi.ID,
		ClientToken: pi.ClientSecret,
		ExpiresAt:   time.Unix(pi.Created, 0).Add(stripeHoldTTL),
	}, nil
}

// Capture finalizes a previously-held PaymentIntent for amountMinor.
func (s *StripeProcessor) Capture(ctx context.Context, ref string, amountMinor int64, idempotencyKey string) error {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(amountMinor),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.IdempotencyKey = stripe.String(idempotencyKey)
	}
	if _, err := paymentintent.Capture(ref, params); err != nil {
		return translateStripeErr("stripe capture", err)
	}
	return nil
}

// Cancel releases the hold without moving money.
func (s *StripeProcessor) Cancel(ctx context.Context, ref, reason string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if _, err := paymentintent.Cancel(ref, params); err != nil {
		return translateStripeErr("stripe cancel", err)
	}
	return nil
}

// Refund returns captured funds, fully or partially.
func (s *StripeProcessor) Refund(ctx context.Context, ref string, amountMinor int64, reason, idempotencyKey string) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(ref),
		Amount:        stripe.Int64(amountMinor),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.IdempotencyKey = stripe.String(idempotencyKey)
	}
	if _, err := refund.New(params); err != nil {
		return translateStripeErr("stripe refund", err)
	}
	return nil
}

// Retrieve fetches the remote PaymentIntent status.
func (s *StripeProcessor) Retrieve(ctx context.Context, ref string) (string, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(ref, params)
	if err != nil {
		return "", translateStripeErr("stripe retrieve", err)
	}
	return string(pi.Status), nil
}

// translateStripeErr normalizes stripe-go errors into the shared taxonomy:
// card errors become declines, 429/5xx become retryable, everything else is
// wrapped as-is. Transport failures (no *stripe.Error) are treated as
// transient because the request may never have reached Stripe.
func translateStripeErr(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.Type == stripe.ErrorTypeCard:
			code := string(se.DeclineCode)
			if code == "" {
				code = string(se.Code)
			}
			return &apperrors.DeclinedError{Code: code, Reason: se.Msg}
		case se.HTTPStatusCode >= 500 || se.HTTPStatusCode == 429 || se.Type == stripe.ErrorTypeAPI:
			return apperrors.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperrors.Transient(op, err)
}
