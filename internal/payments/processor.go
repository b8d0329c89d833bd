package payments

import (
	"context"
	"time"

	"github.com/example/ride-marketplace/internal/models"
)

// AuthorizeRequest is the processor-neutral shape of a hold creation.
// Amounts are in the processor's minor unit.
type AuthorizeRequest struct {
	BookingID      string
	AmountMinor    int64
	Currency       string
	PayerRef       string
	IdempotencyKey string
}

// ProcessorHold is what a backend returns from a successful authorization.
type ProcessorHold struct {
	Ref         string // opaque handle, stored on the PaymentHold row
	ClientToken string // confirmation token handed to the client app
	ExpiresAt   time.Time
}

// Processor abstracts one external payment backend. Implementations never
// retry internally: a retried non-idempotent create could double-authorize,
// so transient failures are surfaced as TransientError and the caller decides.
type Processor interface {
	Kind() models.ProcessorKind
	Authorize(ctx context.Context, req AuthorizeRequest) (ProcessorHold, error)
	Capture(ctx context.Context, ref string, amountMinor int64, idempotencyKey string) error
	Cancel(ctx context.Context, ref, reason string) error
	Refund(ctx context.Context, ref string, amountMinor int64, reason, idempotencyKey string) error
	Retrieve(ctx context.Context, ref string) (string, error)
}
