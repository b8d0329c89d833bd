package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type RideStatus string

const (
	RideActive    RideStatus = "active"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingRejected  BookingStatus = "rejected"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentPaid       PaymentStatus = "paid"
	PaymentRefunded   PaymentStatus = "refunded"
)

// HoldStatus tracks the processor-side state of a payment hold.
type HoldStatus string

const (
	HoldAuthorized        HoldStatus = "authorized"
	HoldCaptured          HoldStatus = "captured"
	HoldCanceled          HoldStatus = "canceled"
	HoldRefunded          HoldStatus = "refunded"
	HoldPartiallyRefunded HoldStatus = "partially_refunded"
)

// Terminal reports whether no further processor operation is legal on the hold.
func (s HoldStatus) Terminal() bool {
	return s == HoldCanceled || s == HoldRefunded
}

type ProcessorKind string

const (
	ProcessorStripe    ProcessorKind = "stripe"
	ProcessorLedgerPay ProcessorKind = "ledgerpay"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountWarned    AccountStatus = "warned"
	AccountSuspended AccountStatus = "suspended"
	AccountBanned    AccountStatus = "banned"
)

type Ride struct {
	ID           string     `json:"id"`
	DriverID     string     `json:"driver_id"`
	FromLocation string     `json:"from_location"`
	ToLocation   string     `json:"to_location"`
	Origin       Coord      `json:"origin"`
	Destination  Coord      `json:"destination"`
	Departure    time.Time  `json:"departure"`
	Arrival      *time.Time `json:"arrival,omitempty"` // nil means open-ended; overlap math assumes a default duration
	SeatsTotal   int        `json:"seats_total"`
	PricePerSeat float64    `json:"price_per_seat"`
	Status       RideStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Booking struct {
	ID            string        `json:"id"`
	RideID        string        `json:"ride_id"`
	PassengerID   string        `json:"passenger_id"`
	Seats         int           `json:"seats"`
	Amount        float64       `json:"amount"` // decimal major units, single currency
	Status        BookingStatus `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	HoldID        string        `json:"hold_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// PaymentHold mirrors one reservation of funds at a processor. Exactly one
// non-terminal hold may exist per booking at a time.
type PaymentHold struct {
	ID             string        `json:"id"`
	BookingID      string        `json:"booking_id"`
	Processor      ProcessorKind `json:"processor"`
	ProcessorRef   string        `json:"processor_ref"` // opaque handle issued by the processor
	Amount         float64       `json:"amount"`        // authorized amount
	CapturedAmount float64       `json:"captured_amount"`
	RefundedAmount float64       `json:"refunded_amount"`
	Currency       string        `json:"currency"`
	Status         HoldStatus    `json:"status"`
	ExpiresAt      time.Time     `json:"expires_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type DriverReliabilityRecord struct {
	DriverID       string        `json:"driver_id"`
	WarningsSent   int           `json:"warnings_sent"`
	AccountStatus  AccountStatus `json:"account_status"`
	SuspendedUntil *time.Time    `json:"suspended_until,omitempty"`
	LastWarningAt  *time.Time    `json:"last_warning_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// CancellationEvent is the append-only record the reliability projection is
// derived from.
type CancellationEvent struct {
	ID         string    `json:"id"`
	DriverID   string    `json:"driver_id"`
	RideID     string    `json:"ride_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type SupportTicket struct {
	ID        string    `json:"id"`
	DriverID  string    `json:"driver_id"`
	Priority  string    `json:"priority"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type DriverEarning struct {
	ID        string    `json:"id"`
	DriverID  string    `json:"driver_id"`
	BookingID string    `json:"booking_id"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}
