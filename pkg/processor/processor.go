// Package processor talks to the external payment processor: it pushes vendor
// payouts out and turns the processor's signed webhook callbacks into Events.
package processor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=processor.go -destination=mock/client.go -package=mock

type EventKind string

const (
	KindPayoutPaid     EventKind = "payout.paid"
	KindPayoutFailed   EventKind = "payout.failed"
	KindPayoutCanceled EventKind = "payout.canceled"
	KindChargeRefunded EventKind = "charge.refunded"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindPayoutPaid, KindPayoutFailed, KindPayoutCanceled, KindChargeRefunded:
		return true
	}
	return false
}

// Event is a verified, normalized processor callback. TargetID is our payout
// id for payout.* events and our order id for charge.refunded.
type Event struct {
	ID            string          `json:"id"`
	Kind          EventKind       `json:"kind"`
	TargetID      string          `json:"targetId"`
	ExternalID    string          `json:"externalId,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// ErrUnsupportedEvent is returned for verified events this service does not consume.
var ErrUnsupportedEvent = errors.New("processor: unsupported event type")

// ErrTransferRejected marks a transfer the processor refused outright. Any
// other Transfer error leaves the outcome unknown.
var ErrTransferRejected = errors.New("processor: transfer rejected")

type TransferRequest struct {
	PayoutID    string
	VendorID    string
	Destination string
	Currency    string
	Amount      decimal.Decimal
	// Descriptor shows on the vendor's bank statement; empty uses the account default.
	Descriptor string
}

type TransferResult struct {
	ExternalPayoutID string
	Status           string
}

type Client interface {
	// Transfer initiates a payout to the vendor's destination. PayoutID is sent
	// as the idempotency key, so retries never move money twice.
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	// ParseWebhook verifies the signature and normalizes the event.
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

// MinorUnits converts a 2-decimal amount to the processor's integer minor units.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
