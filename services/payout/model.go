package payout

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal states are never left once entered.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

type Payout struct {
	ID               string          `gorm:"column:id;primaryKey" json:"id"`
	VendorID         string          `gorm:"column:vendor_id;index;not null" json:"vendorId"`
	Amount           decimal.Decimal `gorm:"column:amount;type:numeric(20,2)" json:"amount"`
	Currency         string          `gorm:"column:currency;size:3" json:"currency"`
	Destination      string          `gorm:"column:destination" json:"destination"`
	Status           Status          `gorm:"column:status;index" json:"status"`
	ExternalPayoutID string          `gorm:"column:external_payout_id;index" json:"externalPayoutId,omitempty"`
	FailureReason    string          `gorm:"column:failure_reason" json:"failureReason,omitempty"`
	RequestedAt      time.Time       `gorm:"column:requested_at" json:"requestedAt"`
	PaidAt           *time.Time      `gorm:"column:paid_at" json:"paidAt,omitempty"`
	NotifiedAt       *time.Time      `gorm:"column:notified_at" json:"notifiedAt,omitempty"`
	UpdatedAt        time.Time       `gorm:"column:updated_at" json:"updatedAt"`
}

func Models() []any {
	return []any{&Payout{}}
}
