package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const GenesisHash = "GENESIS"

type EventKind string

const (
	KindCredit   EventKind = "credit"
	KindMature   EventKind = "mature"
	KindReserve  EventKind = "reserve"
	KindRelease  EventKind = "release"
	KindFinalize EventKind = "finalize"
	KindDebit    EventKind = "debit"
)

// VendorAccount is the registration record that carries a vendor's
// commission rate and where its payouts go.
type VendorAccount struct {
	VendorID          string          `gorm:"column:vendor_id;primaryKey" json:"vendorId"`
	DisplayName       string          `gorm:"column:display_name" json:"displayName"`
	Slug              string          `gorm:"column:slug;index" json:"slug"`
	CommissionRate    decimal.Decimal `gorm:"column:commission_rate;type:numeric(7,4)" json:"commissionRate"`
	PayoutDestination string          `gorm:"column:payout_destination" json:"payoutDestination"`
	Currency          string          `gorm:"column:currency;size:3" json:"currency"`
	CreatedAt         time.Time       `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt         time.Time       `gorm:"column:updated_at" json:"updatedAt"`
}

// VendorBalance is the materialized sum of a vendor's ledger events. Version
// guards every write; LastHash is the hash of the newest event in the chain.
type VendorBalance struct {
	VendorID         string          `gorm:"column:vendor_id;primaryKey" json:"vendorId"`
	PendingBalance   decimal.Decimal `gorm:"column:pending_balance;type:numeric(20,2)" json:"pendingBalance"`
	AvailableBalance decimal.Decimal `gorm:"column:available_balance;type:numeric(20,2)" json:"availableBalance"`
	ReservedBalance  decimal.Decimal `gorm:"column:reserved_balance;type:numeric(20,2)" json:"reservedBalance"`
	Version          int64           `gorm:"column:version" json:"version"`
	LastHash         string          `gorm:"column:last_hash" json:"-"`
	LastUpdated      time.Time       `gorm:"column:last_updated" json:"lastUpdated"`
}

func (b *VendorBalance) Total() decimal.Decimal {
	return b.PendingBalance.Add(b.AvailableBalance).Add(b.ReservedBalance)
}

// InDebt reports whether refunds pushed available funds below zero.
func (b *VendorBalance) InDebt() bool {
	return b.AvailableBalance.IsNegative()
}

// LedgerEvent is append-only. Amount is the magnitude of the movement; the
// three deltas say which buckets it touched.
type LedgerEvent struct {
	ID              string          `gorm:"column:id;primaryKey" json:"id"`
	VendorID        string          `gorm:"column:vendor_id;uniqueIndex:idx_ledger_events_vendor_seq,priority:1" json:"vendorId"`
	Sequence        int64           `gorm:"column:sequence;uniqueIndex:idx_ledger_events_vendor_seq,priority:2" json:"sequence"`
	Kind            EventKind       `gorm:"column:kind" json:"kind"`
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(20,2)" json:"amount"`
	PendingDelta    decimal.Decimal `gorm:"column:pending_delta;type:numeric(20,2)" json:"pendingDelta"`
	AvailableDelta  decimal.Decimal `gorm:"column:available_delta;type:numeric(20,2)" json:"availableDelta"`
	ReservedDelta   decimal.Decimal `gorm:"column:reserved_delta;type:numeric(20,2)" json:"reservedDelta"`
	RelatedOrderID  string          `gorm:"column:related_order_id;index" json:"relatedOrderId,omitempty"`
	RelatedPayoutID string          `gorm:"column:related_payout_id;index" json:"relatedPayoutId,omitempty"`
	ExternalEventID *string         `gorm:"column:external_event_id;uniqueIndex" json:"externalEventId,omitempty"`
	PreviousHash    string          `gorm:"column:previous_hash" json:"previousHash"`
	Hash            string          `gorm:"column:hash" json:"hash"`
	Metadata        datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	AppliedAt       time.Time       `gorm:"column:applied_at" json:"appliedAt"`
}

func (e *LedgerEvent) HashFields() map[string]string {
	external := ""
	if e.ExternalEventID != nil {
		external = *e.ExternalEventID
	}

	return map[string]string{
		"id":                e.ID,
		"vendor_id":         e.VendorID,
		"sequence":          fmt.Sprintf("%d", e.Sequence),
		"kind":              string(e.Kind),
		"amount":            e.Amount.StringFixed(2),
		"pending_delta":     e.PendingDelta.StringFixed(2),
		"available_delta":   e.AvailableDelta.StringFixed(2),
		"reserved_delta":    e.ReservedDelta.StringFixed(2),
		"related_order_id":  e.RelatedOrderID,
		"related_payout_id": e.RelatedPayoutID,
		"external_event_id": external,
		"applied_at":        e.AppliedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":     e.PreviousHash,
	}
}

func (e *LedgerEvent) GenerateHash() string {
	fields := e.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// PendingCredit is the hold bucket created by one capture. The sum of
// Remaining over a vendor's buckets equals its pending balance.
type PendingCredit struct {
	ID            string          `gorm:"column:id;primaryKey"`
	LedgerEventID string          `gorm:"column:ledger_event_id"`
	VendorID      string          `gorm:"column:vendor_id;index:idx_pending_credits_vendor_matures,priority:1"`
	OrderID       string          `gorm:"column:order_id;index"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(20,2)"`
	Remaining     decimal.Decimal `gorm:"column:remaining;type:numeric(20,2)"`
	MaturesAt     time.Time       `gorm:"column:matures_at;index:idx_pending_credits_vendor_matures,priority:2"`
	MaturedAt     *time.Time      `gorm:"column:matured_at"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
}

// Allocation is the part of one pending bucket consumed by a mutation.
type Allocation struct {
	PendingCreditID string          `json:"pendingCreditId"`
	SourceEventID   string          `json:"sourceEventId"`
	Amount          decimal.Decimal `json:"amount"`
	Remaining       decimal.Decimal `json:"-"`
}

// Models lists every table this package owns, for migrations and tests.
func Models() []any {
	return []any{&VendorAccount{}, &VendorBalance{}, &LedgerEvent{}, &PendingCredit{}}
}
