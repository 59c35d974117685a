package coupon

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Type string

const (
	Percentage   Type = "percentage"
	FixedAmount  Type = "fixed_amount"
	FreeShipping Type = "free_shipping"
)

func (t Type) Valid() bool {
	switch t {
	case Percentage, FixedAmount, FreeShipping:
		return true
	default:
		return false
	}
}

// Coupon is a vendor-scoped discount. Everything but IsActive is frozen once
// the coupon has been redeemed.
type Coupon struct {
	ID                    string                      `gorm:"column:id;primaryKey" json:"id"`
	VendorID              string                      `gorm:"column:vendor_id;not null;uniqueIndex:idx_coupons_vendor_code,priority:1" json:"vendorId"`
	Code                  string                      `gorm:"column:code;not null;uniqueIndex:idx_coupons_vendor_code,priority:2" json:"code"`
	Type                  Type                        `gorm:"column:type;not null" json:"type"`
	Value                 decimal.Decimal             `gorm:"column:value;type:numeric(20,2)" json:"value"`
	MinimumOrderAmount    decimal.NullDecimal         `gorm:"column:minimum_order_amount;type:numeric(20,2)" json:"minimumOrderAmount"`
	MaximumDiscountAmount decimal.NullDecimal         `gorm:"column:maximum_discount_amount;type:numeric(20,2)" json:"maximumDiscountAmount"`
	UsageLimit            *int64                      `gorm:"column:usage_limit" json:"usageLimit,omitempty"`
	UserUsageLimit        *int64                      `gorm:"column:user_usage_limit" json:"userUsageLimit,omitempty"`
	StartsAt              *time.Time                  `gorm:"column:starts_at" json:"startsAt,omitempty"`
	ExpiresAt             *time.Time                  `gorm:"column:expires_at" json:"expiresAt,omitempty"`
	RestrictToProductIDs  datatypes.JSONSlice[string] `gorm:"column:restrict_to_product_ids" json:"restrictToProductIds"`
	EligibilityExpression string                      `gorm:"column:eligibility_expression;type:text" json:"eligibilityExpression,omitempty"`
	IsActive              bool                        `gorm:"column:is_active" json:"isActive"`
	CreatedAt             time.Time                   `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt             time.Time                   `gorm:"column:updated_at" json:"updatedAt"`
}

// CouponRedemption is append-only.
type CouponRedemption struct {
	ID             string          `gorm:"column:id;primaryKey" json:"id"`
	CouponID       string          `gorm:"column:coupon_id;not null;index:idx_coupon_redemptions_user,priority:1" json:"couponId"`
	UserID         string          `gorm:"column:user_id;index:idx_coupon_redemptions_user,priority:2" json:"userId"`
	OrderID        string          `gorm:"column:order_id;index" json:"orderId"`
	DiscountAmount decimal.Decimal `gorm:"column:discount_amount;type:numeric(20,2)" json:"discountAmount"`
	RedeemedAt     time.Time       `gorm:"column:redeemed_at" json:"redeemedAt"`
}

// Item is one cart line belonging to the coupon's vendor.
type Item struct {
	ProductID string
	Price     decimal.Decimal
	Qty       int64
}

func Models() []any {
	return []any{&Coupon{}, &CouponRedemption{}}
}
