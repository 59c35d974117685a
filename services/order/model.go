package order

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type Status string

const (
	StatusPlaced   Status = "placed"
	StatusPaid     Status = "paid"
	StatusCanceled Status = "canceled"
	StatusRefunded Status = "refunded"
)

// OrderGroup is the set of vendor orders created by one checkout.
type OrderGroup struct {
	ID          string          `gorm:"column:id;primaryKey" json:"id"`
	GroupNumber string          `gorm:"column:group_number;index" json:"groupNumber"`
	UserID      string          `gorm:"column:user_id;index" json:"userId"`
	Currency    string          `gorm:"column:currency;size:3" json:"currency"`
	Subtotal    decimal.Decimal `gorm:"column:subtotal;type:numeric(20,2)" json:"subtotal"`
	Total       decimal.Decimal `gorm:"column:total;type:numeric(20,2)" json:"total"`
	CreatedAt   time.Time       `gorm:"column:created_at" json:"createdAt"`

	Orders []Order `gorm:"foreignKey:OrderGroupID" json:"orders,omitempty"`
}

type Order struct {
	ID            string          `gorm:"column:id;primaryKey" json:"id"`
	OrderNumber   string          `gorm:"column:order_number;index" json:"orderNumber"`
	OrderGroupID  string          `gorm:"column:order_group_id;index;not null" json:"orderGroupId"`
	VendorID      string          `gorm:"column:vendor_id;index;not null" json:"vendorId"`
	UserID        string          `gorm:"column:user_id" json:"userId"`
	Subtotal      decimal.Decimal `gorm:"column:subtotal;type:numeric(20,2)" json:"subtotal"`
	Discount      decimal.Decimal `gorm:"column:discount;type:numeric(20,2)" json:"discount"`
	Tax           decimal.Decimal `gorm:"column:tax;type:numeric(20,2)" json:"tax"`
	Shipping      decimal.Decimal `gorm:"column:shipping;type:numeric(20,2)" json:"shipping"`
	Total         decimal.Decimal `gorm:"column:total;type:numeric(20,2)" json:"total"`
	Currency      string          `gorm:"column:currency;size:3" json:"currency"`
	CouponCode    string          `gorm:"column:coupon_code" json:"couponCode,omitempty"`
	PaymentStatus PaymentStatus   `gorm:"column:payment_status;index" json:"paymentStatus"`
	Status        Status          `gorm:"column:status" json:"status"`
	Commission    decimal.Decimal `gorm:"column:commission;type:numeric(20,2)" json:"commission"`
	NetAmount     decimal.Decimal `gorm:"column:net_amount;type:numeric(20,2)" json:"netAmount"`
	CapturedAt    *time.Time      `gorm:"column:captured_at" json:"capturedAt,omitempty"`
	RefundedAt    *time.Time      `gorm:"column:refunded_at" json:"refundedAt,omitempty"`
	CreatedAt     time.Time       `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt     time.Time       `gorm:"column:updated_at" json:"updatedAt"`

	Items []OrderItem `gorm:"foreignKey:OrderID" json:"items,omitempty"`
}

type OrderItem struct {
	ID        string          `gorm:"column:id;primaryKey" json:"id"`
	OrderID   string          `gorm:"column:order_id;index;not null" json:"orderId"`
	ProductID string          `gorm:"column:product_id" json:"productId"`
	Price     decimal.Decimal `gorm:"column:price;type:numeric(20,2)" json:"price"`
	Qty       int64           `gorm:"column:qty" json:"qty"`
	LineTotal decimal.Decimal `gorm:"column:line_total;type:numeric(20,2)" json:"lineTotal"`
}

func Models() []any {
	return []any{&OrderGroup{}, &Order{}, &OrderItem{}}
}
