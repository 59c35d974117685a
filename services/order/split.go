package order

import (
	"fmt"
	"strings"

	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/pkg/money"
	"marketplace-settlement/services/coupon"

	"github.com/shopspring/decimal"
)

type CartItem struct {
	ProductID string          `json:"productId"`
	VendorID  string          `json:"vendorId"`
	Price     decimal.Decimal `json:"price"`
	Qty       int64           `json:"qty"`
}

type CouponCode struct {
	VendorID string `json:"vendorId"`
	Code     string `json:"code"`
}

type Cart struct {
	UserID      string       `json:"userId"`
	Currency    string       `json:"currency"`
	Items       []CartItem   `json:"items"`
	CouponCodes []CouponCode `json:"couponCodes"`
}

func (c *Cart) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range c.Items {
		total = total.Add(it.Price.Mul(decimal.NewFromInt(it.Qty)))
	}
	return money.Round(total)
}

func (c *Cart) validate() error {
	var details []errutil.Detail
	if strings.TrimSpace(c.UserID) == "" {
		details = append(details, errutil.Detail{Field: "userId", Message: "required"})
	}
	if len(c.Items) == 0 {
		details = append(details, errutil.Detail{Field: "items", Message: "cart is empty"})
	}

	vendors := make(map[string]bool)
	for i, it := range c.Items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(it.ProductID) == "" {
			details = append(details, errutil.Detail{Field: field + ".productId", Message: "required"})
		}
		if strings.TrimSpace(it.VendorID) == "" {
			details = append(details, errutil.Detail{Field: field + ".vendorId", Message: "required"})
		}
		if err := money.ValidateNonNegative(it.Price); err != nil {
			details = append(details, errutil.Detail{Field: field + ".price", Message: err.Error()})
		}
		if it.Qty < 1 {
			details = append(details, errutil.Detail{Field: field + ".qty", Message: "must be at least 1"})
		}
		vendors[it.VendorID] = true
	}

	seen := make(map[string]bool)
	for i, cc := range c.CouponCodes {
		field := fmt.Sprintf("couponCodes[%d]", i)
		switch {
		case !vendors[cc.VendorID]:
			details = append(details, errutil.Detail{Field: field + ".vendorId", Message: "vendor has no items in the cart"})
		case seen[cc.VendorID]:
			details = append(details, errutil.Detail{Field: field + ".vendorId", Message: "only one coupon per vendor"})
		case strings.TrimSpace(cc.Code) == "":
			details = append(details, errutil.Detail{Field: field + ".code", Message: "required"})
		}
		seen[cc.VendorID] = true
	}

	if len(c.Currency) != 3 {
		details = append(details, errutil.Detail{Field: "currency", Message: "must be a 3-letter ISO code"})
	}

	if len(details) > 0 {
		return errutil.ValidationFailed("invalid cart", nil, errutil.WithDetails(details...))
	}
	return nil
}

// VendorCart is the part of a cart sold by one vendor.
type VendorCart struct {
	VendorID string
	Items    []CartItem
	Subtotal decimal.Decimal
}

func (v VendorCart) CouponItems() []coupon.Item {
	out := make([]coupon.Item, 0, len(v.Items))
	for _, it := range v.Items {
		out = append(out, coupon.Item{ProductID: it.ProductID, Price: it.Price, Qty: it.Qty})
	}
	return out
}

// Split partitions items by vendor, keeping the order in which vendors first
// appear in the cart.
func Split(items []CartItem) []VendorCart {
	index := make(map[string]int)
	var out []VendorCart
	for _, it := range items {
		i, ok := index[it.VendorID]
		if !ok {
			i = len(out)
			index[it.VendorID] = i
			out = append(out, VendorCart{VendorID: it.VendorID, Subtotal: decimal.Zero})
		}
		out[i].Items = append(out[i].Items, it)
		out[i].Subtotal = out[i].Subtotal.Add(it.Price.Mul(decimal.NewFromInt(it.Qty)))
	}
	for i := range out {
		out[i].Subtotal = money.Round(out[i].Subtotal)
	}
	return out
}

// Totals is the money breakdown of one vendor order.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

func computeTotal(subtotal, discount, tax, shipping decimal.Decimal) decimal.Decimal {
	total := subtotal.Sub(discount).Add(tax).Add(shipping)
	return money.Round(decimal.Max(total, decimal.Zero))
}
