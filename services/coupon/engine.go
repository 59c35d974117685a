package coupon

import (
	"slices"
	"time"

	"marketplace-settlement/pkg/celengine"
	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/pkg/money"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RuleError names the validation rule a coupon failed.
type RuleError struct {
	Reason  string
	Message string
}

func (e *RuleError) Error() string { return e.Message }

var (
	ErrNotFound           = &RuleError{Reason: "not_found", Message: "coupon not found"}
	ErrNotYetStarted      = &RuleError{Reason: "not_yet_started", Message: "coupon is not active yet"}
	ErrExpired            = &RuleError{Reason: "expired", Message: "coupon has expired"}
	ErrProductNotEligible = &RuleError{Reason: "product_not_eligible", Message: "no item in the cart is eligible for this coupon"}
	ErrMinimumNotMet      = &RuleError{Reason: "minimum_not_met", Message: "order does not meet the coupon minimum amount"}
	ErrUsageLimitExceeded = &RuleError{Reason: "usage_limit_exceeded", Message: "coupon usage limit reached"}
	ErrUserLimitExceeded  = &RuleError{Reason: "user_limit_exceeded", Message: "coupon usage limit reached for this user"}
	ErrUserRequired       = &RuleError{Reason: "user_required", Message: "coupon is limited per user and needs a user id"}
)

func reject(code string, rule *RuleError) error {
	detail := errutil.WithDetails(errutil.Detail{Field: "couponCode", Message: rule.Reason})
	if rule == ErrNotFound {
		return errutil.NotFound(rule.Message+": "+code, rule, detail)
	}
	return errutil.ValidationFailed(rule.Message, rule, detail)
}

func Subtotal(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Price.Mul(decimal.NewFromInt(it.Qty)))
	}
	return money.Round(total)
}

// checkEligibility applies the rules that need no redemption counts:
// active flag, validity window, product restriction, eligibility
// expression and minimum amount, in that order.
func checkEligibility(c *Coupon, items []Item, userID string, now time.Time) *RuleError {
	if c == nil || !c.IsActive {
		return ErrNotFound
	}

	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return ErrNotYetStarted
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return ErrExpired
	}

	if len(c.RestrictToProductIDs) > 0 {
		eligible := slices.ContainsFunc(items, func(it Item) bool {
			return slices.Contains(c.RestrictToProductIDs, it.ProductID)
		})
		if !eligible {
			return ErrProductNotEligible
		}
	}

	if c.EligibilityExpression != "" {
		ok, err := celengine.Evaluate(c.EligibilityExpression, eligibilityAttrs(items, userID))
		if err != nil {
			zap.L().Warn("coupon eligibility expression failed",
				zap.String("coupon_id", c.ID),
				zap.String("expression", c.EligibilityExpression),
				zap.Error(err),
			)
			return ErrProductNotEligible
		}
		if !ok {
			return ErrProductNotEligible
		}
	}

	if c.MinimumOrderAmount.Valid && Subtotal(items).LessThan(c.MinimumOrderAmount.Decimal) {
		return ErrMinimumNotMet
	}

	return nil
}

func checkUsage(c *Coupon, total, byUser int64) *RuleError {
	if c.UsageLimit != nil && total >= *c.UsageLimit {
		return ErrUsageLimitExceeded
	}
	if c.UserUsageLimit != nil && byUser >= *c.UserUsageLimit {
		return ErrUserLimitExceeded
	}
	return nil
}

// eligibilityAttrs is the variable set an eligibility expression sees.
func eligibilityAttrs(items []Item, userID string) map[string]any {
	productIDs := make([]string, 0, len(items))
	lines := make([]any, 0, len(items))
	var qty int64
	for _, it := range items {
		productIDs = append(productIDs, it.ProductID)
		lines = append(lines, map[string]any{
			"product_id": it.ProductID,
			"price":      it.Price.InexactFloat64(),
			"qty":        it.Qty,
		})
		qty += it.Qty
	}

	return map[string]any{
		"subtotal":    Subtotal(items).InexactFloat64(),
		"item_count":  qty,
		"product_ids": productIDs,
		"items":       lines,
		"user_id":     userID,
	}
}

// Discount computes the discount of c against vendor subtotal s. shipping is
// the vendor order's shipping charge, used only by free_shipping coupons.
func Discount(c *Coupon, s, shipping decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch c.Type {
	case Percentage:
		d = money.Percent(s, c.Value)
	case FixedAmount:
		d = decimal.Min(c.Value, s)
	case FreeShipping:
		return money.Round(decimal.Max(shipping, decimal.Zero))
	default:
		return decimal.Zero
	}

	if c.MaximumDiscountAmount.Valid {
		d = decimal.Min(d, c.MaximumDiscountAmount.Decimal)
	}
	d = decimal.Max(decimal.Min(d, s), decimal.Zero)
	return money.Round(d)
}
