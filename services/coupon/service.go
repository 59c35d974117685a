package coupon

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"marketplace-settlement/pkg/celengine"
	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/pkg/money"
	"marketplace-settlement/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{1,64}$`)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	now  func() time.Time

	coupons     repository.Repository[Coupon]
	redemptions repository.Repository[CouponRedemption]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		now:  time.Now,

		coupons:     repository.ProvideStore[Coupon](p.DB),
		redemptions: repository.ProvideStore[CouponRedemption](p.DB),
	}
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type CreateCouponRequest struct {
	VendorID              string              `json:"-"`
	Code                  string              `json:"code"`
	Type                  Type                `json:"type"`
	Value                 decimal.Decimal     `json:"value"`
	MinimumOrderAmount    decimal.NullDecimal `json:"minimumOrderAmount"`
	MaximumDiscountAmount decimal.NullDecimal `json:"maximumDiscountAmount"`
	UsageLimit            *int64              `json:"usageLimit"`
	UserUsageLimit        *int64              `json:"userUsageLimit"`
	StartsAt              *time.Time          `json:"startsAt"`
	ExpiresAt             *time.Time          `json:"expiresAt"`
	RestrictToProductIDs  []string            `json:"restrictToProductIds"`
	EligibilityExpression string              `json:"eligibilityExpression"`
	IsActive              *bool               `json:"isActive"`
}

func (r *CreateCouponRequest) validate() []errutil.Detail {
	var details []errutil.Detail
	add := func(field, msg string) {
		details = append(details, errutil.Detail{Field: field, Message: msg})
	}

	if strings.TrimSpace(r.VendorID) == "" {
		add("vendorId", "required")
	}
	if !codePattern.MatchString(r.Code) {
		add("code", "must be 1-64 uppercase letters or digits")
	}
	if !r.Type.Valid() {
		add("type", "must be one of percentage, fixed_amount, free_shipping")
	}

	switch r.Type {
	case Percentage:
		if !r.Value.IsPositive() || r.Value.GreaterThan(decimal.NewFromInt(100)) {
			add("value", "percentage must be greater than 0 and at most 100")
		}
	case FixedAmount:
		if err := money.ValidatePositive(r.Value); err != nil {
			add("value", err.Error())
		}
	}

	if r.MinimumOrderAmount.Valid {
		if err := money.ValidateNonNegative(r.MinimumOrderAmount.Decimal); err != nil {
			add("minimumOrderAmount", err.Error())
		}
	}
	if r.MaximumDiscountAmount.Valid {
		if err := money.ValidatePositive(r.MaximumDiscountAmount.Decimal); err != nil {
			add("maximumDiscountAmount", err.Error())
		}
	}
	if r.UsageLimit != nil && *r.UsageLimit < 1 {
		add("usageLimit", "must be at least 1")
	}
	if r.UserUsageLimit != nil && *r.UserUsageLimit < 1 {
		add("userUsageLimit", "must be at least 1")
	}
	if r.StartsAt != nil && r.ExpiresAt != nil && !r.ExpiresAt.After(*r.StartsAt) {
		add("expiresAt", "must be after startsAt")
	}

	if r.EligibilityExpression != "" {
		sample := eligibilityAttrs([]Item{{ProductID: "sample", Price: decimal.NewFromInt(1), Qty: 1}}, "sample")
		env, err := celengine.GetOrBuildEnv(sample)
		if err == nil {
			err = celengine.ValidateExpression(env, r.EligibilityExpression)
		}
		if err != nil {
			add("eligibilityExpression", err.Error())
		}
	}

	return details
}

func (s *Service) CreateCoupon(ctx context.Context, req CreateCouponRequest) (*Coupon, error) {
	req.Code = NormalizeCode(req.Code)
	if details := req.validate(); len(details) > 0 {
		return nil, errutil.ValidationFailed("invalid coupon", nil, errutil.WithDetails(details...))
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	now := s.now().UTC()
	c := &Coupon{
		ID:                    s.node.Generate().String(),
		VendorID:              req.VendorID,
		Code:                  req.Code,
		Type:                  req.Type,
		Value:                 req.Value,
		MinimumOrderAmount:    req.MinimumOrderAmount,
		MaximumDiscountAmount: req.MaximumDiscountAmount,
		UsageLimit:            req.UsageLimit,
		UserUsageLimit:        req.UserUsageLimit,
		StartsAt:              req.StartsAt,
		ExpiresAt:             req.ExpiresAt,
		RestrictToProductIDs:  req.RestrictToProductIDs,
		EligibilityExpression: req.EligibilityExpression,
		IsActive:              active,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if c.Type == FreeShipping {
		c.Value = decimal.Zero
	}

	if err := s.coupons.Create(ctx, c); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict(fmt.Sprintf("coupon %s already exists for vendor %s", c.Code, c.VendorID), err)
		}
		zap.L().Error("failed to create coupon", zap.String("vendor_id", c.VendorID), zap.Error(err))
		return nil, err
	}

	return c, nil
}

func (s *Service) GetCoupon(ctx context.Context, vendorID, code string) (*Coupon, error) {
	return s.find(ctx, s.coupons, vendorID, code)
}

func (s *Service) find(ctx context.Context, repo repository.Repository[Coupon], vendorID, code string) (*Coupon, error) {
	c, err := repo.FindOne(ctx, &Coupon{VendorID: vendorID, Code: NormalizeCode(code)})
	if err != nil {
		zap.L().Error("failed to query coupon", zap.String("vendor_id", vendorID), zap.Error(err))
		return nil, err
	}
	if c == nil {
		return nil, errutil.NotFound(fmt.Sprintf("coupon %s not found", NormalizeCode(code)), nil)
	}
	return c, nil
}

// SetActive toggles IsActive, the one field that stays mutable after a coupon
// has been redeemed.
func (s *Service) SetActive(ctx context.Context, vendorID, code string, active bool) (*Coupon, error) {
	c, err := s.GetCoupon(ctx, vendorID, code)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.coupons.Update(ctx, c.ID, map[string]any{"is_active": active, "updated_at": now}); err != nil {
		zap.L().Error("failed to update coupon", zap.String("coupon_id", c.ID), zap.Error(err))
		return nil, err
	}

	c.IsActive = active
	c.UpdatedAt = now
	return c, nil
}

type ValidateRequest struct {
	VendorID string
	Code     string
	UserID   string
	Items    []Item
	Shipping decimal.Decimal
	Now      time.Time
}

type Result struct {
	Coupon   *Coupon
	Subtotal decimal.Decimal
	Discount decimal.Decimal
}

func (s *Service) Validate(ctx context.Context, req ValidateRequest) (*Result, error) {
	return s.ValidateTx(ctx, s.db, req)
}

// ValidateTx checks the coupon against the vendor's cart lines, reading
// redemption counts through tx, and returns the discount it grants.
func (s *Service) ValidateTx(ctx context.Context, tx *gorm.DB, req ValidateRequest) (*Result, error) {
	if req.Now.IsZero() {
		req.Now = s.now()
	}
	code := NormalizeCode(req.Code)

	c, err := s.coupons.WithTrx(tx).FindOne(ctx, &Coupon{VendorID: req.VendorID, Code: code})
	if err != nil {
		zap.L().Error("failed to query coupon", zap.String("vendor_id", req.VendorID), zap.Error(err))
		return nil, err
	}

	if rule := checkEligibility(c, req.Items, req.UserID, req.Now); rule != nil {
		return nil, reject(code, rule)
	}

	// per-user limits need a user to count against
	if c.UserUsageLimit != nil && req.UserID == "" {
		return nil, reject(code, ErrUserRequired)
	}

	var total, byUser int64
	redemptionTx := s.redemptions.WithTrx(tx)
	if c.UsageLimit != nil {
		if total, err = redemptionTx.Count(ctx, &CouponRedemption{CouponID: c.ID}); err != nil {
			return nil, err
		}
	}
	if c.UserUsageLimit != nil {
		if byUser, err = redemptionTx.Count(ctx, &CouponRedemption{CouponID: c.ID, UserID: req.UserID}); err != nil {
			return nil, err
		}
	}
	if rule := checkUsage(c, total, byUser); rule != nil {
		return nil, reject(code, rule)
	}

	subtotal := Subtotal(req.Items)
	return &Result{
		Coupon:   c,
		Subtotal: subtotal,
		Discount: Discount(c, subtotal, req.Shipping),
	}, nil
}

// Redeem records the coupon use for orderID inside tx.
func (s *Service) Redeem(ctx context.Context, tx *gorm.DB, res *Result, orderID, userID string) (*CouponRedemption, error) {
	redemption := &CouponRedemption{
		ID:             s.node.Generate().String(),
		CouponID:       res.Coupon.ID,
		UserID:         userID,
		OrderID:        orderID,
		DiscountAmount: res.Discount,
		RedeemedAt:     s.now().UTC(),
	}
	if err := s.redemptions.WithTrx(tx).Create(ctx, redemption); err != nil {
		zap.L().Error("failed to record coupon redemption", zap.String("coupon_id", res.Coupon.ID), zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}
	return redemption, nil
}
