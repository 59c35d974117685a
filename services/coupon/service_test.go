package coupon

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/services/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	return NewService(ServiceParams{DB: db, Node: testutil.NewNode(t)})
}

func TestCreateCoupon(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	c, err := svc.CreateCoupon(ctx, CreateCouponRequest{
		VendorID:              "v1",
		Code:                  " save10 ",
		Type:                  Percentage,
		Value:                 dec("10"),
		MaximumDiscountAmount: null("80"),
	})
	require.NoError(t, err)
	require.Equal(t, "SAVE10", c.Code)
	require.True(t, c.IsActive)

	_, err = svc.CreateCoupon(ctx, CreateCouponRequest{VendorID: "v1", Code: "SAVE10", Type: FixedAmount, Value: dec("5")})
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	_, err = svc.CreateCoupon(ctx, CreateCouponRequest{VendorID: "v2", Code: "SAVE10", Type: FixedAmount, Value: dec("5")})
	require.NoError(t, err)

	inactive, err := svc.CreateCoupon(ctx, CreateCouponRequest{VendorID: "v1", Code: "LATER", Type: FreeShipping, IsActive: ptr(false)})
	require.NoError(t, err)
	got, err := svc.GetCoupon(ctx, "v1", "later")
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.Equal(t, inactive.ID, got.ID)
}

func TestCreateCouponValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateCoupon(ctx, CreateCouponRequest{
		VendorID:              "v1",
		Code:                  "BAD-CODE",
		Type:                  Percentage,
		Value:                 dec("150"),
		UsageLimit:            ptr(int64(0)),
		EligibilityExpression: `subtotal +`,
	})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	fields := map[string]bool{}
	for _, d := range errutil.ToBaseError(err).Details {
		fields[d.Field] = true
	}
	require.Equal(t, map[string]bool{"code": true, "value": true, "usageLimit": true, "eligibilityExpression": true}, fields)

	_, err = svc.CreateCoupon(ctx, CreateCouponRequest{VendorID: "v1", Code: "X", Type: "bogus"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestValidate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	c, err := svc.CreateCoupon(ctx, CreateCouponRequest{
		VendorID:              "v1",
		Code:                  "TENOFF",
		Type:                  Percentage,
		Value:                 dec("10"),
		MaximumDiscountAmount: null("80"),
		UsageLimit:            ptr(int64(2)),
		UserUsageLimit:        ptr(int64(1)),
		ExpiresAt:             ptr(now.Add(24 * time.Hour)),
	})
	require.NoError(t, err)

	items := []Item{{ProductID: "p1", Price: dec("250"), Qty: 4}}

	res, err := svc.Validate(ctx, ValidateRequest{VendorID: "v1", Code: "tenoff", UserID: "u1", Items: items, Now: now})
	require.NoError(t, err)
	require.True(t, res.Subtotal.Equal(dec("1000")))
	require.True(t, res.Discount.Equal(dec("80")))

	_, err = svc.Redeem(ctx, svc.db, res, "o1", "u1")
	require.NoError(t, err)

	_, err = svc.Validate(ctx, ValidateRequest{VendorID: "v1", Code: "TENOFF", UserID: "u1", Items: items, Now: now})
	require.ErrorIs(t, err, ErrUserLimitExceeded)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	res, err = svc.Validate(ctx, ValidateRequest{VendorID: "v1", Code: "TENOFF", UserID: "u2", Items: items, Now: now})
	require.NoError(t, err)
	_, err = svc.Redeem(ctx, svc.db, res, "o2", "u2")
	require.NoError(t, err)

	_, err = svc.Validate(ctx, ValidateRequest{VendorID: "v1", Code: "TENOFF", UserID: "u3", Items: items, Now: now})
	require.ErrorIs(t, err, ErrUsageLimitExceeded)

	_, err = svc.Validate(ctx, ValidateRequest{VendorID: "v1", Code: "TENOFF", UserID: "u3", Items: items, Now: now.Add(48 * time.Hour)})
	require.ErrorIs(t, err, ErrExpired)

	_, err = svc.Validate(ctx, ValidateRequest{VendorID: "v2", Code: "TENOFF", UserID: "u3", Items: items, Now: now})
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
	require.True(t, errors.Is(err, ErrNotFound))

	_, err = svc.SetActive(ctx, "v1", "TENOFF", false)
	require.NoError(t, err)
	_, err = svc.Validate(ctx, ValidateRequest{VendorID: "v1", Code: "TENOFF", UserID: "u4", Items: items, Now: now})
	require.ErrorIs(t, err, ErrNotFound)

	stored, err := svc.GetCoupon(ctx, "v1", "TENOFF")
	require.NoError(t, err)
	require.Equal(t, c.ID, stored.ID)
	require.False(t, stored.IsActive)
}

func TestValidateFreeShipping(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateCoupon(ctx, CreateCouponRequest{VendorID: "v1", Code: "SHIPFREE", Type: FreeShipping, MinimumOrderAmount: null("30")})
	require.NoError(t, err)

	items := []Item{{ProductID: "p1", Price: dec("15"), Qty: 1}}
	_, err = svc.Validate(ctx, ValidateRequest{VendorID: "v1", Code: "SHIPFREE", Items: items, Shipping: dec("7")})
	require.ErrorIs(t, err, ErrMinimumNotMet)

	items = append(items, Item{ProductID: "p2", Price: dec("15"), Qty: 1})
	res, err := svc.Validate(ctx, ValidateRequest{VendorID: "v1", Code: "SHIPFREE", Items: items, Shipping: dec("7")})
	require.NoError(t, err)
	require.True(t, res.Discount.Equal(decimal.NewFromInt(7)))
}

func TestValidateUserLimitNeedsUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateCoupon(ctx, CreateCouponRequest{VendorID: "v1", Code: "ONCE", Type: FixedAmount, Value: dec("5"), UserUsageLimit: ptr(int64(1))})
	require.NoError(t, err)

	items := []Item{{ProductID: "p1", Price: dec("20"), Qty: 1}}
	_, err = svc.Validate(ctx, ValidateRequest{VendorID: "v1", Code: "ONCE", Items: items})
	require.ErrorIs(t, err, ErrUserRequired)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	res, err := svc.Validate(ctx, ValidateRequest{VendorID: "v1", Code: "ONCE", UserID: "u1", Items: items})
	require.NoError(t, err)
	_, err = svc.Redeem(ctx, svc.db, res, "o1", "u1")
	require.NoError(t, err)

	_, err = svc.Validate(ctx, ValidateRequest{VendorID: "v1", Code: "ONCE", UserID: "u1", Items: items})
	require.ErrorIs(t, err, ErrUserLimitExceeded)
}
