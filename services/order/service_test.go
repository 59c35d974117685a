package order

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"marketplace-settlement/pkg/config"
	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/services/coupon"
	"marketplace-settlement/services/ledger"
	"marketplace-settlement/services/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type counterSeq struct {
	n atomic.Int64
}

func (c *counterSeq) NextOrderNumber(_ context.Context, vendorID string) (string, error) {
	return fmt.Sprintf("ORD-%s-%d", vendorID, c.n.Add(1)), nil
}

func (c *counterSeq) NextOrderGroupNumber(_ context.Context) (string, error) {
	return fmt.Sprintf("GRP-%d", c.n.Add(1)), nil
}

type fixture struct {
	db      *gorm.DB
	orders  *Service
	coupons *coupon.Service
	ledger  *ledger.Service
}

func newFixture(t *testing.T, settlement config.Settlement) *fixture {
	t.Helper()

	models := append(Models(), coupon.Models()...)
	models = append(models, ledger.Models()...)
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)

	if settlement.Currency == "" {
		settlement.Currency = "USD"
	}
	if settlement.MaxConflictRetries == 0 {
		settlement.MaxConflictRetries = 5
	}
	cfg := &config.Config{Settlement: settlement}

	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Config: cfg})
	couponSvc := coupon.NewService(coupon.ServiceParams{DB: db, Node: node})
	orderSvc := NewService(ServiceParams{
		DB:      db,
		Node:    node,
		Seq:     &counterSeq{},
		Rates:   NewFlatRates(cfg),
		Coupons: couponSvc,
		Ledger:  ledgerSvc,
		Config:  cfg,
	})

	return &fixture{db: db, orders: orderSvc, coupons: couponSvc, ledger: ledgerSvc}
}

func (f *fixture) vendor(t *testing.T, id, rate string) {
	t.Helper()
	_, err := f.ledger.RegisterVendor(context.Background(), ledger.RegisterVendorRequest{
		VendorID:          id,
		CommissionRate:    dec(rate),
		PayoutDestination: "acct_" + id,
	})
	require.NoError(t, err)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func TestSplit(t *testing.T) {
	items := []CartItem{
		{ProductID: "p1", VendorID: "v2", Price: dec("10.10"), Qty: 3},
		{ProductID: "p2", VendorID: "v1", Price: dec("4.99"), Qty: 1},
		{ProductID: "p3", VendorID: "v2", Price: dec("0.01"), Qty: 7},
		{ProductID: "p4", VendorID: "v3", Price: dec("100"), Qty: 2},
	}

	parts := Split(items)
	require.Len(t, parts, 3)
	require.Equal(t, []string{"v2", "v1", "v3"}, []string{parts[0].VendorID, parts[1].VendorID, parts[2].VendorID})
	requireAmount(t, "30.37", parts[0].Subtotal)
	require.Len(t, parts[0].Items, 2)

	sum := decimal.Zero
	for _, p := range parts {
		sum = sum.Add(p.Subtotal)
	}
	cart := Cart{Items: items}
	require.True(t, sum.Equal(cart.Subtotal()))
}

func TestCheckout(t *testing.T) {
	f := newFixture(t, config.Settlement{TaxRate: 10, FlatShipping: 5})
	ctx := context.Background()
	f.vendor(t, "v1", "0.10")
	f.vendor(t, "v2", "0.05")

	_, err := f.coupons.CreateCoupon(ctx, coupon.CreateCouponRequest{
		VendorID: "v1", Code: "TENOFF", Type: coupon.Percentage, Value: dec("10"), MaximumDiscountAmount: decimal.NewNullDecimal(dec("80")),
	})
	require.NoError(t, err)
	_, err = f.coupons.CreateCoupon(ctx, coupon.CreateCouponRequest{VendorID: "v2", Code: "SHIP", Type: coupon.FreeShipping})
	require.NoError(t, err)

	group, err := f.orders.Checkout(ctx, Cart{
		UserID: "u1",
		Items: []CartItem{
			{ProductID: "p1", VendorID: "v1", Price: dec("500"), Qty: 2},
			{ProductID: "p2", VendorID: "v2", Price: dec("20"), Qty: 1},
		},
		CouponCodes: []CouponCode{{VendorID: "v1", Code: "tenoff"}, {VendorID: "v2", Code: "SHIP"}},
	})
	require.NoError(t, err)
	require.Len(t, group.Orders, 2)
	require.Equal(t, "USD", group.Currency)
	requireAmount(t, "1020", group.Subtotal)

	v1 := group.Orders[0]
	require.Equal(t, "v1", v1.VendorID)
	requireAmount(t, "80", v1.Discount)
	requireAmount(t, "92", v1.Tax)
	requireAmount(t, "5", v1.Shipping)
	requireAmount(t, "1017", v1.Total)
	require.Equal(t, PaymentPending, v1.PaymentStatus)

	v2 := group.Orders[1]
	requireAmount(t, "5", v2.Discount)
	requireAmount(t, "2", v2.Tax)
	requireAmount(t, "22", v2.Total)

	for _, o := range group.Orders {
		require.Equal(t, group.ID, o.OrderGroupID)
	}
	requireAmount(t, "1039", group.Total)

	var redemptions []coupon.CouponRedemption
	require.NoError(t, f.db.Order("redeemed_at").Find(&redemptions).Error)
	require.Len(t, redemptions, 2)
	orderIDs := map[string]bool{redemptions[0].OrderID: true, redemptions[1].OrderID: true}
	require.Equal(t, map[string]bool{v1.ID: true, v2.ID: true}, orderIDs)

	stored, err := f.orders.GetOrderGroup(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, stored.Orders, 2)
	require.Len(t, stored.Orders[0].Items, 1)
}

func TestCheckoutRejects(t *testing.T) {
	f := newFixture(t, config.Settlement{})
	ctx := context.Background()
	f.vendor(t, "v1", "0.10")

	t.Run("empty cart", func(t *testing.T) {
		_, err := f.orders.Checkout(ctx, Cart{UserID: "u1"})
		require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := f.orders.Checkout(ctx, Cart{Items: []CartItem{{ProductID: "p1", VendorID: "v1", Price: dec("1"), Qty: 1}}})
		require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
	})

	t.Run("unregistered vendor", func(t *testing.T) {
		_, err := f.orders.Checkout(ctx, Cart{UserID: "u1", Items: []CartItem{{ProductID: "p1", VendorID: "ghost", Price: dec("1"), Qty: 1}}})
		require.True(t, errutil.Is(err, errutil.StatusNotFound))
	})

	t.Run("coupon for vendor outside the cart", func(t *testing.T) {
		_, err := f.orders.Checkout(ctx, Cart{
			UserID:      "u1",
			Items:       []CartItem{{ProductID: "p1", VendorID: "v1", Price: dec("1"), Qty: 1}},
			CouponCodes: []CouponCode{{VendorID: "v9", Code: "X"}},
		})
		require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
	})

	t.Run("invalid coupon rolls back everything", func(t *testing.T) {
		_, err := f.orders.Checkout(ctx, Cart{
			UserID:      "u1",
			Items:       []CartItem{{ProductID: "p1", VendorID: "v1", Price: dec("1"), Qty: 1}},
			CouponCodes: []CouponCode{{VendorID: "v1", Code: "NOPE"}},
		})
		require.True(t, errutil.Is(err, errutil.StatusNotFound))

		var count int64
		require.NoError(t, f.db.Model(&Order{}).Count(&count).Error)
		require.Zero(t, count)
		require.NoError(t, f.db.Model(&OrderGroup{}).Count(&count).Error)
		require.Zero(t, count)
	})
}

// subtotal 1000, 10% coupon capped at 80, commission 10%: 828 lands in pending.
func TestCaptureCreditsNetToPending(t *testing.T) {
	f := newFixture(t, config.Settlement{TaxRate: 11, FlatShipping: 15})
	ctx := context.Background()
	f.vendor(t, "v1", "0.10")

	_, err := f.coupons.CreateCoupon(ctx, coupon.CreateCouponRequest{
		VendorID: "v1", Code: "TENOFF", Type: coupon.Percentage, Value: dec("10"), MaximumDiscountAmount: decimal.NewNullDecimal(dec("80")),
	})
	require.NoError(t, err)

	group, err := f.orders.Checkout(ctx, Cart{
		UserID:      "u1",
		Items:       []CartItem{{ProductID: "p1", VendorID: "v1", Price: dec("1000"), Qty: 1}},
		CouponCodes: []CouponCode{{VendorID: "v1", Code: "TENOFF"}},
	})
	require.NoError(t, err)

	captured, err := f.orders.Capture(ctx, group.ID)
	require.NoError(t, err)
	o := captured.Orders[0]
	require.Equal(t, PaymentSucceeded, o.PaymentStatus)
	requireAmount(t, "80", o.Discount)
	requireAmount(t, "92", o.Commission)
	requireAmount(t, "828", o.NetAmount)
	require.NotNil(t, o.CapturedAt)

	bal, err := f.ledger.GetBalance(ctx, "v1")
	require.NoError(t, err)
	requireAmount(t, "828", bal.PendingBalance)
	requireAmount(t, "0", bal.AvailableBalance)

	_, err = f.orders.Capture(ctx, group.ID)
	require.NoError(t, err)
	bal, err = f.ledger.GetBalance(ctx, "v1")
	require.NoError(t, err)
	requireAmount(t, "828", bal.PendingBalance)

	_, err = f.orders.Fail(ctx, group.ID)
	require.True(t, errutil.Is(err, errutil.StatusConflict))
}

func TestFail(t *testing.T) {
	f := newFixture(t, config.Settlement{})
	ctx := context.Background()
	f.vendor(t, "v1", "0.10")

	group, err := f.orders.Checkout(ctx, Cart{UserID: "u1", Items: []CartItem{{ProductID: "p1", VendorID: "v1", Price: dec("10"), Qty: 1}}})
	require.NoError(t, err)

	failed, err := f.orders.Fail(ctx, group.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentFailed, failed.Orders[0].PaymentStatus)
	require.Equal(t, StatusCanceled, failed.Orders[0].Status)

	_, err = f.orders.Capture(ctx, group.ID)
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	v, err := f.ledger.Replay(ctx, "v1")
	require.NoError(t, err)
	require.Zero(t, v.Events)

	_, err = f.orders.Fail(ctx, "missing")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestRefund(t *testing.T) {
	f := newFixture(t, config.Settlement{})
	ctx := context.Background()
	f.vendor(t, "v1", "0.20")

	group, err := f.orders.Checkout(ctx, Cart{UserID: "u1", Items: []CartItem{{ProductID: "p1", VendorID: "v1", Price: dec("50"), Qty: 1}}})
	require.NoError(t, err)
	orderID := group.Orders[0].ID

	_, err = f.orders.Refund(ctx, orderID, "evt_early")
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	_, err = f.orders.Capture(ctx, group.ID)
	require.NoError(t, err)

	event, err := f.orders.Refund(ctx, orderID, "evt_refund")
	require.NoError(t, err)
	require.Equal(t, ledger.KindDebit, event.Kind)
	requireAmount(t, "40", event.Amount)

	o, err := f.orders.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, PaymentRefunded, o.PaymentStatus)
	require.NotNil(t, o.RefundedAt)

	bal, err := f.ledger.GetBalance(ctx, "v1")
	require.NoError(t, err)
	requireAmount(t, "0", bal.PendingBalance)

	_, err = f.orders.Refund(ctx, orderID, "evt_refund")
	require.True(t, errutil.Is(err, errutil.StatusIdempotencyConflict))
}
