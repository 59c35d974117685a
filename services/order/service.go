package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-settlement/pkg/config"
	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/pkg/money"
	"marketplace-settlement/pkg/repository"
	"marketplace-settlement/pkg/sequence"
	"marketplace-settlement/services/coupon"
	"marketplace-settlement/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("marketplace-settlement/services/order")

var errStaleStatus = errors.New("order: payment status changed concurrently")

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	seq     sequence.Generator
	rates   RateProvider
	coupons *coupon.Service
	ledger  *ledger.Service
	cfg     config.Settlement
	now     func() time.Time

	groups repository.Repository[OrderGroup]
	orders repository.Repository[Order]
	items  repository.Repository[OrderItem]
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Seq     sequence.Generator
	Rates   RateProvider
	Coupons *coupon.Service
	Ledger  *ledger.Service
	Config  *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		seq:     p.Seq,
		rates:   p.Rates,
		coupons: p.Coupons,
		ledger:  p.Ledger,
		cfg:     p.Config.Settlement,
		now:     time.Now,

		groups: repository.ProvideStore[OrderGroup](p.DB),
		orders: repository.ProvideStore[Order](p.DB),
		items:  repository.ProvideStore[OrderItem](p.DB),
	}
}

// Checkout splits the cart into one order per vendor under a new order
// group. Group, orders, items and coupon redemptions are written in one
// transaction. A supplied coupon that does not validate fails the checkout.
func (s *Service) Checkout(ctx context.Context, cart Cart) (*OrderGroup, error) {
	ctx, span := tracer.Start(ctx, "order.Checkout", trace.WithAttributes(attribute.String("user.id", cart.UserID)))
	defer span.End()

	cart.Currency = strings.ToUpper(strings.TrimSpace(cart.Currency))
	if cart.Currency == "" {
		cart.Currency = s.cfg.Currency
	}
	if err := cart.validate(); err != nil {
		return nil, err
	}

	parts := Split(cart.Items)
	vendorIDs := make([]string, 0, len(parts))
	for _, p := range parts {
		vendorIDs = append(vendorIDs, p.VendorID)
	}
	if err := s.ledger.VendorsExist(ctx, vendorIDs); err != nil {
		return nil, err
	}

	codes := make(map[string]string, len(cart.CouponCodes))
	for _, cc := range cart.CouponCodes {
		codes[cc.VendorID] = cc.Code
	}

	groupNumber, err := s.seq.NextOrderGroupNumber(ctx)
	if err != nil {
		zap.L().Error("failed to generate order group number", zap.Error(err))
		return nil, err
	}
	orderNumbers := make([]string, len(parts))
	for i, p := range parts {
		if orderNumbers[i], err = s.seq.NextOrderNumber(ctx, p.VendorID); err != nil {
			zap.L().Error("failed to generate order number", zap.String("vendor_id", p.VendorID), zap.Error(err))
			return nil, err
		}
	}

	now := s.now().UTC()
	group := &OrderGroup{
		ID:          s.node.Generate().String(),
		GroupNumber: groupNumber,
		UserID:      cart.UserID,
		Currency:    cart.Currency,
		Subtotal:    cart.Subtotal(),
		Total:       decimal.Zero,
		CreatedAt:   now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.groups.WithTrx(tx).Create(ctx, group); err != nil {
			return err
		}

		for i, part := range parts {
			totals, applied, err := s.price(ctx, tx, cart.UserID, part, codes[part.VendorID], now)
			if err != nil {
				return err
			}

			o := Order{
				ID:            s.node.Generate().String(),
				OrderNumber:   orderNumbers[i],
				OrderGroupID:  group.ID,
				VendorID:      part.VendorID,
				UserID:        cart.UserID,
				Subtotal:      totals.Subtotal,
				Discount:      totals.Discount,
				Tax:           totals.Tax,
				Shipping:      totals.Shipping,
				Total:         totals.Total,
				Currency:      cart.Currency,
				PaymentStatus: PaymentPending,
				Status:        StatusPlaced,
				Commission:    decimal.Zero,
				NetAmount:     decimal.Zero,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			for _, it := range part.Items {
				o.Items = append(o.Items, OrderItem{
					ID:        s.node.Generate().String(),
					OrderID:   o.ID,
					ProductID: it.ProductID,
					Price:     it.Price,
					Qty:       it.Qty,
					LineTotal: money.Round(it.Price.Mul(decimal.NewFromInt(it.Qty))),
				})
			}
			if applied != nil {
				o.CouponCode = applied.Coupon.Code
			}

			if err := s.orders.WithTrx(tx).Create(ctx, &o); err != nil {
				return err
			}
			if applied != nil {
				if _, err := s.coupons.Redeem(ctx, tx, applied, o.ID, cart.UserID); err != nil {
					return err
				}
			}

			group.Total = group.Total.Add(o.Total)
			group.Orders = append(group.Orders, o)
		}

		return s.groups.WithTrx(tx).Update(ctx, group.ID, map[string]any{"total": group.Total})
	})
	if err != nil {
		zap.L().Error("checkout failed", zap.String("user_id", cart.UserID), zap.Error(err))
		return nil, err
	}

	zap.L().Info("checkout completed",
		zap.String("order_group_id", group.ID),
		zap.Int("orders", len(group.Orders)),
		zap.String("subtotal", group.Subtotal.StringFixed(2)),
	)
	return group, nil
}

// price computes a vendor order's totals. Tax applies to the subtotal net of
// any non-shipping discount.
func (s *Service) price(ctx context.Context, tx *gorm.DB, userID string, part VendorCart, code string, now time.Time) (Totals, *coupon.Result, error) {
	totals := Totals{Subtotal: part.Subtotal, Discount: decimal.Zero}

	shipping, err := s.rates.Shipping(ctx, part.VendorID, part.Subtotal)
	if err != nil {
		return totals, nil, err
	}
	totals.Shipping = money.Round(shipping)

	var applied *coupon.Result
	if code != "" {
		applied, err = s.coupons.ValidateTx(ctx, tx, coupon.ValidateRequest{
			VendorID: part.VendorID,
			Code:     code,
			UserID:   userID,
			Items:    part.CouponItems(),
			Shipping: totals.Shipping,
			Now:      now,
		})
		if err != nil {
			return totals, nil, err
		}
		totals.Discount = applied.Discount
	}

	taxable := part.Subtotal
	if applied != nil && applied.Coupon.Type != coupon.FreeShipping {
		taxable = taxable.Sub(totals.Discount)
	}
	tax, err := s.rates.Tax(ctx, part.VendorID, taxable)
	if err != nil {
		return totals, nil, err
	}
	totals.Tax = money.Round(tax)
	totals.Total = computeTotal(totals.Subtotal, totals.Discount, totals.Tax, totals.Shipping)

	return totals, applied, nil
}

func withOrders(db *gorm.DB) *gorm.DB {
	return db.Preload("Orders", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC, id ASC")
	}).Preload("Orders.Items")
}

func (s *Service) GetOrderGroup(ctx context.Context, groupID string) (*OrderGroup, error) {
	group, err := s.groups.FindOne(ctx, &OrderGroup{ID: groupID}, withOrders)
	if err != nil {
		zap.L().Error("failed to query order group", zap.String("order_group_id", groupID), zap.Error(err))
		return nil, err
	}
	if group == nil {
		return nil, errutil.NotFound(fmt.Sprintf("order group %s not found", groupID), nil)
	}
	return group, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.orders.FindOne(ctx, &Order{ID: orderID}, func(db *gorm.DB) *gorm.DB { return db.Preload("Items") })
	if err != nil {
		zap.L().Error("failed to query order", zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}
	if o == nil {
		return nil, errutil.NotFound(fmt.Sprintf("order %s not found", orderID), nil)
	}
	return o, nil
}

// Capture confirms payment for every order in the group and credits each
// vendor. Orders already captured are skipped, so the call can be repeated
// after a partial failure.
func (s *Service) Capture(ctx context.Context, groupID string) (*OrderGroup, error) {
	ctx, span := tracer.Start(ctx, "order.Capture", trace.WithAttributes(attribute.String("order_group.id", groupID)))
	defer span.End()

	group, err := s.GetOrderGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	for _, o := range group.Orders {
		if o.PaymentStatus == PaymentFailed {
			return nil, errutil.Conflict(fmt.Sprintf("order group %s payment already failed", groupID), nil)
		}
	}

	for _, o := range group.Orders {
		if o.PaymentStatus != PaymentPending {
			continue
		}

		_, err := s.ledger.CreditOnCapture(ctx, ledger.OrderCredit{
			OrderID:  o.ID,
			VendorID: o.VendorID,
			Subtotal: o.Subtotal,
			Discount: o.Discount,
		}, ledger.WithSideEffect(s.markCaptured(ctx, o)))
		switch {
		case errors.Is(err, errStaleStatus):
			zap.L().Info("order already captured", zap.String("order_id", o.ID))
		case err != nil:
			zap.L().Error("failed to credit captured order", zap.String("order_id", o.ID), zap.String("vendor_id", o.VendorID), zap.Error(err))
			return nil, err
		}
	}

	return s.GetOrderGroup(ctx, groupID)
}

func (s *Service) markCaptured(ctx context.Context, o Order) ledger.SideEffect {
	return func(tx *gorm.DB, event *ledger.LedgerEvent) error {
		base := decimal.Max(o.Subtotal.Sub(o.Discount), decimal.Zero)
		res := tx.WithContext(ctx).Model(&Order{}).
			Where("id = ? AND payment_status = ?", o.ID, PaymentPending).
			Updates(map[string]any{
				"payment_status": PaymentSucceeded,
				"status":         StatusPaid,
				"net_amount":     event.Amount,
				"commission":     money.Round(base).Sub(event.Amount),
				"captured_at":    event.AppliedAt,
				"updated_at":     event.AppliedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStaleStatus
		}
		return nil
	}
}

// Fail records a failed payment for the group. Pending orders become failed;
// no ledger event is written.
func (s *Service) Fail(ctx context.Context, groupID string) (*OrderGroup, error) {
	group, err := s.GetOrderGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	for _, o := range group.Orders {
		if o.PaymentStatus == PaymentSucceeded || o.PaymentStatus == PaymentRefunded {
			return nil, errutil.Conflict(fmt.Sprintf("order %s is already captured", o.ID), nil)
		}
	}

	now := s.now().UTC()
	err = s.db.WithContext(ctx).Model(&Order{}).
		Where("order_group_id = ? AND payment_status = ?", groupID, PaymentPending).
		Updates(map[string]any{
			"payment_status": PaymentFailed,
			"status":         StatusCanceled,
			"updated_at":     now,
		}).Error
	if err != nil {
		zap.L().Error("failed to mark order group failed", zap.String("order_group_id", groupID), zap.Error(err))
		return nil, err
	}

	return s.GetOrderGroup(ctx, groupID)
}

// Refund applies a processor refund to a captured order: the net credited at
// capture is debited from the vendor and the order moves to refunded. The
// processor event id makes the refund apply at most once.
func (s *Service) Refund(ctx context.Context, orderID, externalEventID string) (*ledger.LedgerEvent, error) {
	ctx, span := tracer.Start(ctx, "order.Refund", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch o.PaymentStatus {
	case PaymentRefunded:
		return nil, errutil.IdempotencyConflict(fmt.Sprintf("order %s already refunded", orderID), nil)
	case PaymentPending, PaymentFailed:
		return nil, errutil.Conflict(fmt.Sprintf("order %s has not been captured", orderID), nil)
	}

	opts := []ledger.Option{
		ledger.WithSideEffect(func(tx *gorm.DB, event *ledger.LedgerEvent) error {
			res := tx.WithContext(ctx).Model(&Order{}).
				Where("id = ? AND payment_status = ?", o.ID, PaymentSucceeded).
				Updates(map[string]any{
					"payment_status": PaymentRefunded,
					"status":         StatusRefunded,
					"refunded_at":    event.AppliedAt,
					"updated_at":     event.AppliedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errStaleStatus
			}
			return nil
		}),
	}
	if externalEventID != "" {
		opts = append(opts, ledger.WithExternalEvent(externalEventID))
	}

	event, err := s.ledger.DebitOnRefund(ctx, ledger.OrderDebit{
		OrderID:  o.ID,
		VendorID: o.VendorID,
		Amount:   o.NetAmount,
	}, opts...)
	if errors.Is(err, errStaleStatus) {
		return nil, errutil.IdempotencyConflict(fmt.Sprintf("order %s already refunded", orderID), err)
	}
	return event, err
}
