package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"marketplace-settlement/pkg/config"
	"marketplace-settlement/pkg/db/option"
	"marketplace-settlement/pkg/db/pagination"
	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/pkg/money"
	"marketplace-settlement/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("marketplace-settlement/services/ledger")

var (
	errVersionConflict = errors.New("ledger: vendor balance version changed")
	errNothingToApply  = errors.New("ledger: nothing to apply")
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	cfg  config.Settlement
	now  func() time.Time

	accounts repository.Repository[VendorAccount]
	balances repository.Repository[VendorBalance]
	events   repository.Repository[LedgerEvent]
	credits  repository.Repository[PendingCredit]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		cfg:  p.Config.Settlement,
		now:  time.Now,

		accounts: repository.ProvideStore[VendorAccount](p.DB),
		balances: repository.ProvideStore[VendorBalance](p.DB),
		events:   repository.ProvideStore[LedgerEvent](p.DB),
		credits:  repository.ProvideStore[PendingCredit](p.DB),
	}
}

// SideEffect runs inside the ledger transaction after the balance write. A
// non-nil error rolls back the event and the balance change with it.
type SideEffect func(tx *gorm.DB, event *LedgerEvent) error

type applyOptions struct {
	externalEventID string
	payoutID        string
	sideEffects     []SideEffect
	metadata        map[string]any
}

type Option func(*applyOptions)

// WithExternalEvent marks the mutation as the application of a processor
// event. The id is unique across the ledger, so a second application fails
// with an idempotency conflict.
func WithExternalEvent(id string) Option {
	return func(o *applyOptions) { o.externalEventID = id }
}

// WithPayout links the event to the payout that caused it.
func WithPayout(payoutID string) Option {
	return func(o *applyOptions) { o.payoutID = payoutID }
}

func WithSideEffect(fn SideEffect) Option {
	return func(o *applyOptions) { o.sideEffects = append(o.sideEffects, fn) }
}

func WithMetadata(key string, value any) Option {
	return func(o *applyOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]any)
		}
		o.metadata[key] = value
	}
}

// mutation is what a plan decides to do to a balance.
type mutation struct {
	kind      EventKind
	amount    decimal.Decimal
	pending   decimal.Decimal
	available decimal.Decimal
	reserved  decimal.Decimal
	orderID   string
	metadata  map[string]any
	after     SideEffect
}

type plan func(ctx context.Context, tx *gorm.DB, bal *VendorBalance) (*mutation, error)

// OrderCredit is the capture of one vendor order.
type OrderCredit struct {
	OrderID  string
	VendorID string
	Subtotal decimal.Decimal
	Discount decimal.Decimal
}

// OrderDebit is the refund of one vendor order. Amount is the net credited at capture.
type OrderDebit struct {
	OrderID  string
	VendorID string
	Amount   decimal.Decimal
}

func (s *Service) maxRetries() int {
	if s.cfg.MaxConflictRetries < 1 {
		return 1
	}
	return s.cfg.MaxConflictRetries
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	base := 5 * time.Millisecond << min(attempt, 6)
	wait := base/2 + time.Duration(rand.Int64N(int64(base)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// apply runs p and persists its mutation with optimistic concurrency on
// VendorBalance.version, retrying version conflicts with jittered backoff.
func (s *Service) apply(ctx context.Context, vendorID string, p plan, opts ...Option) (*LedgerEvent, error) {
	o := applyOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	zapLog := zap.L().With(zap.String("vendor_id", vendorID), zap.String("external_event_id", o.externalEventID))

	for attempt := 1; attempt <= s.maxRetries(); attempt++ {
		var event *LedgerEvent
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			bal, err := s.loadBalance(ctx, tx, vendorID)
			if err != nil {
				return err
			}

			m, err := p(ctx, tx, bal)
			if err != nil {
				return err
			}

			event, err = s.write(ctx, tx, bal, m, &o)
			return err
		})

		switch {
		case err == nil:
			return event, nil

		case errors.Is(err, errNothingToApply):
			return nil, nil

		case errors.Is(err, errVersionConflict):
			zapLog.Debug("balance version conflict, retrying", zap.Int("attempt", attempt))

		case errors.Is(err, gorm.ErrDuplicatedKey):
			if o.externalEventID != "" {
				if applied, lookupErr := s.IsApplied(ctx, o.externalEventID); lookupErr == nil && applied {
					return nil, errutil.IdempotencyConflict("external event already applied", err)
				}
			}
			// a concurrent writer took the same sequence number
			zapLog.Debug("ledger sequence collision, retrying", zap.Int("attempt", attempt))

		default:
			return nil, err
		}

		if err := s.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}

	zapLog.Warn("giving up on balance mutation after repeated conflicts", zap.Int("attempts", s.maxRetries()))
	return nil, errutil.Conflict("vendor balance is being modified concurrently, retry later", nil)
}

func (s *Service) loadBalance(ctx context.Context, tx *gorm.DB, vendorID string) (*VendorBalance, error) {
	balanceTx := s.balances.WithTrx(tx)

	bal, err := balanceTx.FindOne(ctx, &VendorBalance{VendorID: vendorID})
	if err != nil || bal != nil {
		return bal, err
	}

	fresh := &VendorBalance{
		VendorID:         vendorID,
		PendingBalance:   decimal.Zero,
		AvailableBalance: decimal.Zero,
		ReservedBalance:  decimal.Zero,
		LastHash:         GenesisHash,
		LastUpdated:      s.now().UTC(),
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
		return nil, err
	}

	bal, err = balanceTx.FindOne(ctx, &VendorBalance{VendorID: vendorID})
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, fmt.Errorf("vendor balance %s vanished after create", vendorID)
	}
	return bal, nil
}

func (s *Service) write(ctx context.Context, tx *gorm.DB, bal *VendorBalance, m *mutation, o *applyOptions) (*LedgerEvent, error) {
	// millisecond precision survives every supported dialect, keeping hashes stable
	now := s.now().UTC().Truncate(time.Millisecond)

	previousHash := bal.LastHash
	if previousHash == "" {
		previousHash = GenesisHash
	}

	event := &LedgerEvent{
		ID:              s.node.Generate().String(),
		VendorID:        bal.VendorID,
		Sequence:        bal.Version + 1,
		Kind:            m.kind,
		Amount:          money.Round(m.amount),
		PendingDelta:    money.Round(m.pending),
		AvailableDelta:  money.Round(m.available),
		ReservedDelta:   money.Round(m.reserved),
		RelatedOrderID:  m.orderID,
		RelatedPayoutID: o.payoutID,
		PreviousHash:    previousHash,
		AppliedAt:       now,
	}
	if o.externalEventID != "" {
		id := o.externalEventID
		event.ExternalEventID = &id
	}
	if meta := mergeMetadata(m.metadata, o.metadata); meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		event.Metadata = datatypes.JSON(raw)
	}
	event.Hash = event.GenerateHash()

	if err := s.events.WithTrx(tx).Create(ctx, event); err != nil {
		return nil, err
	}

	res := tx.WithContext(ctx).Model(&VendorBalance{}).
		Where("vendor_id = ? AND version = ?", bal.VendorID, bal.Version).
		Updates(map[string]any{
			"pending_balance":   bal.PendingBalance.Add(event.PendingDelta),
			"available_balance": bal.AvailableBalance.Add(event.AvailableDelta),
			"reserved_balance":  bal.ReservedBalance.Add(event.ReservedDelta),
			"version":           bal.Version + 1,
			"last_hash":         event.Hash,
			"last_updated":      now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errVersionConflict
	}

	if m.after != nil {
		if err := m.after(tx, event); err != nil {
			return nil, err
		}
	}
	for _, fn := range o.sideEffects {
		if err := fn(tx, event); err != nil {
			return nil, err
		}
	}

	return event, nil
}

func startSpan(ctx context.Context, name, vendorID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("vendor.id", vendorID)))
}

// CreditOnCapture credits the vendor's net share of a captured order to
// pending. Tax and shipping never reach the vendor balance.
func (s *Service) CreditOnCapture(ctx context.Context, c OrderCredit, opts ...Option) (*LedgerEvent, error) {
	ctx, span := startSpan(ctx, "ledger.CreditOnCapture", c.VendorID)
	defer span.End()

	account, err := s.GetAccount(ctx, c.VendorID)
	if err != nil {
		return nil, err
	}

	base := money.Round(c.Subtotal.Sub(c.Discount))
	if base.IsNegative() {
		base = decimal.Zero
	}
	commission := money.Round(base.Mul(account.CommissionRate))
	net := base.Sub(commission)

	return s.apply(ctx, c.VendorID, func(ctx context.Context, tx *gorm.DB, bal *VendorBalance) (*mutation, error) {
		return &mutation{
			kind:    KindCredit,
			amount:  net,
			pending: net,
			orderID: c.OrderID,
			metadata: map[string]any{
				"base":           base.StringFixed(2),
				"commission":     commission.StringFixed(2),
				"commissionRate": account.CommissionRate.String(),
			},
			after: func(tx *gorm.DB, event *LedgerEvent) error {
				if !net.IsPositive() {
					return nil
				}
				return s.credits.WithTrx(tx).Create(ctx, &PendingCredit{
					ID:            s.node.Generate().String(),
					LedgerEventID: event.ID,
					VendorID:      c.VendorID,
					OrderID:       c.OrderID,
					Amount:        net,
					Remaining:     net,
					MaturesAt:     event.AppliedAt.Add(s.cfg.HoldPeriod),
					CreatedAt:     event.AppliedAt,
				})
			},
		}, nil
	}, opts...)
}

// MaturePending moves amount from pending to available, consuming hold
// buckets oldest first.
func (s *Service) MaturePending(ctx context.Context, vendorID string, amount decimal.Decimal, opts ...Option) (*LedgerEvent, error) {
	ctx, span := startSpan(ctx, "ledger.MaturePending", vendorID)
	defer span.End()

	if err := money.ValidatePositive(amount); err != nil {
		return nil, errutil.ValidationFailed(err.Error(), nil)
	}

	return s.apply(ctx, vendorID, func(ctx context.Context, tx *gorm.DB, bal *VendorBalance) (*mutation, error) {
		if amount.GreaterThan(bal.PendingBalance) {
			return nil, errutil.InsufficientBalance(
				fmt.Sprintf("pending balance %s is lower than %s", bal.PendingBalance.StringFixed(2), amount.StringFixed(2)), nil)
		}

		buckets, err := s.openBuckets(ctx, tx, vendorID, nil)
		if err != nil {
			return nil, err
		}
		allocations, _ := allocate(buckets, amount)

		return s.matureMutation(ctx, amount, allocations), nil
	}, opts...)
}

// MatureDue matures every hold bucket of the vendor whose hold period ended
// at or before asOf. It returns nil when nothing is due.
func (s *Service) MatureDue(ctx context.Context, vendorID string, asOf time.Time) (*LedgerEvent, error) {
	ctx, span := startSpan(ctx, "ledger.MatureDue", vendorID)
	defer span.End()

	return s.apply(ctx, vendorID, func(ctx context.Context, tx *gorm.DB, bal *VendorBalance) (*mutation, error) {
		due := asOf.UTC()
		buckets, err := s.openBuckets(ctx, tx, vendorID, &due)
		if err != nil {
			return nil, err
		}

		amount := decimal.Min(sumRemaining(buckets), bal.PendingBalance)
		if !amount.IsPositive() {
			return nil, errNothingToApply
		}

		allocations, _ := allocate(buckets, amount)
		return s.matureMutation(ctx, amount, allocations), nil
	})
}

func (s *Service) matureMutation(ctx context.Context, amount decimal.Decimal, allocations []Allocation) *mutation {
	return &mutation{
		kind:      KindMature,
		amount:    amount,
		pending:   amount.Neg(),
		available: amount,
		metadata:  map[string]any{"allocations": allocations},
		after: func(tx *gorm.DB, event *LedgerEvent) error {
			return s.consumeBuckets(ctx, tx, allocations, event.AppliedAt)
		},
	}
}

// Reserve holds available funds for a payout.
func (s *Service) Reserve(ctx context.Context, vendorID string, amount decimal.Decimal, opts ...Option) (*LedgerEvent, error) {
	ctx, span := startSpan(ctx, "ledger.Reserve", vendorID)
	defer span.End()

	if err := money.ValidatePositive(amount); err != nil {
		return nil, errutil.ValidationFailed(err.Error(), nil)
	}

	return s.apply(ctx, vendorID, func(ctx context.Context, tx *gorm.DB, bal *VendorBalance) (*mutation, error) {
		if amount.GreaterThan(bal.AvailableBalance) {
			return nil, errutil.InsufficientBalance(
				fmt.Sprintf("available balance %s is lower than %s", bal.AvailableBalance.StringFixed(2), amount.StringFixed(2)), nil)
		}
		return &mutation{
			kind:      KindReserve,
			amount:    amount,
			available: amount.Neg(),
			reserved:  amount,
		}, nil
	}, opts...)
}

// ReleaseReserved returns reserved funds to available after a payout failed
// or was canceled.
func (s *Service) ReleaseReserved(ctx context.Context, vendorID string, amount decimal.Decimal, opts ...Option) (*LedgerEvent, error) {
	ctx, span := startSpan(ctx, "ledger.ReleaseReserved", vendorID)
	defer span.End()

	if err := money.ValidatePositive(amount); err != nil {
		return nil, errutil.ValidationFailed(err.Error(), nil)
	}

	return s.apply(ctx, vendorID, func(ctx context.Context, tx *gorm.DB, bal *VendorBalance) (*mutation, error) {
		if amount.GreaterThan(bal.ReservedBalance) {
			return nil, errutil.InsufficientBalance(
				fmt.Sprintf("reserved balance %s is lower than %s", bal.ReservedBalance.StringFixed(2), amount.StringFixed(2)), nil)
		}
		return &mutation{
			kind:      KindRelease,
			amount:    amount,
			available: amount,
			reserved:  amount.Neg(),
		}, nil
	}, opts...)
}

// FinalizeReserved removes reserved funds once the processor confirms the
// payout left the platform.
func (s *Service) FinalizeReserved(ctx context.Context, vendorID string, amount decimal.Decimal, opts ...Option) (*LedgerEvent, error) {
	ctx, span := startSpan(ctx, "ledger.FinalizeReserved", vendorID)
	defer span.End()

	if err := money.ValidatePositive(amount); err != nil {
		return nil, errutil.ValidationFailed(err.Error(), nil)
	}

	return s.apply(ctx, vendorID, func(ctx context.Context, tx *gorm.DB, bal *VendorBalance) (*mutation, error) {
		if amount.GreaterThan(bal.ReservedBalance) {
			return nil, errutil.InsufficientBalance(
				fmt.Sprintf("reserved balance %s is lower than %s", bal.ReservedBalance.StringFixed(2), amount.StringFixed(2)), nil)
		}
		return &mutation{
			kind:     KindFinalize,
			amount:   amount,
			reserved: amount.Neg(),
		}, nil
	}, opts...)
}

// DebitOnRefund withdraws a refunded order's net credit, taking available
// funds first, then pending. Whatever is left becomes negative available
// (debt). It never fails for lack of funds.
func (s *Service) DebitOnRefund(ctx context.Context, d OrderDebit, opts ...Option) (*LedgerEvent, error) {
	ctx, span := startSpan(ctx, "ledger.DebitOnRefund", d.VendorID)
	defer span.End()

	if err := money.ValidateNonNegative(d.Amount); err != nil {
		return nil, errutil.ValidationFailed(err.Error(), nil)
	}

	return s.apply(ctx, d.VendorID, func(ctx context.Context, tx *gorm.DB, bal *VendorBalance) (*mutation, error) {
		fromAvailable := decimal.Min(decimal.Max(bal.AvailableBalance, decimal.Zero), d.Amount)
		rest := d.Amount.Sub(fromAvailable)
		fromPending := decimal.Min(bal.PendingBalance, rest)
		debt := rest.Sub(fromPending)

		var allocations []Allocation
		if fromPending.IsPositive() {
			own, err := s.openBuckets(ctx, tx, d.VendorID, nil, option.ApplyOperator(option.Condition{Field: "order_id", Operator: option.EQ, Value: d.OrderID}))
			if err != nil {
				return nil, err
			}
			others, err := s.openBuckets(ctx, tx, d.VendorID, nil, option.ApplyOperator(option.Condition{Field: "order_id", Operator: option.NEQ, Value: d.OrderID}))
			if err != nil {
				return nil, err
			}
			allocations, _ = allocate(append(own, others...), fromPending)
		}

		return &mutation{
			kind:      KindDebit,
			amount:    d.Amount,
			pending:   fromPending.Neg(),
			available: fromAvailable.Add(debt).Neg(),
			orderID:   d.OrderID,
			metadata: map[string]any{
				"fromAvailable": fromAvailable.StringFixed(2),
				"fromPending":   fromPending.StringFixed(2),
				"debt":          debt.StringFixed(2),
				"allocations":   allocations,
			},
			after: func(tx *gorm.DB, event *LedgerEvent) error {
				if debt.IsPositive() {
					zap.L().Warn("refund left vendor in debt",
						zap.String("vendor_id", d.VendorID),
						zap.String("order_id", d.OrderID),
						zap.String("debt", debt.StringFixed(2)),
					)
				}
				return s.consumeBuckets(ctx, tx, allocations, time.Time{})
			},
		}, nil
	}, opts...)
}

// openBuckets lists hold buckets with funds left, oldest maturity first.
// dueBy limits the result to buckets matured at or before it.
func (s *Service) openBuckets(ctx context.Context, tx *gorm.DB, vendorID string, dueBy *time.Time, extra ...option.QueryOption) ([]*PendingCredit, error) {
	opts := []option.QueryOption{
		option.ApplyOperator(option.Condition{Field: "remaining", Operator: option.GT, Value: 0}),
	}
	if dueBy != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "matures_at", Operator: option.LTE, Value: *dueBy}))
	}
	opts = append(opts, extra...)
	opts = append(opts, option.WithSortBy(option.QuerySortBy{
		SortBy:  "matures_at",
		OrderBy: "asc",
		Allow:   map[string]bool{"matures_at": true},
	}))

	return s.credits.WithTrx(tx).Find(ctx, &PendingCredit{VendorID: vendorID}, opts...)
}

// consumeBuckets writes allocation results. maturedAt is stamped on buckets
// that reach zero by maturing; refunds leave it unset.
func (s *Service) consumeBuckets(ctx context.Context, tx *gorm.DB, allocations []Allocation, maturedAt time.Time) error {
	creditTx := s.credits.WithTrx(tx)
	for _, a := range allocations {
		updates := map[string]any{"remaining": a.Remaining}
		if a.Remaining.IsZero() && !maturedAt.IsZero() {
			updates["matured_at"] = maturedAt
		}
		if err := creditTx.Update(ctx, a.PendingCreditID, updates); err != nil {
			zap.L().Error("failed to update pending credit", zap.String("pending_credit_id", a.PendingCreditID), zap.Error(err))
			return err
		}
	}
	return nil
}

// DueVendors lists vendors with at least one hold bucket matured by asOf.
func (s *Service) DueVendors(ctx context.Context, asOf time.Time) ([]string, error) {
	var vendorIDs []string
	err := s.db.WithContext(ctx).Model(&PendingCredit{}).
		Where("remaining > 0 AND matures_at <= ?", asOf.UTC()).
		Distinct("vendor_id").
		Pluck("vendor_id", &vendorIDs).Error
	return vendorIDs, err
}

// MatureAllDue matures due hold buckets for every vendor, a bounded number
// of vendors at a time. It returns how many vendors had funds matured.
func (s *Service) MatureAllDue(ctx context.Context, asOf time.Time) (int, error) {
	vendorIDs, err := s.DueVendors(ctx, asOf)
	if err != nil {
		zap.L().Error("failed to list vendors with due pending credits", zap.Error(err))
		return 0, err
	}

	var (
		g       errgroup.Group
		matured atomic.Int64
	)
	g.SetLimit(8)

	for _, vendorID := range vendorIDs {
		g.Go(func() error {
			event, err := s.MatureDue(ctx, vendorID, asOf)
			if err != nil {
				zap.L().Error("failed to mature pending credits", zap.String("vendor_id", vendorID), zap.Error(err))
				return err
			}
			if event != nil {
				matured.Add(1)
			}
			return nil
		})
	}

	err = g.Wait()
	return int(matured.Load()), err
}

// IsApplied reports whether a processor event id already has a ledger event.
func (s *Service) IsApplied(ctx context.Context, externalEventID string) (bool, error) {
	count, err := s.events.Count(ctx, &LedgerEvent{ExternalEventID: &externalEventID})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

type RegisterVendorRequest struct {
	VendorID          string          `json:"-"`
	DisplayName       string          `json:"displayName"`
	CommissionRate    decimal.Decimal `json:"commissionRate"`
	PayoutDestination string          `json:"payoutDestination"`
	Currency          string          `json:"currency"`
}

// RegisterVendor creates or updates a vendor account and makes sure its
// balance row exists.
func (s *Service) RegisterVendor(ctx context.Context, req RegisterVendorRequest) (*VendorAccount, error) {
	ctx, span := startSpan(ctx, "ledger.RegisterVendor", req.VendorID)
	defer span.End()

	var details []errutil.Detail
	if strings.TrimSpace(req.VendorID) == "" {
		details = append(details, errutil.Detail{Field: "vendorId", Message: "required"})
	}
	if req.CommissionRate.IsNegative() || req.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		details = append(details, errutil.Detail{Field: "commissionRate", Message: "must be between 0 and 1"})
	}
	if strings.TrimSpace(req.PayoutDestination) == "" {
		details = append(details, errutil.Detail{Field: "payoutDestination", Message: "required"})
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.cfg.Currency
	}
	if len(currency) != 3 {
		details = append(details, errutil.Detail{Field: "currency", Message: "must be a 3-letter ISO code"})
	}
	if len(details) > 0 {
		return nil, errutil.ValidationFailed("invalid vendor account", nil, errutil.WithDetails(details...))
	}

	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = req.VendorID
	}

	now := s.now().UTC()
	account := &VendorAccount{
		VendorID:          req.VendorID,
		DisplayName:       name,
		Slug:              slug.Make(name),
		CommissionRate:    req.CommissionRate,
		PayoutDestination: req.PayoutDestination,
		Currency:          currency,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vendor_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "slug", "commission_rate", "payout_destination", "currency", "updated_at"}),
		}).Create(account).Error; err != nil {
			return err
		}
		_, err := s.loadBalance(ctx, tx, req.VendorID)
		return err
	})
	if err != nil {
		zap.L().Error("failed to register vendor", zap.String("vendor_id", req.VendorID), zap.Error(err))
		return nil, err
	}

	return s.GetAccount(ctx, req.VendorID)
}

func (s *Service) GetAccount(ctx context.Context, vendorID string) (*VendorAccount, error) {
	account, err := s.accounts.FindOne(ctx, &VendorAccount{VendorID: vendorID})
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, errutil.NotFound(fmt.Sprintf("vendor %s is not registered", vendorID), nil)
	}
	return account, nil
}

// VendorsExist fails with NotFound naming the first unregistered vendor.
func (s *Service) VendorsExist(ctx context.Context, vendorIDs []string) error {
	for _, id := range vendorIDs {
		if _, err := s.GetAccount(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) GetBalance(ctx context.Context, vendorID string) (*VendorBalance, error) {
	bal, err := s.balances.FindOne(ctx, &VendorBalance{VendorID: vendorID})
	if err != nil {
		zap.L().Error("failed to query balance", zap.String("vendor_id", vendorID), zap.Error(err))
		return nil, err
	}
	if bal != nil {
		return bal, nil
	}

	if _, err := s.GetAccount(ctx, vendorID); err != nil {
		return nil, err
	}
	return &VendorBalance{
		VendorID:         vendorID,
		PendingBalance:   decimal.Zero,
		AvailableBalance: decimal.Zero,
		ReservedBalance:  decimal.Zero,
	}, nil
}

func (s *Service) ListEvents(ctx context.Context, vendorID string, page pagination.Pagination) ([]*LedgerEvent, pagination.PageInfo, error) {
	events, err := s.events.Find(ctx, &LedgerEvent{VendorID: vendorID}, option.ApplyPagination(page))
	if err != nil {
		zap.L().Error("failed to list ledger events", zap.String("vendor_id", vendorID), zap.Error(err))
		return nil, pagination.PageInfo{}, err
	}

	events, info := pagination.Trim(events, page.Limit, func(e *LedgerEvent) string { return e.ID })
	return events, info, nil
}

type Amounts struct {
	Pending   decimal.Decimal `json:"pendingBalance"`
	Available decimal.Decimal `json:"availableBalance"`
	Reserved  decimal.Decimal `json:"reservedBalance"`
}

type Verification struct {
	VendorID       string  `json:"vendorId"`
	Events         int     `json:"events"`
	ChainValid     bool    `json:"chainValid"`
	BrokenAt       string  `json:"brokenAt,omitempty"`
	Replayed       Amounts `json:"replayed"`
	Materialized   Amounts `json:"materialized"`
	BalanceMatches bool    `json:"balanceMatches"`
}

// Replay recomputes the vendor balance from its events and checks the hash
// chain link by link.
func (s *Service) Replay(ctx context.Context, vendorID string) (*Verification, error) {
	ctx, span := startSpan(ctx, "ledger.Replay", vendorID)
	defer span.End()

	events, err := s.events.Find(ctx, &LedgerEvent{VendorID: vendorID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "sequence",
		OrderBy: "asc",
		Allow:   map[string]bool{"sequence": true},
	}))
	if err != nil {
		zap.L().Error("failed to query ledger events", zap.String("vendor_id", vendorID), zap.Error(err))
		return nil, err
	}

	bal, err := s.GetBalance(ctx, vendorID)
	if err != nil {
		return nil, err
	}

	out := &Verification{
		VendorID:   vendorID,
		Events:     len(events),
		ChainValid: true,
		Replayed:   Amounts{Pending: decimal.Zero, Available: decimal.Zero, Reserved: decimal.Zero},
		Materialized: Amounts{
			Pending:   bal.PendingBalance,
			Available: bal.AvailableBalance,
			Reserved:  bal.ReservedBalance,
		},
	}

	lastHash := GenesisHash
	for i, e := range events {
		if out.ChainValid && (e.PreviousHash != lastHash || e.Hash != e.GenerateHash() || e.Sequence != int64(i+1)) {
			out.ChainValid = false
			out.BrokenAt = e.ID
		}
		lastHash = e.Hash

		out.Replayed.Pending = out.Replayed.Pending.Add(e.PendingDelta)
		out.Replayed.Available = out.Replayed.Available.Add(e.AvailableDelta)
		out.Replayed.Reserved = out.Replayed.Reserved.Add(e.ReservedDelta)
	}
	if out.ChainValid && len(events) > 0 && bal.LastHash != lastHash {
		out.ChainValid = false
		out.BrokenAt = events[len(events)-1].ID
	}

	out.BalanceMatches = out.Replayed.Pending.Equal(out.Materialized.Pending) &&
		out.Replayed.Available.Equal(out.Materialized.Available) &&
		out.Replayed.Reserved.Equal(out.Materialized.Reserved)

	if !out.ChainValid || !out.BalanceMatches {
		zap.L().Error("ledger verification failed",
			zap.String("vendor_id", vendorID),
			zap.Bool("chain_valid", out.ChainValid),
			zap.Bool("balance_matches", out.BalanceMatches),
			zap.String("broken_at", out.BrokenAt),
		)
	}

	return out, nil
}
