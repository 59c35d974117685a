package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-settlement/pkg/config"
	"marketplace-settlement/pkg/db/option"
	"marketplace-settlement/pkg/db/pagination"
	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/pkg/featureflags"
	"marketplace-settlement/pkg/money"
	"marketplace-settlement/pkg/processor"
	"marketplace-settlement/pkg/repository"
	"marketplace-settlement/pkg/task"
	"marketplace-settlement/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	tracer = otel.Tracer("marketplace-settlement/services/payout")
	meter  = otel.Meter("marketplace-settlement/services/payout")
)

// ErrStale is returned by a status transition whose payout already left
// pending/processing.
var ErrStale = errors.New("payout: already in a terminal state")

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	ledger    *ledger.Service
	processor processor.Client
	enqueuer  task.Enqueuer
	flags     featureflags.FeatureFlag
	cfg       config.Settlement
	now       func() time.Time

	payouts repository.Repository[Payout]

	requested metric.Int64Counter
	amounts   metric.Float64Histogram
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Ledger    *ledger.Service
	Processor processor.Client
	Enqueuer  task.Enqueuer
	Flags     featureflags.FeatureFlag
	Config    *config.Config
}

func NewService(p ServiceParams) (*Service, error) {
	requested, err := meter.Int64Counter("payouts.requested",
		metric.WithDescription("Payout requests by outcome"))
	if err != nil {
		return nil, err
	}
	amounts, err := meter.Float64Histogram("payouts.amount",
		metric.WithDescription("Amount of payouts sent to the processor"))
	if err != nil {
		return nil, err
	}

	return &Service{
		db:        p.DB,
		node:      p.Node,
		ledger:    p.Ledger,
		processor: p.Processor,
		enqueuer:  p.Enqueuer,
		flags:     p.Flags,
		cfg:       p.Config.Settlement,
		now:       time.Now,

		payouts: repository.ProvideStore[Payout](p.DB),

		requested: requested,
		amounts:   amounts,
	}, nil
}

type RequestPayoutRequest struct {
	VendorID string          `json:"vendorId"`
	Amount   decimal.Decimal `json:"amount"`
}

func (s *Service) record(ctx context.Context, outcome string) {
	s.requested.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RequestPayout reserves the amount and sends it to the vendor's payout
// destination. Validation failures leave no trace; a transfer the processor
// rejects releases the reservation and marks the payout failed. A transfer
// with no definite answer leaves the payout pending and schedules a retry.
func (s *Service) RequestPayout(ctx context.Context, req RequestPayoutRequest) (*Payout, error) {
	ctx, span := tracer.Start(ctx, "payout.RequestPayout", trace.WithAttributes(attribute.String("vendor.id", req.VendorID)))
	defer span.End()

	minimum := money.Round(decimal.NewFromFloat(s.cfg.MinimumPayoutAmount))
	if err := money.ValidatePositive(req.Amount); err != nil {
		s.record(ctx, "invalid")
		return nil, errutil.ValidationFailed(err.Error(), nil, errutil.WithDetails(errutil.Detail{Field: "amount", Message: err.Error()}))
	}
	if req.Amount.LessThan(minimum) {
		s.record(ctx, "invalid")
		msg := fmt.Sprintf("amount must be at least %s", minimum.StringFixed(2))
		return nil, errutil.ValidationFailed(msg, nil, errutil.WithDetails(errutil.Detail{Field: "amount", Message: msg}))
	}

	account, err := s.ledger.GetAccount(ctx, req.VendorID)
	if err != nil {
		return nil, err
	}

	bal, err := s.ledger.GetBalance(ctx, req.VendorID)
	if err != nil {
		return nil, err
	}
	if bal.InDebt() && s.flags.IsEnabled(ctx, featureflags.BlockPayoutsOnDebt, req.VendorID, s.cfg.BlockPayoutsOnDebt) {
		s.record(ctx, "debt")
		zap.L().Warn("payout blocked by refund debt",
			zap.String("vendor_id", req.VendorID),
			zap.String("available_balance", bal.AvailableBalance.StringFixed(2)),
		)
		return nil, errutil.InsufficientBalance("vendor has outstanding refund debt", nil,
			errutil.WithDetails(errutil.Detail{Field: "availableBalance", Message: bal.AvailableBalance.StringFixed(2)}))
	}

	now := s.now().UTC()
	p := &Payout{
		ID:          s.node.Generate().String(),
		VendorID:    req.VendorID,
		Amount:      req.Amount,
		Currency:    account.Currency,
		Destination: account.PayoutDestination,
		Status:      StatusPending,
		RequestedAt: now,
		UpdatedAt:   now,
	}

	_, err = s.ledger.Reserve(ctx, req.VendorID, req.Amount,
		ledger.WithPayout(p.ID),
		ledger.WithSideEffect(func(tx *gorm.DB, event *ledger.LedgerEvent) error {
			return s.payouts.WithTrx(tx).Create(ctx, p)
		}),
	)
	if err != nil {
		s.record(ctx, "rejected")
		return nil, err
	}

	result, err := s.transfer(ctx, p, account.Slug)
	if errors.Is(err, processor.ErrTransferRejected) {
		s.record(ctx, "transfer_failed")
		zap.L().Error("payout transfer rejected", zap.String("payout_id", p.ID), zap.String("vendor_id", p.VendorID), zap.Error(err))

		if _, relErr := s.Fail(ctx, p, StatusFailed, err.Error(), ""); relErr != nil {
			zap.L().Error("failed to release reservation after transfer failure", zap.String("payout_id", p.ID), zap.Error(relErr))
			return nil, errors.Join(err, relErr)
		}
		if errutil.Is(err, errutil.StatusBadGateway) {
			return nil, err
		}
		return nil, errutil.ExternalProcessor("payout transfer failed", err)
	}
	if err != nil {
		// the processor may have created the payout; the reservation stays
		// until its webhook or the retried transfer settles it
		s.record(ctx, "transfer_unknown")
		zap.L().Warn("payout transfer outcome unknown, keeping it pending",
			zap.String("payout_id", p.ID),
			zap.String("vendor_id", p.VendorID),
			zap.Error(err),
		)
		if err := EnqueueRetryTransfer(ctx, s.enqueuer, p); err != nil {
			zap.L().Error("failed to schedule payout transfer retry", zap.String("payout_id", p.ID), zap.Error(err))
		}
		return s.Get(ctx, p.ID)
	}

	s.markProcessing(ctx, p, result)
	return s.Get(ctx, p.ID)
}

func (s *Service) transfer(ctx context.Context, p *Payout, vendorSlug string) (*processor.TransferResult, error) {
	return s.processor.Transfer(ctx, processor.TransferRequest{
		PayoutID:    p.ID,
		VendorID:    p.VendorID,
		Destination: p.Destination,
		Currency:    p.Currency,
		Amount:      p.Amount,
		Descriptor:  statementDescriptor(vendorSlug),
	})
}

func (s *Service) markProcessing(ctx context.Context, p *Payout, result *processor.TransferResult) {
	err := s.db.WithContext(ctx).Model(&Payout{}).
		Where("id = ?", p.ID).
		Updates(map[string]any{
			"external_payout_id": result.ExternalPayoutID,
			"status":             gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", StatusPending, StatusProcessing),
			"updated_at":         s.now().UTC(),
		}).Error
	if err != nil {
		// the money is moving; the webhook still finds the payout by id
		zap.L().Error("failed to record external payout id", zap.String("payout_id", p.ID), zap.Error(err))
	}

	s.record(ctx, "processing")
	s.amounts.Record(ctx, p.Amount.InexactFloat64(), metric.WithAttributes(attribute.String("currency", p.Currency)))
	zap.L().Info("payout sent to processor",
		zap.String("payout_id", p.ID),
		zap.String("vendor_id", p.VendorID),
		zap.String("external_payout_id", result.ExternalPayoutID),
		zap.String("amount", p.Amount.StringFixed(2)),
	)
}

// RetryTransfer resends a payout whose first transfer ended without an
// answer. The payout id is the processor idempotency key, so a payout the
// processor already created comes back instead of a second one. Only a
// definite rejection releases the reservation.
func (s *Service) RetryTransfer(ctx context.Context, payoutID string) error {
	p, err := s.Get(ctx, payoutID)
	if err != nil {
		return err
	}
	if p.Status != StatusPending {
		return nil
	}

	account, err := s.ledger.GetAccount(ctx, p.VendorID)
	if err != nil {
		return err
	}

	result, err := s.transfer(ctx, p, account.Slug)
	if errors.Is(err, processor.ErrTransferRejected) {
		s.record(ctx, "transfer_failed")
		_, failErr := s.Fail(ctx, p, StatusFailed, err.Error(), "")
		if errors.Is(failErr, ErrStale) {
			return nil
		}
		if failErr != nil {
			return failErr
		}
		if err := EnqueueNotify(ctx, s.enqueuer, p, StatusFailed, "processor rejected payout"); err != nil {
			zap.L().Error("failed to enqueue payout notification", zap.String("payout_id", p.ID), zap.Error(err))
		}
		return nil
	}
	if err != nil {
		return err
	}

	s.markProcessing(ctx, p, result)
	return nil
}

// transition moves a non-terminal payout to status inside the ledger
// transaction. It fails with ErrStale when another writer got there first.
func (s *Service) transition(ctx context.Context, p *Payout, status Status, updates map[string]any) ledger.SideEffect {
	return func(tx *gorm.DB, event *ledger.LedgerEvent) error {
		updates["status"] = status
		updates["updated_at"] = event.AppliedAt
		if status == StatusCompleted {
			updates["paid_at"] = event.AppliedAt
		}
		res := tx.WithContext(ctx).Model(&Payout{}).
			Where("id = ? AND status IN ?", p.ID, []Status{StatusPending, StatusProcessing}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStale
		}
		return nil
	}
}

// Complete finalizes the reservation of a paid payout.
func (s *Service) Complete(ctx context.Context, p *Payout, externalEventID string) (*ledger.LedgerEvent, error) {
	opts := []ledger.Option{
		ledger.WithPayout(p.ID),
		ledger.WithSideEffect(s.transition(ctx, p, StatusCompleted, map[string]any{})),
	}
	if externalEventID != "" {
		opts = append(opts, ledger.WithExternalEvent(externalEventID))
	}
	return s.ledger.FinalizeReserved(ctx, p.VendorID, p.Amount, opts...)
}

// Fail releases the reservation of a failed or canceled payout back to
// available.
func (s *Service) Fail(ctx context.Context, p *Payout, status Status, reason, externalEventID string) (*ledger.LedgerEvent, error) {
	if status != StatusFailed && status != StatusCanceled {
		return nil, fmt.Errorf("payout: %s is not a failure status", status)
	}

	opts := []ledger.Option{
		ledger.WithPayout(p.ID),
		ledger.WithMetadata("reason", reason),
		ledger.WithSideEffect(s.transition(ctx, p, status, map[string]any{"failure_reason": reason})),
	}
	if externalEventID != "" {
		opts = append(opts, ledger.WithExternalEvent(externalEventID))
	}
	return s.ledger.ReleaseReserved(ctx, p.VendorID, p.Amount, opts...)
}

func (s *Service) Get(ctx context.Context, payoutID string) (*Payout, error) {
	p, err := s.payouts.FindOne(ctx, &Payout{ID: payoutID})
	if err != nil {
		zap.L().Error("failed to query payout", zap.String("payout_id", payoutID), zap.Error(err))
		return nil, err
	}
	if p == nil {
		return nil, errutil.NotFound(fmt.Sprintf("payout %s not found", payoutID), nil)
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, vendorID string, page pagination.Pagination) ([]*Payout, pagination.PageInfo, error) {
	payouts, err := s.payouts.Find(ctx, &Payout{VendorID: vendorID}, option.ApplyPagination(page))
	if err != nil {
		zap.L().Error("failed to list payouts", zap.String("vendor_id", vendorID), zap.Error(err))
		return nil, pagination.PageInfo{}, err
	}

	payouts, info := pagination.Trim(payouts, page.Limit, func(p *Payout) string { return p.ID })
	return payouts, info, nil
}

// MarkNotified stamps the payout once the vendor has been told about its
// failure. It is safe to call repeatedly.
func (s *Service) MarkNotified(ctx context.Context, payoutID string) error {
	return s.db.WithContext(ctx).Model(&Payout{}).
		Where("id = ? AND notified_at IS NULL", payoutID).
		Update("notified_at", s.now().UTC()).Error
}

// statementDescriptor fits the vendor slug into the 22 characters banks print.
func statementDescriptor(vendorSlug string) string {
	d := strings.ToUpper(strings.ReplaceAll(vendorSlug, "-", " "))
	if len(d) > 22 {
		d = strings.TrimSpace(d[:22])
	}
	return d
}
