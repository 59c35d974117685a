package settlement

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"marketplace-settlement/pkg/config"
	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/pkg/featureflags"
	"marketplace-settlement/pkg/processor"
	"marketplace-settlement/pkg/processor/mock"
	"marketplace-settlement/pkg/taskname"
	"marketplace-settlement/services/coupon"
	"marketplace-settlement/services/ledger"
	"marketplace-settlement/services/order"
	"marketplace-settlement/services/payout"
	"marketplace-settlement/services/testutil"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
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

// recordingEnqueuer keeps every task and rejects task ids it holds, the
// way asynq does while a task is queued or retained. It doubles as the
// inspector for those ids.
type recordingEnqueuer struct {
	tasks []*asynq.Task
	ids   map[string]asynq.TaskState
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	for _, o := range opts {
		if o.Type() != asynq.TaskIDOpt {
			continue
		}
		id := o.Value().(string)
		if _, held := r.ids[id]; held {
			return nil, fmt.Errorf("enqueue %s: %w", t.Type(), asynq.ErrTaskIDConflict)
		}
		if r.ids == nil {
			r.ids = map[string]asynq.TaskState{}
		}
		r.ids[id] = asynq.TaskStatePending
	}
	r.tasks = append(r.tasks, t)
	return &asynq.TaskInfo{}, nil
}

func (r *recordingEnqueuer) GetTaskInfo(queue, id string) (*asynq.TaskInfo, error) {
	state, held := r.ids[id]
	if !held {
		return nil, fmt.Errorf("asynq: %w", asynq.ErrTaskNotFound)
	}
	return &asynq.TaskInfo{ID: id, Queue: queue, State: state}, nil
}

func (r *recordingEnqueuer) DeleteTask(_, id string) error {
	if _, held := r.ids[id]; !held {
		return fmt.Errorf("asynq: %w", asynq.ErrTaskNotFound)
	}
	delete(r.ids, id)
	return nil
}

func (r *recordingEnqueuer) settle(id string, state asynq.TaskState) {
	r.ids[id] = state
}

func (r *recordingEnqueuer) ofType(name string) []*asynq.Task {
	var out []*asynq.Task
	for _, t := range r.tasks {
		if t.Type() == name {
			out = append(out, t)
		}
	}
	return out
}

type fixture struct {
	settlement *Service
	ledger     *ledger.Service
	payouts    *payout.Service
	orders     *order.Service
	processor  *mock.MockClient
	enqueuer   *recordingEnqueuer
	archive    *memoryArchive
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	models := append(ledger.Models(), payout.Models()...)
	models = append(models, order.Models()...)
	models = append(models, coupon.Models()...)
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)
	cfg := &config.Config{Settlement: config.Settlement{
		Currency:            "USD",
		MinimumPayoutAmount: 10,
		MaxConflictRetries:  5,
	}}

	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Config: cfg})
	client := mock.NewMockClient(gomock.NewController(t))
	enq := &recordingEnqueuer{}
	payoutSvc, err := payout.NewService(payout.ServiceParams{
		DB:        db,
		Node:      node,
		Ledger:    ledgerSvc,
		Processor: client,
		Enqueuer:  enq,
		Flags:     featureflags.Static{},
		Config:    cfg,
	})
	require.NoError(t, err)

	orderSvc := order.NewService(order.ServiceParams{
		DB:      db,
		Node:    node,
		Seq:     &counterSeq{},
		Rates:   order.NewFlatRates(cfg),
		Coupons: coupon.NewService(coupon.ServiceParams{DB: db, Node: node}),
		Ledger:  ledgerSvc,
		Config:  cfg,
	})

	svc := NewService(ServiceParams{Ledger: ledgerSvc, Payouts: payoutSvc, Orders: orderSvc, Enqueuer: enq, Inspector: enq})

	return &fixture{
		settlement: svc,
		ledger:     ledgerSvc,
		payouts:    payoutSvc,
		orders:     orderSvc,
		processor:  client,
		enqueuer:   enq,
		archive:    &memoryArchive{},
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func (f *fixture) balance(t *testing.T, vendorID string) *ledger.VendorBalance {
	t.Helper()
	bal, err := f.ledger.GetBalance(context.Background(), vendorID)
	require.NoError(t, err)
	return bal
}

// payout500 leaves v1 with 328 available and 500 reserved behind a
// processing payout.
func (f *fixture) payout500(t *testing.T) *payout.Payout {
	t.Helper()
	ctx := context.Background()

	_, err := f.ledger.RegisterVendor(ctx, ledger.RegisterVendorRequest{VendorID: "v1", CommissionRate: dec("0.10"), PayoutDestination: "acct_v1"})
	require.NoError(t, err)
	_, err = f.ledger.CreditOnCapture(ctx, ledger.OrderCredit{OrderID: "o1", VendorID: "v1", Subtotal: dec("1000"), Discount: dec("80")})
	require.NoError(t, err)
	_, err = f.ledger.MaturePending(ctx, "v1", dec("828"))
	require.NoError(t, err)

	f.processor.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		Return(&processor.TransferResult{ExternalPayoutID: "po_1", Status: "pending"}, nil)

	p, err := f.payouts.RequestPayout(ctx, payout.RequestPayoutRequest{VendorID: "v1", Amount: dec("500")})
	require.NoError(t, err)

	bal := f.balance(t, "v1")
	requireAmount(t, "328", bal.AvailableBalance)
	requireAmount(t, "500", bal.ReservedBalance)
	return p
}

func TestPayoutPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.payout500(t)

	paid := processor.Event{ID: "evt_paid", Kind: processor.KindPayoutPaid, TargetID: p.ID, ExternalID: "po_1"}
	outcome, err := f.settlement.ApplyExternalEvent(ctx, paid)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	done, err := f.payouts.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payout.StatusCompleted, done.Status)

	bal := f.balance(t, "v1")
	requireAmount(t, "328", bal.AvailableBalance)
	requireAmount(t, "0", bal.ReservedBalance)
	version := bal.Version

	t.Run("redelivery changes nothing", func(t *testing.T) {
		outcome, err := f.settlement.ApplyExternalEvent(ctx, paid)
		require.NoError(t, err)
		require.Equal(t, OutcomeDuplicate, outcome)
		require.Equal(t, version, f.balance(t, "v1").Version)
	})

	t.Run("late failure is discarded", func(t *testing.T) {
		outcome, err := f.settlement.ApplyExternalEvent(ctx, processor.Event{
			ID: "evt_failed", Kind: processor.KindPayoutFailed, TargetID: p.ID, FailureReason: "account_closed",
		})
		require.NoError(t, err)
		require.Equal(t, OutcomeDiscarded, outcome)

		bal := f.balance(t, "v1")
		require.Equal(t, version, bal.Version)
		requireAmount(t, "328", bal.AvailableBalance)
		require.Empty(t, f.enqueuer.ofType(taskname.PayoutNotifyVendor))
	})

	verification, err := f.ledger.Replay(ctx, "v1")
	require.NoError(t, err)
	require.True(t, verification.ChainValid)
	require.True(t, verification.BalanceMatches)
}

func TestPayoutFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.payout500(t)

	outcome, err := f.settlement.ApplyExternalEvent(ctx, processor.Event{
		ID: "evt_failed", Kind: processor.KindPayoutFailed, TargetID: p.ID, FailureReason: "insufficient_funds",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	failed, err := f.payouts.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payout.StatusFailed, failed.Status)
	require.Equal(t, "insufficient_funds", failed.FailureReason)

	bal := f.balance(t, "v1")
	requireAmount(t, "828", bal.AvailableBalance)
	requireAmount(t, "0", bal.ReservedBalance)
	require.Len(t, f.enqueuer.ofType(taskname.PayoutNotifyVendor), 1)

	outcome, err = f.settlement.ApplyExternalEvent(ctx, processor.Event{ID: "evt_paid", Kind: processor.KindPayoutPaid, TargetID: p.ID})
	require.NoError(t, err)
	require.Equal(t, OutcomeDiscarded, outcome)
	requireAmount(t, "828", f.balance(t, "v1").AvailableBalance)
}

func TestPayoutCanceledDefaultsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.payout500(t)

	outcome, err := f.settlement.ApplyExternalEvent(ctx, processor.Event{ID: "evt_cancel", Kind: processor.KindPayoutCanceled, TargetID: p.ID})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	canceled, err := f.payouts.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, payout.StatusCanceled, canceled.Status)
	require.Contains(t, canceled.FailureReason, "payout.canceled")
}

func TestChargeRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.RegisterVendor(ctx, ledger.RegisterVendorRequest{VendorID: "v1", CommissionRate: dec("0.10"), PayoutDestination: "acct_v1"})
	require.NoError(t, err)

	group, err := f.orders.Checkout(ctx, order.Cart{
		UserID: "u1",
		Items:  []order.CartItem{{ProductID: "p1", VendorID: "v1", Price: dec("50"), Qty: 2}},
	})
	require.NoError(t, err)
	o := group.Orders[0]

	refund := processor.Event{ID: "evt_refund", Kind: processor.KindChargeRefunded, TargetID: o.ID}

	_, err = f.settlement.ApplyExternalEvent(ctx, refund)
	require.True(t, errutil.Is(err, errutil.StatusConflict), "refund before capture should be retryable")

	_, err = f.orders.Capture(ctx, group.ID)
	require.NoError(t, err)
	requireAmount(t, "90", f.balance(t, "v1").PendingBalance)

	outcome, err := f.settlement.ApplyExternalEvent(ctx, refund)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	refunded, err := f.orders.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.PaymentRefunded, refunded.PaymentStatus)

	bal := f.balance(t, "v1")
	requireAmount(t, "0", bal.PendingBalance)
	requireAmount(t, "0", bal.AvailableBalance)

	outcome, err = f.settlement.ApplyExternalEvent(ctx, refund)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome)

	// the processor can send a second refund event for the same charge
	outcome, err = f.settlement.ApplyExternalEvent(ctx, processor.Event{ID: "evt_refund_2", Kind: processor.KindChargeRefunded, TargetID: o.ID})
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome)
	require.Equal(t, bal.Version, f.balance(t, "v1").Version)
}

func TestApplyRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.settlement.ApplyExternalEvent(ctx, processor.Event{ID: "evt_1", Kind: "payout.created", TargetID: "x"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = f.settlement.ApplyExternalEvent(ctx, processor.Event{Kind: processor.KindPayoutPaid, TargetID: "x"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = f.settlement.ApplyExternalEvent(ctx, processor.Event{ID: "evt_2", Kind: processor.KindPayoutPaid, TargetID: "missing"})
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}
