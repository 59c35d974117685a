package settlement

import (
	"context"
	"errors"
	"fmt"

	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/pkg/processor"
	"marketplace-settlement/pkg/task"
	"marketplace-settlement/services/ledger"
	"marketplace-settlement/services/order"
	"marketplace-settlement/services/payout"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("marketplace-settlement/services/settlement")

var eventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "settlement_external_events_total",
	Help: "Processor events by kind and reconciliation outcome.",
}, []string{"kind", "outcome"})

func init() {
	prometheus.MustRegister(eventsApplied)
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeQueued    Outcome = "queued"
	OutcomeIgnored   Outcome = "ignored"
)

type Service struct {
	ledger    *ledger.Service
	payouts   *payout.Service
	orders    *order.Service
	enqueuer  task.Enqueuer
	inspector task.Inspector

	inflight singleflight.Group
}

type ServiceParams struct {
	fx.In
	Ledger    *ledger.Service
	Payouts   *payout.Service
	Orders    *order.Service
	Enqueuer  task.Enqueuer
	Inspector task.Inspector
}

func NewService(p ServiceParams) *Service {
	return &Service{
		ledger:    p.Ledger,
		payouts:   p.Payouts,
		orders:    p.Orders,
		enqueuer:  p.Enqueuer,
		inspector: p.Inspector,
	}
}

func validateEvent(ev processor.Event) error {
	var details []errutil.Detail
	if ev.ID == "" {
		details = append(details, errutil.Detail{Field: "id", Message: "required"})
	}
	if !ev.Kind.Valid() {
		details = append(details, errutil.Detail{Field: "kind", Message: fmt.Sprintf("unsupported kind %q", ev.Kind)})
	}
	if ev.TargetID == "" {
		details = append(details, errutil.Detail{Field: "targetId", Message: "required"})
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("invalid processor event", nil, errutil.WithDetails(details...))
	}
	return nil
}

// ApplyExternalEvent reconciles one processor event against the ledger. A
// replayed event, or one that reaches a payout already in a terminal state,
// is a no-op reported through the outcome, never as an error. The event id
// is recorded on the ledger event written in the same transaction as the
// balance and status change.
func (s *Service) ApplyExternalEvent(ctx context.Context, ev processor.Event) (Outcome, error) {
	if err := validateEvent(ev); err != nil {
		return "", err
	}

	v, err, _ := s.inflight.Do(ev.ID, func() (any, error) {
		return s.apply(ctx, ev)
	})
	if err != nil {
		return "", err
	}
	return v.(Outcome), nil
}

func (s *Service) apply(ctx context.Context, ev processor.Event) (outcome Outcome, err error) {
	ctx, span := tracer.Start(ctx, "settlement.ApplyExternalEvent", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("event.target_id", ev.TargetID),
	))
	defer span.End()

	zapLog := zap.L().With(
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("target_id", ev.TargetID),
	)
	defer func() {
		if err == nil {
			eventsApplied.WithLabelValues(string(ev.Kind), string(outcome)).Inc()
		}
	}()

	applied, err := s.ledger.IsApplied(ctx, ev.ID)
	if err != nil {
		zapLog.Error("failed to check event idempotency", zap.Error(err))
		return "", err
	}
	if applied {
		zapLog.Info("duplicate processor event ignored")
		return OutcomeDuplicate, nil
	}

	switch ev.Kind {
	case processor.KindChargeRefunded:
		_, err = s.orders.Refund(ctx, ev.TargetID, ev.ID)
	default:
		var p *payout.Payout
		p, err = s.payouts.Get(ctx, ev.TargetID)
		if err != nil {
			zapLog.Warn("processor event for unknown payout", zap.Error(err))
			return "", err
		}
		if p.Status.Terminal() {
			zapLog.Warn("processor event after terminal payout state discarded", zap.String("payout_status", string(p.Status)))
			return OutcomeDiscarded, nil
		}
		err = s.applyPayoutEvent(ctx, p, ev)
	}

	switch {
	case err == nil:
		zapLog.Info("processor event applied")
		return OutcomeApplied, nil
	case errutil.Is(err, errutil.StatusIdempotencyConflict):
		zapLog.Info("duplicate processor event ignored", zap.Error(err))
		return OutcomeDuplicate, nil
	case errors.Is(err, payout.ErrStale):
		zapLog.Warn("payout reached a terminal state concurrently, event discarded")
		return OutcomeDiscarded, nil
	default:
		zapLog.Error("failed to apply processor event", zap.Error(err))
		return "", err
	}
}

func (s *Service) applyPayoutEvent(ctx context.Context, p *payout.Payout, ev processor.Event) error {
	if ev.Kind == processor.KindPayoutPaid {
		_, err := s.payouts.Complete(ctx, p, ev.ID)
		return err
	}

	status := payout.StatusFailed
	if ev.Kind == processor.KindPayoutCanceled {
		status = payout.StatusCanceled
	}
	reason := ev.FailureReason
	if reason == "" {
		reason = fmt.Sprintf("processor reported %s", ev.Kind)
	}

	if _, err := s.payouts.Fail(ctx, p, status, reason, ev.ID); err != nil {
		return err
	}

	if err := payout.EnqueueNotify(ctx, s.enqueuer, p, status, reason); err != nil {
		// the release is committed; a redelivery would be a duplicate, so only log
		zap.L().Error("failed to enqueue vendor payout notification", zap.String("payout_id", p.ID), zap.Error(err))
	}
	return nil
}
