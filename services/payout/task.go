package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/pkg/task"
	"marketplace-settlement/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type NotifyPayload struct {
	PayoutID string `json:"payoutId"`
	VendorID string `json:"vendorId"`
	Status   Status `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// EnqueueNotify schedules the vendor notification for a failed or canceled
// payout. One notification is queued per payout.
func EnqueueNotify(ctx context.Context, enqueuer task.Enqueuer, p *Payout, status Status, reason string) error {
	payload, err := json.Marshal(NotifyPayload{PayoutID: p.ID, VendorID: p.VendorID, Status: status, Reason: reason})
	if err != nil {
		return err
	}

	_, err = enqueuer.Enqueue(ctx,
		asynq.NewTask(taskname.PayoutNotifyVendor, payload),
		asynq.TaskID("notify:"+p.ID),
		asynq.Queue(task.QueueLow),
		asynq.MaxRetry(10),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

type RetryTransferPayload struct {
	PayoutID string `json:"payoutId"`
}

// EnqueueRetryTransfer schedules another transfer attempt for a payout left
// pending by an unanswered transfer.
func EnqueueRetryTransfer(ctx context.Context, enqueuer task.Enqueuer, p *Payout) error {
	payload, err := json.Marshal(RetryTransferPayload{PayoutID: p.ID})
	if err != nil {
		return err
	}

	_, err = enqueuer.Enqueue(ctx,
		asynq.NewTask(taskname.PayoutRetryTransfer, payload),
		asynq.TaskID("transfer:"+p.ID),
		asynq.Queue(task.QueueCritical),
		asynq.ProcessIn(time.Minute),
		asynq.MaxRetry(10),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

type Task struct {
	service *Service
}

func NewTask(service *Service) *Task {
	return &Task{service: service}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.PayoutNotifyVendor, t.HandleNotifyVendor)
	mux.HandleFunc(taskname.PayoutRetryTransfer, t.HandleRetryTransfer)
}

// HandleNotifyVendor hands the payout outcome to the vendor notification
// channel and stamps the payout.
func (t *Task) HandleNotifyVendor(ctx context.Context, at *asynq.Task) error {
	var payload NotifyPayload
	if err := json.Unmarshal(at.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}

	p, err := t.service.Get(ctx, payload.PayoutID)
	if err != nil {
		if errutil.Is(err, errutil.StatusNotFound) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if p.NotifiedAt != nil {
		return nil
	}

	zap.L().Info("vendor notified of payout outcome",
		zap.String("payout_id", p.ID),
		zap.String("vendor_id", p.VendorID),
		zap.String("status", string(payload.Status)),
		zap.String("reason", payload.Reason),
		zap.String("amount", p.Amount.StringFixed(2)),
	)

	return t.service.MarkNotified(ctx, p.ID)
}

func (t *Task) HandleRetryTransfer(ctx context.Context, at *asynq.Task) error {
	var payload RetryTransferPayload
	if err := json.Unmarshal(at.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}

	err := t.service.RetryTransfer(ctx, payload.PayoutID)
	if errutil.Is(err, errutil.StatusNotFound) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}
