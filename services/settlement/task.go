package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/pkg/processor"
	"marketplace-settlement/pkg/task"
	"marketplace-settlement/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// retention keeps a processed event id in redis so redeliveries inside the
// window are rejected at enqueue time. The ledger catches anything later.
const retention = 72 * time.Hour

const maxApplyRetry = 25

// EnqueueApply queues ev for the worker with the event id as the task id.
func (s *Service) EnqueueApply(ctx context.Context, ev processor.Event) (Outcome, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}

	err = s.enqueueApply(ctx, ev.ID, payload)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return s.redelivered(ctx, ev, payload)
	}
	if err != nil {
		return "", err
	}
	return OutcomeQueued, nil
}

func (s *Service) enqueueApply(ctx context.Context, eventID string, payload []byte) error {
	_, err := s.enqueuer.Enqueue(ctx,
		asynq.NewTask(taskname.SettlementApplyEvent, payload),
		asynq.TaskID(eventID),
		asynq.Queue(task.QueueCritical),
		asynq.MaxRetry(maxApplyRetry),
		asynq.Retention(retention),
	)
	return err
}

// redelivered handles an event whose task id is still held in redis. Only
// an archived task, one that gave up without touching the ledger, is queued
// again.
func (s *Service) redelivered(ctx context.Context, ev processor.Event, payload []byte) (Outcome, error) {
	applied, err := s.ledger.IsApplied(ctx, ev.ID)
	if err != nil {
		return "", err
	}
	if applied {
		return OutcomeDuplicate, nil
	}

	zapLog := zap.L().With(zap.String("event_id", ev.ID), zap.String("kind", string(ev.Kind)))

	info, err := s.inspector.GetTaskInfo(task.QueueCritical, ev.ID)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
		// retention ran out since the enqueue
	case err != nil:
		zapLog.Error("failed to inspect processor event task", zap.Error(err))
		return "", err
	case info.State == asynq.TaskStateArchived:
		if err := s.inspector.DeleteTask(task.QueueCritical, ev.ID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			zapLog.Error("failed to delete archived processor event task", zap.Error(err))
			return "", err
		}
		zapLog.Info("re-queueing archived processor event", zap.String("last_err", info.LastErr))
	default:
		// still queued, running, or completed as discarded or ignored
		return OutcomeDuplicate, nil
	}

	err = s.enqueueApply(ctx, ev.ID, payload)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	return OutcomeQueued, nil
}

type Task struct {
	service *Service
}

func NewTask(service *Service) *Task {
	return &Task{service: service}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.SettlementApplyEvent, t.HandleApplyEvent)
}

func (t *Task) HandleApplyEvent(ctx context.Context, at *asynq.Task) error {
	var ev processor.Event
	if err := json.Unmarshal(at.Payload(), &ev); err != nil {
		return fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}

	outcome, err := t.service.ApplyExternalEvent(ctx, ev)
	if err != nil {
		switch errutil.Code(err) {
		case errutil.StatusValidationFailed, errutil.StatusNotFound:
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		// refunds that beat their capture land here and retry with backoff
		return err
	}

	zap.L().Debug("processor event handled", zap.String("event_id", ev.ID), zap.String("outcome", string(outcome)))
	return nil
}
