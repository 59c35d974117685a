package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketplace-settlement/pkg/config"
	"marketplace-settlement/pkg/task"
	"marketplace-settlement/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type MaturePayload struct {
	AsOf time.Time `json:"asOf"`
}

type Task struct {
	service *Service
}

func NewTask(service *Service) *Task {
	return &Task{service: service}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.LedgerMaturePending, t.HandleMaturePending)
}

func (t *Task) HandleMaturePending(ctx context.Context, at *asynq.Task) error {
	var payload MaturePayload
	if err := json.Unmarshal(at.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}
	if payload.AsOf.IsZero() {
		payload.AsOf = time.Now()
	}

	zapLog := zap.L().With(zap.String("task_type", at.Type()), zap.Time("as_of", payload.AsOf))

	start := time.Now()
	matured, err := t.service.MatureAllDue(ctx, payload.AsOf)
	if err != nil {
		zapLog.Error("maturation run finished with errors", zap.Int("vendors_matured", matured), zap.Error(err))
		return err
	}

	zapLog.Info("maturation run finished", zap.Int("vendors_matured", matured), zap.Duration("duration", time.Since(start)))
	return nil
}

// Scheduler enqueues one maturation job per interval. Every replica runs a
// scheduler; the per-slot task id keeps them from enqueuing duplicates.
type Scheduler struct {
	enqueuer task.Enqueuer
	interval time.Duration
	now      func() time.Time
}

func NewScheduler(cfg *config.Config, enqueuer task.Enqueuer) *Scheduler {
	interval := cfg.Settlement.MaturationInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{enqueuer: enqueuer, interval: interval, now: time.Now}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started pending maturation scheduler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.enqueue(ctx); err != nil {
				zap.L().Error("[Scheduler] failed to enqueue maturation job", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) enqueue(ctx context.Context) error {
	slot := s.now().UTC().Truncate(s.interval)

	payload, err := json.Marshal(MaturePayload{AsOf: slot})
	if err != nil {
		return err
	}

	_, err = s.enqueuer.Enqueue(ctx,
		asynq.NewTask(taskname.LedgerMaturePending, payload),
		asynq.TaskID(fmt.Sprintf("mature:%s", slot.Format(time.RFC3339))),
		asynq.Queue(task.QueueDefault),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		zap.L().Debug("[Scheduler] maturation job already enqueued", zap.Time("slot", slot))
		return nil
	}
	return err
}
