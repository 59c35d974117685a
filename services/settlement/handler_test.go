package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/pkg/middleware"
	"marketplace-settlement/pkg/processor"
	"marketplace-settlement/pkg/taskname"
	"marketplace-settlement/services/payout"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func (f *fixture) router(async bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Error())
	RegisterRoutes(r, &Handler{
		service:   f.settlement,
		processor: f.processor,
		archive:   f.archive,
		async:     async,
	})
	return r
}

type memoryArchive struct {
	objects map[string][]byte
}

func (m *memoryArchive) Put(_ context.Context, key string, body []byte, _ string) error {
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = body
	return nil
}

func deliver(r *gin.Engine, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/processor", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", signature)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func status(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	s, _ := body["status"].(string)
	return s
}

func TestWebhookSync(t *testing.T) {
	f := newFixture(t)
	p := f.payout500(t)
	r := f.router(false)

	ev := &processor.Event{ID: "evt_paid", Kind: processor.KindPayoutPaid, TargetID: p.ID}
	f.processor.EXPECT().ParseWebhook([]byte(`{"id":"evt_paid"}`), "t=1,v1=abc").Return(ev, nil).Times(2)

	w := deliver(r, `{"id":"evt_paid"}`, "t=1,v1=abc")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, string(OutcomeApplied), status(t, w))

	w = deliver(r, `{"id":"evt_paid"}`, "t=1,v1=abc")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, string(OutcomeDuplicate), status(t, w))

	done, err := f.payouts.Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, payout.StatusCompleted, done.Status)

	require.Len(t, f.archive.objects, 1)
	for key, body := range f.archive.objects {
		require.True(t, strings.HasSuffix(key, "/payout.paid/evt_paid.json"), key)
		require.JSONEq(t, `{"id":"evt_paid"}`, string(body))
	}
}

func TestWebhookAsync(t *testing.T) {
	f := newFixture(t)
	r := f.router(true)

	ev := &processor.Event{ID: "evt_1", Kind: processor.KindChargeRefunded, TargetID: "o1"}
	f.processor.EXPECT().ParseWebhook(gomock.Any(), gomock.Any()).Return(ev, nil).Times(2)

	w := deliver(r, `{}`, "sig")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, string(OutcomeQueued), status(t, w))

	w = deliver(r, `{}`, "sig")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, string(OutcomeDuplicate), status(t, w))

	queued := f.enqueuer.ofType(taskname.SettlementApplyEvent)
	require.Len(t, queued, 1)

	var got processor.Event
	require.NoError(t, json.Unmarshal(queued[0].Payload(), &got))
	require.Equal(t, *ev, got)
}

func TestWebhookRedeliveryAfterArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.payout500(t)
	r := f.router(true)

	refund := &processor.Event{ID: "evt_refund", Kind: processor.KindChargeRefunded, TargetID: "o1"}
	f.processor.EXPECT().ParseWebhook(gomock.Any(), "refund").Return(refund, nil).Times(3)

	w := deliver(r, `{}`, "refund")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, string(OutcomeQueued), status(t, w))

	// the worker gave up on it without writing to the ledger
	f.enqueuer.settle(refund.ID, asynq.TaskStateArchived)
	w = deliver(r, `{}`, "refund")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, string(OutcomeQueued), status(t, w))
	require.Len(t, f.enqueuer.ofType(taskname.SettlementApplyEvent), 2)

	// a redelivery while the new task is pending stays a duplicate
	w = deliver(r, `{}`, "refund")
	require.Equal(t, string(OutcomeDuplicate), status(t, w))
	require.Len(t, f.enqueuer.ofType(taskname.SettlementApplyEvent), 2)

	paid := &processor.Event{ID: "evt_paid", Kind: processor.KindPayoutPaid, TargetID: p.ID}
	f.processor.EXPECT().ParseWebhook(gomock.Any(), "paid").Return(paid, nil).Times(2)

	w = deliver(r, `{}`, "paid")
	require.Equal(t, string(OutcomeQueued), status(t, w))
	_, err := f.settlement.ApplyExternalEvent(ctx, *paid)
	require.NoError(t, err)

	// applied events are never queued again, whatever redis says
	f.enqueuer.settle(paid.ID, asynq.TaskStateArchived)
	w = deliver(r, `{}`, "paid")
	require.Equal(t, string(OutcomeDuplicate), status(t, w))
	require.Len(t, f.enqueuer.ofType(taskname.SettlementApplyEvent), 3)
}

func TestWebhookRejects(t *testing.T) {
	f := newFixture(t)
	r := f.router(true)

	t.Run("bad signature", func(t *testing.T) {
		f.processor.EXPECT().ParseWebhook(gomock.Any(), "forged").Return(nil, errutil.BadRequest("invalid webhook signature", nil))
		w := deliver(r, `{}`, "forged")
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unsupported type is acknowledged", func(t *testing.T) {
		f.processor.EXPECT().ParseWebhook(gomock.Any(), "sig").Return(nil, processor.ErrUnsupportedEvent)
		w := deliver(r, `{}`, "sig")
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, string(OutcomeIgnored), status(t, w))
	})

	t.Run("event without target", func(t *testing.T) {
		f.processor.EXPECT().ParseWebhook(gomock.Any(), "sig2").Return(&processor.Event{ID: "evt_x", Kind: processor.KindPayoutPaid}, nil)
		w := deliver(r, `{}`, "sig2")
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	require.Empty(t, f.enqueuer.tasks)
	require.Empty(t, f.archive.objects)
}

func TestHandleApplyEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.payout500(t)
	handler := NewTask(f.settlement)

	err := handler.HandleApplyEvent(ctx, asynq.NewTask(taskname.SettlementApplyEvent, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	missing, _ := json.Marshal(processor.Event{ID: "evt_0", Kind: processor.KindPayoutPaid, TargetID: "nope"})
	err = handler.HandleApplyEvent(ctx, asynq.NewTask(taskname.SettlementApplyEvent, missing))
	require.ErrorIs(t, err, asynq.SkipRetry)

	paid, _ := json.Marshal(processor.Event{ID: "evt_1", Kind: processor.KindPayoutPaid, TargetID: p.ID})
	require.NoError(t, handler.HandleApplyEvent(ctx, asynq.NewTask(taskname.SettlementApplyEvent, paid)))
	require.NoError(t, handler.HandleApplyEvent(ctx, asynq.NewTask(taskname.SettlementApplyEvent, paid)))

	// refunds for orders this service never created are dropped
	early, _ := json.Marshal(processor.Event{ID: "evt_2", Kind: processor.KindChargeRefunded, TargetID: "unknown-order"})
	err = handler.HandleApplyEvent(ctx, asynq.NewTask(taskname.SettlementApplyEvent, early))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
