package settlement

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketplace-settlement/pkg/config"
	"marketplace-settlement/pkg/errutil"
	"marketplace-settlement/pkg/minio"
	"marketplace-settlement/pkg/processor"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	signatureHeader = "Stripe-Signature"
	maxWebhookBody  = 1 << 20
)

type Handler struct {
	service   *Service
	processor processor.Client
	archive   minio.Archive
	async     bool
}

type HandlerParams struct {
	fx.In
	Service   *Service
	Processor processor.Client
	Archive   minio.Archive
	Config    *config.Config
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		service:   p.Service,
		processor: p.Processor,
		archive:   p.Archive,
		async:     p.Config.Processor.AsyncWebhooks,
	}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	r.POST("/v1/webhooks/processor", h.Webhook)
}

// Webhook verifies a processor callback and either queues it for the
// settlement worker or applies it inline. The processor retries anything
// other than a 2xx, so duplicates are acknowledged rather than rejected.
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		_ = c.Error(errutil.BadRequest("failed to read webhook body", err))
		return
	}

	ev, err := h.processor.ParseWebhook(payload, c.GetHeader(signatureHeader))
	if errors.Is(err, processor.ErrUnsupportedEvent) {
		c.JSON(http.StatusOK, gin.H{"status": OutcomeIgnored})
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := validateEvent(*ev); err != nil {
		_ = c.Error(err)
		return
	}

	ctx := c.Request.Context()
	if err := h.archive.Put(ctx, archiveKey(*ev, time.Now()), payload, "application/json"); err != nil {
		zap.L().Warn("failed to archive processor event", zap.String("event_id", ev.ID), zap.Error(err))
	}

	if h.async {
		outcome, err := h.service.EnqueueApply(ctx, *ev)
		if err != nil {
			zap.L().Error("failed to enqueue processor event", zap.String("event_id", ev.ID), zap.Error(err))
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": outcome, "eventId": ev.ID})
		return
	}

	outcome, err := h.service.ApplyExternalEvent(ctx, *ev)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": outcome, "eventId": ev.ID})
}

// archiveKey is "processor/{yyyy}/{mm}/{dd}/{kind}/{event id}.json".
func archiveKey(ev processor.Event, receivedAt time.Time) string {
	return fmt.Sprintf("processor/%s/%s/%s.json", receivedAt.UTC().Format("2006/01/02"), ev.Kind, ev.ID)
}
