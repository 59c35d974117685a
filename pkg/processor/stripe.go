package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"marketplace-settlement/pkg/config"
	"marketplace-settlement/pkg/errutil"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	MetadataPayoutID = "payout_id"
	MetadataVendorID = "vendor_id"
	MetadataOrderID  = "order_id"
)

var Module = fx.Module("processor",
	fx.Provide(NewStripeClient),
)

type StripeClient struct {
	client        *client.API
	webhookSecret string
}

func NewStripeClient(cfg *config.Config) Client {
	sc := &client.API{}
	sc.Init(cfg.Processor.SecretKey, nil)

	return &StripeClient{
		client:        sc,
		webhookSecret: cfg.Processor.WebhookSecret,
	}
}

// Transfer creates a payout on the vendor's connected account.
func (s *StripeClient) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	params := &stripe.PayoutParams{
		Amount:      stripe.Int64(MinorUnits(req.Amount)),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(fmt.Sprintf("marketplace payout %s", req.PayoutID)),
	}
	if req.Descriptor != "" {
		params.StatementDescriptor = stripe.String(req.Descriptor)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.PayoutID)
	params.SetStripeAccount(req.Destination)
	params.AddMetadata(MetadataPayoutID, req.PayoutID)
	params.AddMetadata(MetadataVendorID, req.VendorID)

	po, err := s.client.Payouts.New(params)
	if err != nil {
		zap.L().Warn("stripe payout failed",
			zap.String("payout_id", req.PayoutID),
			zap.String("vendor_id", req.VendorID),
			zap.Error(err),
		)
		return nil, transferError(err)
	}

	return &TransferResult{
		ExternalPayoutID: po.ID,
		Status:           string(po.Status),
	}, nil
}

// transferError tells refusals apart from failures that may still have
// created the payout. Stripe answers 409 while the same idempotency key is in
// flight and 429 when rate limited.
func transferError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 &&
		se.HTTPStatusCode != http.StatusConflict && se.HTTPStatusCode != http.StatusTooManyRequests {
		return errutil.ExternalProcessor("processor rejected payout", fmt.Errorf("%w: %w", ErrTransferRejected, err))
	}
	return errutil.ExternalProcessor("failed to create payout", err)
}

func (s *StripeClient) ParseWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errutil.BadRequest("invalid webhook signature", err)
	}

	return normalize(event)
}

func normalize(event stripe.Event) (*Event, error) {
	out := &Event{
		ID:      event.ID,
		Kind:    EventKind(event.Type),
		Payload: event.Data.Raw,
	}

	switch event.Type {
	case stripe.EventTypePayoutPaid, stripe.EventTypePayoutFailed, stripe.EventTypePayoutCanceled:
		var po stripe.Payout
		if err := json.Unmarshal(event.Data.Raw, &po); err != nil {
			return nil, errutil.BadRequest("malformed payout event", err)
		}
		out.TargetID = po.Metadata[MetadataPayoutID]
		out.ExternalID = po.ID
		out.FailureReason = po.FailureMessage
		if out.FailureReason == "" && po.FailureCode != "" {
			out.FailureReason = string(po.FailureCode)
		}

	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, errutil.BadRequest("malformed charge event", err)
		}
		out.TargetID = ch.Metadata[MetadataOrderID]
		out.ExternalID = ch.ID

	default:
		return out, ErrUnsupportedEvent
	}

	if out.TargetID == "" {
		return nil, errutil.ValidationFailed("event is missing target metadata", nil,
			errutil.WithDetails(errutil.Detail{Field: "metadata", Message: "payout_id or order_id required"}))
	}

	return out, nil
}
