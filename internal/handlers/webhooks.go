package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bazaarline/api/internal/payments"
	"github.com/bazaarline/api/internal/platform/httpx"
	"github.com/bazaarline/api/internal/platform/requestctx"
	"github.com/bazaarline/api/internal/services"
)

const (
	maxWebhookBody         = 256 * 1024
	defaultSignatureHeader = "X-Webhook-Signature"
)

var gatewaySignatureHeaders = map[string]string{
	"stripe": "Stripe-Signature",
}

// WebhookParser verifies gateway notifications.
type WebhookParser interface {
	Parse(ctx context.Context, gateway string, req payments.WebhookRequest) (payments.WebhookEvent, error)
}

// PaymentWebhookHandlers turns verified gateway notifications into recorded payment outcomes.
type PaymentWebhookHandlers struct {
	parser   WebhookParser
	checkout services.CheckoutService
}

// NewPaymentWebhookHandlers constructs the webhook handlers.
func NewPaymentWebhookHandlers(parser WebhookParser, checkout services.CheckoutService) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{parser: parser, checkout: checkout}
}

// Routes registers the /webhooks endpoints. Authentication is the gateway signature.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{gateway}", h.receive)
}

type webhookAck struct {
	Received      bool   `json:"received"`
	EventID       string `json:"eventId,omitempty"`
	Ignored       bool   `json:"ignored,omitempty"`
	OrderID       string `json:"orderId,omitempty"`
	PaymentStatus string `json:"paymentStatus,omitempty"`
	Status        string `json:"status,omitempty"`
}

func (h *PaymentWebhookHandlers) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.parser == nil || h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "payment webhooks are not configured", http.StatusServiceUnavailable))
		return
	}

	gateway := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "gateway")))
	body, err := httpx.ReadBody(r, maxWebhookBody)
	if err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}

	header, ok := gatewaySignatureHeaders[gateway]
	if !ok {
		header = defaultSignatureHeader
	}
	event, err := h.parser.Parse(ctx, gateway, payments.WebhookRequest{
		Payload:   body,
		Signature: r.Header.Get(header),
	})
	logger := requestctx.Logger(ctx).With(zap.String("gateway", gateway))
	switch {
	case err == nil:
	case errors.Is(err, payments.ErrIgnoredEvent):
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, EventID: event.ID, Ignored: true})
		return
	case errors.Is(err, payments.ErrUnsupportedGateway):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_gateway", "no webhook parser for gateway", http.StatusNotFound))
		return
	case errors.Is(err, payments.ErrInvalidSignature):
		logger.Warn("webhook signature rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	case errors.Is(err, payments.ErrMalformedEvent):
		logger.Warn("webhook payload rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", err.Error(), http.StatusBadRequest))
		return
	default:
		writeServiceError(ctx, w, err)
		return
	}

	order, err := h.checkout.RecordPaymentOutcome(ctx, event.Outcome)
	if err != nil {
		logger.Warn("payment outcome not recorded",
			zap.String("event_id", event.ID),
			zap.String("order_id", event.Outcome.OrderID),
			zap.Error(err))
		writeServiceError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, webhookAck{
		Received:      true,
		EventID:       event.ID,
		OrderID:       order.ID,
		PaymentStatus: string(order.PaymentStatus),
		Status:        string(order.Status),
	})
}
