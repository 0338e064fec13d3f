package payments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/bazaarline/api/internal/domain"
)

const testSecret = "whsec_test_secret"

func signedRequest(t *testing.T, eventType string, object map[string]any, ts time.Time) WebhookRequest {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          "evt_123",
		"object":      "event",
		"type":        eventType,
		"created":     ts.Unix(),
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testSecret,
		Timestamp: ts,
	})
	return WebhookRequest{Payload: signed.Payload, Signature: signed.Header}
}

func newTestParser(t *testing.T) *StripeWebhookParser {
	t.Helper()
	parser, err := NewStripeWebhookParser(StripeWebhookConfig{Secret: testSecret})
	require.NoError(t, err)
	return parser
}

func TestStripeWebhookParserMapsPaymentIntentEvents(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	tests := []struct {
		name      string
		eventType string
		intent    map[string]any
		want      domain.PaymentOutcome
	}{
		{
			name:      "succeeded",
			eventType: "payment_intent.succeeded",
			intent: map[string]any{
				"id": "pi_1", "object": "payment_intent", "amount": 7000, "amount_received": 7000,
				"currency": "usd", "metadata": map[string]string{"order_id": "ord_1"},
			},
			want: domain.PaymentOutcome{OrderID: "ord_1", Kind: domain.PaymentOutcomeCaptured, TransactionID: "pi_1", Amount: decimal.RequireFromString("70"), Currency: "USD"},
		},
		{
			name:      "authorized",
			eventType: "payment_intent.amount_capturable_updated",
			intent: map[string]any{
				"id": "pi_2", "object": "payment_intent", "amount": 1999, "amount_capturable": 1999,
				"currency": "eur", "metadata": map[string]string{"order_id": "ord_2"},
			},
			want: domain.PaymentOutcome{OrderID: "ord_2", Kind: domain.PaymentOutcomeAuthorized, TransactionID: "pi_2", Amount: decimal.RequireFromString("19.99"), Currency: "EUR"},
		},
		{
			name:      "failed with zero decimal currency",
			eventType: "payment_intent.payment_failed",
			intent: map[string]any{
				"id": "pi_3", "object": "payment_intent", "amount": 1500, "currency": "jpy",
				"metadata":           map[string]string{"order_id": "ord_3"},
				"last_payment_error": map[string]any{"message": "Your card was declined."},
			},
			want: domain.PaymentOutcome{OrderID: "ord_3", Kind: domain.PaymentOutcomeFailed, TransactionID: "pi_3", Amount: decimal.RequireFromString("1500"), Currency: "JPY", Message: "Your card was declined."},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			event, err := newTestParser(t).ParseWebhook(context.Background(), signedRequest(t, tc.eventType, tc.intent, now))
			require.NoError(t, err)
			assert.Equal(t, "evt_123", event.ID)
			assert.Equal(t, tc.eventType, event.Type)

			got := event.Outcome
			assert.Equal(t, tc.want.OrderID, got.OrderID)
			assert.Equal(t, tc.want.Kind, got.Kind)
			assert.Equal(t, tc.want.TransactionID, got.TransactionID)
			assert.Equal(t, tc.want.Currency, got.Currency)
			assert.Equal(t, tc.want.Message, got.Message)
			assert.True(t, tc.want.Amount.Equal(got.Amount), "amount %s", got.Amount)
			assert.Equal(t, "stripe", got.Gateway)
			assert.Equal(t, now, got.OccurredAt)
		})
	}
}

func TestStripeWebhookParserMapsChargeRefunds(t *testing.T) {
	now := time.Now().UTC()
	charge := func(amountRefunded int64, refunded bool) map[string]any {
		return map[string]any{
			"id": "ch_1", "object": "charge", "amount": 7000, "amount_refunded": amountRefunded,
			"refunded": refunded, "currency": "usd", "payment_intent": "pi_1",
			"metadata": map[string]string{"order_id": "ord_1"},
			"refunds": map[string]any{"object": "list", "data": []map[string]any{
				{"id": "re_old", "object": "refund", "amount": 1000, "created": now.Add(-time.Hour).Unix()},
				{"id": "re_new", "object": "refund", "amount": amountRefunded - 1000, "created": now.Unix()},
			}},
		}
	}

	partial, err := newTestParser(t).ParseWebhook(context.Background(), signedRequest(t, "charge.refunded", charge(3000, false), now))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentOutcomePartialRefunded, partial.Outcome.Kind)
	assert.Equal(t, "re_new", partial.Outcome.TransactionID)
	assert.Equal(t, "pi_1", partial.Outcome.Reference)
	assert.True(t, partial.Outcome.Amount.Equal(decimal.RequireFromString("20")))

	full, err := newTestParser(t).ParseWebhook(context.Background(), signedRequest(t, "charge.refunded", charge(7000, true), now))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentOutcomeRefunded, full.Outcome.Kind)
	assert.Equal(t, "ord_1", full.Outcome.OrderID)
}

func TestStripeWebhookParserRejectsBadSignatures(t *testing.T) {
	now := time.Now().UTC()
	req := signedRequest(t, "payment_intent.succeeded", map[string]any{"id": "pi_1", "object": "payment_intent"}, now)

	tampered := req
	tampered.Payload = append([]byte(nil), req.Payload...)
	tampered.Payload[len(tampered.Payload)-2] = ' '
	_, err := newTestParser(t).ParseWebhook(context.Background(), tampered)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = newTestParser(t).ParseWebhook(context.Background(), WebhookRequest{Payload: req.Payload})
	require.ErrorIs(t, err, ErrInvalidSignature)

	stale := signedRequest(t, "payment_intent.succeeded", map[string]any{"id": "pi_1", "object": "payment_intent"}, now.Add(-time.Hour))
	_, err = newTestParser(t).ParseWebhook(context.Background(), stale)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeWebhookParserIgnoresUnrelatedEventsAndRequiresOrder(t *testing.T) {
	now := time.Now().UTC()
	parser := newTestParser(t)

	_, err := parser.ParseWebhook(context.Background(), signedRequest(t, "customer.created", map[string]any{"id": "cus_1", "object": "customer"}, now))
	require.ErrorIs(t, err, ErrIgnoredEvent)

	_, err = parser.ParseWebhook(context.Background(), signedRequest(t, "payment_intent.succeeded", map[string]any{
		"id": "pi_1", "object": "payment_intent", "amount": 100, "currency": "usd",
	}, now))
	require.ErrorIs(t, err, ErrMalformedEvent)
}

type fakeParser struct {
	event WebhookEvent
	err   error
	calls int
}

func (f *fakeParser) ParseWebhook(context.Context, WebhookRequest) (WebhookEvent, error) {
	f.calls++
	return f.event, f.err
}

func TestRegistryRoutesByGateway(t *testing.T) {
	stripeParser := &fakeParser{event: WebhookEvent{ID: "evt_1"}}
	registry, err := NewRegistry(map[string]WebhookParser{" Stripe ": stripeParser})
	require.NoError(t, err)

	event, err := registry.Parse(context.Background(), "STRIPE", WebhookRequest{})
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, "stripe", event.Outcome.Gateway)
	assert.Equal(t, 1, stripeParser.calls)

	_, err = registry.Parse(context.Background(), "paypal", WebhookRequest{})
	require.ErrorIs(t, err, ErrUnsupportedGateway)

	_, err = NewRegistry(nil)
	require.Error(t, err)
	_, err = NewRegistry(map[string]WebhookParser{"": stripeParser})
	require.Error(t, err)
}
