package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
	"golang.org/x/text/currency"

	domain "github.com/bazaarline/api/internal/domain"
)

const (
	stripeGateway = "stripe"

	// StripeOrderMetadataKey is the metadata key checkout sessions carry the order id under.
	StripeOrderMetadataKey = "order_id"

	stripeDefaultTolerance = 5 * time.Minute
)

// StripeLogger defines the logging contract for Stripe webhook parsing.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

// StripeWebhookConfig configures the StripeWebhookParser.
type StripeWebhookConfig struct {
	Secret    string
	Tolerance time.Duration
	Logger    StripeLogger
}

// StripeWebhookParser verifies Stripe-Signature headers and maps payment intent and charge
// events onto payment outcomes.
type StripeWebhookParser struct {
	secret    string
	tolerance time.Duration
	logger    StripeLogger
}

var _ WebhookParser = (*StripeWebhookParser)(nil)

// NewStripeWebhookParser constructs a parser using the endpoint signing secret.
func NewStripeWebhookParser(cfg StripeWebhookConfig) (*StripeWebhookParser, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = stripeDefaultTolerance
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeWebhookParser{
		secret:    secret,
		tolerance: tolerance,
		logger:    logger,
	}, nil
}

// ParseWebhook verifies the signature and decodes the event.
func (p *StripeWebhookParser) ParseWebhook(ctx context.Context, req WebhookRequest) (WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(req.Payload, req.Signature, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return WebhookEvent{}, fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, event.ID)
	}

	eventType := string(event.Type)
	result := WebhookEvent{ID: event.ID, Type: eventType}
	occurredAt := time.Unix(event.Created, 0).UTC()

	switch eventType {
	case "payment_intent.succeeded", "payment_intent.amount_capturable_updated",
		"payment_intent.payment_failed", "payment_intent.canceled":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: decode payment intent: %v", ErrMalformedEvent, err)
		}
		result.Outcome, err = intentOutcome(eventType, &intent)
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: decode charge: %v", ErrMalformedEvent, err)
		}
		result.Outcome, err = refundOutcome(&charge)
	default:
		p.logger(ctx, "stripe.webhook.ignored", map[string]any{
			"eventId": event.ID,
			"type":    eventType,
		})
		return result, fmt.Errorf("%w: %s", ErrIgnoredEvent, eventType)
	}
	if err != nil {
		return WebhookEvent{}, err
	}

	result.Outcome.Gateway = stripeGateway
	result.Outcome.OccurredAt = occurredAt
	p.logger(ctx, "stripe.webhook.parsed", map[string]any{
		"eventId":       event.ID,
		"type":          eventType,
		"orderId":       result.Outcome.OrderID,
		"outcome":       string(result.Outcome.Kind),
		"transactionId": result.Outcome.TransactionID,
	})
	return result, nil
}

func intentOutcome(eventType string, intent *stripe.PaymentIntent) (domain.PaymentOutcome, error) {
	orderID := strings.TrimSpace(intent.Metadata[StripeOrderMetadataKey])
	if orderID == "" {
		return domain.PaymentOutcome{}, fmt.Errorf("%w: payment intent %s has no %s metadata", ErrMalformedEvent, intent.ID, StripeOrderMetadataKey)
	}

	outcome := domain.PaymentOutcome{
		OrderID:       orderID,
		TransactionID: intent.ID,
		Currency:      strings.ToUpper(string(intent.Currency)),
	}

	var minor int64
	switch eventType {
	case "payment_intent.succeeded":
		outcome.Kind = domain.PaymentOutcomeCaptured
		minor = intent.AmountReceived
		if minor == 0 {
			minor = intent.Amount
		}
	case "payment_intent.amount_capturable_updated":
		outcome.Kind = domain.PaymentOutcomeAuthorized
		minor = intent.AmountCapturable
	default:
		outcome.Kind = domain.PaymentOutcomeFailed
		minor = intent.Amount
		if intent.LastPaymentError != nil {
			outcome.Message = intent.LastPaymentError.Msg
		} else if intent.CancellationReason != "" {
			outcome.Message = string(intent.CancellationReason)
		}
	}

	amount, err := fromMinorUnits(minor, outcome.Currency)
	if err != nil {
		return domain.PaymentOutcome{}, err
	}
	outcome.Amount = amount
	outcome.FeeAmount = decimal.Zero
	return outcome, nil
}

// refundOutcome reports the latest refund of the charge. A charge refunded in full moves the
// order to Refunded; anything less is a partial refund.
func refundOutcome(charge *stripe.Charge) (domain.PaymentOutcome, error) {
	orderID := strings.TrimSpace(charge.Metadata[StripeOrderMetadataKey])
	reference := charge.ID
	if charge.PaymentIntent != nil {
		reference = charge.PaymentIntent.ID
		if orderID == "" {
			orderID = strings.TrimSpace(charge.PaymentIntent.Metadata[StripeOrderMetadataKey])
		}
	}
	if orderID == "" {
		return domain.PaymentOutcome{}, fmt.Errorf("%w: charge %s has no %s metadata", ErrMalformedEvent, charge.ID, StripeOrderMetadataKey)
	}

	kind := domain.PaymentOutcomePartialRefunded
	if charge.Refunded || (charge.Amount > 0 && charge.AmountRefunded >= charge.Amount) {
		kind = domain.PaymentOutcomeRefunded
	}

	transactionID := fmt.Sprintf("%s:refund:%d", charge.ID, charge.AmountRefunded)
	minor := charge.AmountRefunded
	if latest := latestRefund(charge); latest != nil {
		transactionID = latest.ID
		minor = latest.Amount
	}

	cur := strings.ToUpper(string(charge.Currency))
	amount, err := fromMinorUnits(minor, cur)
	if err != nil {
		return domain.PaymentOutcome{}, err
	}

	return domain.PaymentOutcome{
		OrderID:       orderID,
		Kind:          kind,
		TransactionID: transactionID,
		Reference:     reference,
		Amount:        amount,
		FeeAmount:     decimal.Zero,
		Currency:      cur,
	}, nil
}

func latestRefund(charge *stripe.Charge) *stripe.Refund {
	if charge.Refunds == nil {
		return nil
	}
	var latest *stripe.Refund
	for _, refund := range charge.Refunds.Data {
		if refund == nil {
			continue
		}
		if latest == nil || refund.Created > latest.Created {
			latest = refund
		}
	}
	return latest
}

// fromMinorUnits converts a Stripe integer amount using the ISO 4217 scale of the currency.
func fromMinorUnits(amount int64, code string) (decimal.Decimal, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: currency %q", ErrMalformedEvent, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return decimal.New(amount, -int32(scale)), nil
}
