// Package payments translates payment gateway notifications into the outcomes the order engine
// records. The engine never calls a gateway; every adapter here is a pure parser.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/bazaarline/api/internal/domain"
)

var (
	// ErrUnsupportedGateway is returned when no parser is registered for the gateway.
	ErrUnsupportedGateway = errors.New("payments: unsupported gateway")
	// ErrInvalidSignature indicates the notification could not be authenticated.
	ErrInvalidSignature = errors.New("payments: invalid signature")
	// ErrMalformedEvent indicates the notification body could not be decoded.
	ErrMalformedEvent = errors.New("payments: malformed event")
	// ErrIgnoredEvent marks authentic notifications that carry no payment outcome.
	ErrIgnoredEvent = errors.New("payments: event ignored")
)

// WebhookRequest is the raw notification as received over HTTP.
type WebhookRequest struct {
	Payload   []byte
	Signature string
}

// WebhookEvent is a verified notification together with the outcome it reports.
type WebhookEvent struct {
	ID      string
	Type    string
	Outcome domain.PaymentOutcome
}

// WebhookParser verifies and decodes notifications of one gateway.
type WebhookParser interface {
	ParseWebhook(ctx context.Context, req WebhookRequest) (WebhookEvent, error)
}

// Registry routes notifications to the parser registered for their gateway.
type Registry struct {
	parsers map[string]WebhookParser
}

// NewRegistry constructs a Registry over the supplied parsers keyed by gateway name.
func NewRegistry(parsers map[string]WebhookParser) (*Registry, error) {
	if len(parsers) == 0 {
		return nil, errors.New("payments: at least one webhook parser is required")
	}
	copyMap := make(map[string]WebhookParser, len(parsers))
	for k, v := range parsers {
		key := normalizeGateway(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid parser registration for key %q", k)
		}
		copyMap[key] = v
	}
	return &Registry{parsers: copyMap}, nil
}

// Parse verifies the notification with the gateway's parser. The returned outcome always
// names the gateway it came from.
func (r *Registry) Parse(ctx context.Context, gateway string, req WebhookRequest) (WebhookEvent, error) {
	if r == nil {
		return WebhookEvent{}, errors.New("payments: registry is nil")
	}
	key := normalizeGateway(gateway)
	parser, ok := r.parsers[key]
	if !ok {
		return WebhookEvent{}, fmt.Errorf("%w: %s", ErrUnsupportedGateway, gateway)
	}
	event, err := parser.ParseWebhook(ctx, req)
	if err != nil {
		return WebhookEvent{}, err
	}
	event.Outcome.Gateway = key
	return event, nil
}

// Gateways lists the registered gateway names.
func (r *Registry) Gateways() []string {
	out := make([]string, 0, len(r.parsers))
	for key := range r.parsers {
		out = append(out, key)
	}
	return out
}

func normalizeGateway(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
