// Package events fans reconciled payment events out to the forms platform's
// generic payment-event handling.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Type enumerates the payment events this core can emit.
type Type string

const (
	TypeCompletePayment         Type = "complete_payment"
	TypeFailPayment             Type = "fail_payment"
	TypeRefundPayment           Type = "refund_payment"
	TypeVoidAuthorization       Type = "void_authorization"
	TypeCreateSubscription      Type = "create_subscription"
	TypeAddSubscriptionPayment  Type = "add_subscription_payment"
	TypeFailSubscriptionPayment Type = "fail_subscription_payment"
)

// PaymentEvent is the payload handed to downstream handlers. SubscriptionID
// is set for subscription entries and always equals the reference number.
type PaymentEvent struct {
	Type           Type
	EntryID        string
	TransactionID  string
	Amount         float64
	SubscriptionID string
	// NotificationID identifies the triggering notification (its signature)
	// so downstream consumers can correlate deliveries.
	NotificationID string
}

// Handler reacts to a dispatched payment event.
type Handler interface {
	HandlePaymentEvent(ctx context.Context, event PaymentEvent) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event PaymentEvent) error

// HandlePaymentEvent implements Handler.
func (f HandlerFunc) HandlePaymentEvent(ctx context.Context, event PaymentEvent) error {
	return f(ctx, event)
}

// Bus dispatches payment events to every configured handler. Handler errors
// are joined, not short-circuited: one broken consumer must not starve the
// rest.
type Bus struct {
	Logger   zerolog.Logger
	Handlers []Handler
}

// Dispatch delivers the event to all handlers.
func (b *Bus) Dispatch(ctx context.Context, event PaymentEvent) error {
	if strings.TrimSpace(string(event.Type)) == "" {
		return errors.New("events: type is required")
	}
	if strings.TrimSpace(event.EntryID) == "" {
		return errors.New("events: entry id is required")
	}
	b.Logger.Info().
		Str("type", string(event.Type)).
		Str("entry_id", event.EntryID).
		Str("transaction_id", event.TransactionID).
		Float64("amount", event.Amount).
		Msg("dispatching payment event")

	var joined error
	for _, handler := range b.Handlers {
		if handler == nil {
			continue
		}
		if err := handler.HandlePaymentEvent(ctx, event); err != nil {
			joined = errors.Join(joined, fmt.Errorf("events: handler: %w", err))
		}
	}
	return joined
}
