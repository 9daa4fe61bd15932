package forms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/formbridge/twocheckout-gateway/internal/twocheckout"
)

// PaymentStatus mirrors the entry payment states of the forms platform.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "Pending"
	StatusPaid      PaymentStatus = "Paid"
	StatusActive    PaymentStatus = "Active"
	StatusFailed    PaymentStatus = "Failed"
	StatusRefunded  PaymentStatus = "Refunded"
	StatusCancelled PaymentStatus = "Cancelled"
	StatusVoided    PaymentStatus = "Voided"
)

// Metadata keys owned by this integration.
const (
	MetaOrderDetails   = "order_details"
	MetaOrderType      = "order_type"
	MetaPaymentDetails = "2checkout_payment_details"
	MetaThreeDSNonce   = "3dsecure_success_nonce"
)

// Order types stored under MetaOrderType. The processor reports subscription
// events uniformly, so the stored type routes IPN processing later.
const (
	OrderTypeProduct      = "product"
	OrderTypeSubscription = "subscription"
)

// IPNMarkerKey is the per-status idempotency marker key.
func IPNMarkerKey(status twocheckout.OrderStatus) string {
	return fmt.Sprintf("IPN_%s_PROCESSED", status)
}

// ErrEntryNotFound is returned when no entry matches a lookup.
var ErrEntryNotFound = errors.New("entry not found")

// ErrFormNotFound is returned when a form or its feed is not configured.
var ErrFormNotFound = errors.New("form not found")

// ConfigStore resolves the payment configuration of a form.
type ConfigStore interface {
	GetForm(ctx context.Context, formID string) (*Form, error)
	// GetFeed returns the active payment feed of the form.
	GetFeed(ctx context.Context, formID string) (*Feed, error)
}

// Entry is a single form submission record. The platform creates it at
// submission time; this service only mutates payment fields and metadata.
type Entry struct {
	ID               string
	FormID           string
	PaymentStatus    PaymentStatus
	PaymentMethod    string
	TransactionID    string
	PaymentAmount    float64
	CardNumberMasked string
	CardType         string
	CreatedAt        time.Time
}

// EntryStore is the platform's entry storage as consumed by this core:
// entries plus a string-keyed metadata bag per entry.
type EntryStore interface {
	Create(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	Update(ctx context.Context, entry *Entry) error
	FindByTransactionID(ctx context.Context, refNo string) (*Entry, error)
	FindByMeta(ctx context.Context, key, value string) (*Entry, error)
	GetMeta(ctx context.Context, entryID, key string) (string, bool, error)
	SetMeta(ctx context.Context, entryID, key, value string) error
}

// SetMetaJSON stores a JSON-encoded value under the given metadata key.
func SetMetaJSON(ctx context.Context, store EntryStore, entryID, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.SetMeta(ctx, entryID, key, string(data))
}

// GetOrderDetails loads the last persisted OrderResult for an entry.
func GetOrderDetails(ctx context.Context, store EntryStore, entryID string) (*twocheckout.OrderResult, error) {
	raw, ok, err := store.GetMeta(ctx, entryID, MetaOrderDetails)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var result twocheckout.OrderResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decode order details: %w", err)
	}
	return &result, nil
}

// GetPaymentDetails loads the persisted payment descriptor, including the
// optional 3DS challenge, for an entry.
func GetPaymentDetails(ctx context.Context, store EntryStore, entryID string) (*twocheckout.ResultPaymentDetails, error) {
	raw, ok, err := store.GetMeta(ctx, entryID, MetaPaymentDetails)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var details twocheckout.ResultPaymentDetails
	if err := json.Unmarshal([]byte(raw), &details); err != nil {
		return nil, fmt.Errorf("decode payment details: %w", err)
	}
	return &details, nil
}
