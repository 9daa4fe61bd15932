// Package ipn verifies and reconciles inbound payment notifications from the
// processor against entries, exactly once per (order, status).
package ipn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/formbridge/twocheckout-gateway/internal/events"
	"github.com/formbridge/twocheckout-gateway/internal/forms"
	"github.com/formbridge/twocheckout-gateway/internal/obs"
	"github.com/formbridge/twocheckout-gateway/internal/signature"
	"github.com/formbridge/twocheckout-gateway/internal/twocheckout"
)

// Notification field names used by the reconciler.
const (
	FieldRefNo        = "REFNO"
	FieldOrderStatus  = "ORDERSTATUS"
	FieldProductID    = "IPN_PID"
	FieldProductName  = "IPN_PNAME"
	FieldDate         = "IPN_DATE"
	FieldTotalGeneral = "IPN_TOTALGENERAL"
)

// Outcome labels reported per processed notification.
const (
	OutcomeProcessed        = "processed"
	OutcomeDuplicate        = "duplicate"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeUnmatched        = "unmatched"
	OutcomeIgnored          = "ignored"
	OutcomeError            = "error"
)

// ErrInvalidSignature is returned when no recognized signature verifies.
var ErrInvalidSignature = errors.New("ipn: invalid signature")

// Applier performs the entry status transition for a payment event.
type Applier interface {
	Apply(ctx context.Context, event events.PaymentEvent) error
}

// ReplayGuard is a fast pre-filter over delivery keys; the durable
// per-status marker on the entry is what actually guarantees exactly-once
// processing. A key is marked only after that marker is written, so a crash
// mid-processing never leaves the guard blocking the retry.
type ReplayGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key string) error
}

// RedisReplayGuard deduplicates deliveries under a TTL.
type RedisReplayGuard struct {
	Client redis.UniversalClient
	TTL    time.Duration
}

// Seen implements ReplayGuard.
func (g *RedisReplayGuard) Seen(ctx context.Context, key string) (bool, error) {
	n, err := g.Client.Exists(ctx, "ipn:seen:"+key).Result()
	return n > 0, err
}

// MarkSeen implements ReplayGuard.
func (g *RedisReplayGuard) MarkSeen(ctx context.Context, key string) error {
	ttl := g.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return g.Client.Set(ctx, "ipn:seen:"+key, "1", ttl).Err()
}

// Result describes how a notification was handled. Receipt carries the
// acknowledgment to return to the processor; it is empty when the delivery
// is left unacknowledged so redelivery continues.
type Result struct {
	Outcome string
	Status  twocheckout.OrderStatus
	EntryID string
	Receipt string
}

// Reconciler verifies notification signatures and converts order statuses
// into payment events applied through the orchestrator.
type Reconciler struct {
	SecretKey string
	Entries   forms.EntryStore
	Applier   Applier
	Replay    ReplayGuard
	Logger    zerolog.Logger
	Metrics   *obs.PaymentMetrics

	legacyWarn sync.Once
}

// Process handles one parsed notification. Verified deliveries this side has
// settled (processed, duplicate, deliberately ignored) are acknowledged with
// the read receipt. Unmatched deliveries are not: a notification can land
// before the submission flow persists the transaction id, and withholding
// the receipt keeps the processor redelivering until the entry exists.
func (r *Reconciler) Process(ctx context.Context, fields []signature.Field) (Result, error) {
	received, algo, ok := signature.Detect(fields)
	if !ok || !signature.Verify(received, fields, r.SecretKey, algo) {
		r.count("", OutcomeInvalidSignature)
		return Result{Outcome: OutcomeInvalidSignature}, ErrInvalidSignature
	}
	if algo == signature.AlgorithmMD5 {
		r.legacyWarn.Do(func() {
			r.Logger.Warn().Msg("notification signed with legacy md5 digest; rotate the merchant to sha3-256")
			if r.Metrics != nil {
				r.Metrics.LegacyDigest.Set(1)
			}
		})
	}

	status := twocheckout.ParseStatus(signature.Value(fields, FieldOrderStatus))
	receipt := r.receipt(fields)
	result := Result{Status: status}

	refNo := signature.Value(fields, FieldRefNo)
	if refNo == "" {
		r.Logger.Warn().Msg("notification carries no reference number")
		result.Outcome = OutcomeUnmatched
		r.count(string(status), OutcomeUnmatched)
		return result, nil
	}

	if r.Replay != nil {
		seen, err := r.Replay.Seen(ctx, received)
		if err != nil {
			// A broken guard must not block reconciliation; the durable
			// marker below still dedupes.
			r.Logger.Error().Err(err).Msg("replay guard unavailable")
		} else if seen {
			result.Outcome = OutcomeDuplicate
			result.Receipt = receipt
			r.count(string(status), OutcomeDuplicate)
			return result, nil
		}
	}

	entry, err := r.Entries.FindByTransactionID(ctx, refNo)
	if err != nil {
		if errors.Is(err, forms.ErrEntryNotFound) {
			r.Logger.Warn().Str("refno", refNo).Msg("no entry matches notification yet, leaving delivery unacknowledged")
			result.Outcome = OutcomeUnmatched
			r.count(string(status), OutcomeUnmatched)
			return result, nil
		}
		result.Outcome = OutcomeError
		r.count(string(status), OutcomeError)
		return result, err
	}
	result.EntryID = entry.ID

	marker := forms.IPNMarkerKey(status)
	if _, seen, err := r.Entries.GetMeta(ctx, entry.ID, marker); err != nil {
		result.Outcome = OutcomeError
		r.count(string(status), OutcomeError)
		return result, err
	} else if seen {
		result.Outcome = OutcomeDuplicate
		result.Receipt = receipt
		r.count(string(status), OutcomeDuplicate)
		return result, nil
	}
	// The marker goes down before dispatch: a crash mid-dispatch must err on
	// the side of never double-charging or double-crediting.
	if err := r.Entries.SetMeta(ctx, entry.ID, marker, "1"); err != nil {
		result.Outcome = OutcomeError
		r.count(string(status), OutcomeError)
		return result, err
	}
	if r.Replay != nil {
		// Marked only now that the marker is durable; failures are tolerable
		// because the marker dedupes without the guard.
		if err := r.Replay.MarkSeen(ctx, received); err != nil {
			r.Logger.Error().Err(err).Msg("replay guard unavailable")
		}
	}

	orderType, _, err := r.Entries.GetMeta(ctx, entry.ID, forms.MetaOrderType)
	if err != nil {
		result.Outcome = OutcomeError
		r.count(string(status), OutcomeError)
		return result, err
	}

	event, routed := routeEvent(orderType, status, entry.ID, refNo, amount(fields))
	if !routed {
		if !status.Known() {
			r.Logger.Warn().Str("status", string(status)).Str("refno", refNo).Msg("unrecognized order status, ignoring")
		}
		result.Outcome = OutcomeIgnored
		result.Receipt = receipt
		r.count(string(status), OutcomeIgnored)
		return result, nil
	}
	event.NotificationID = received

	if err := r.Applier.Apply(ctx, event); err != nil {
		result.Outcome = OutcomeError
		r.count(string(status), OutcomeError)
		return result, fmt.Errorf("apply %s: %w", event.Type, err)
	}

	r.Logger.Info().
		Str("refno", refNo).
		Str("entry_id", entry.ID).
		Str("status", string(status)).
		Str("event", string(event.Type)).
		Msg("notification reconciled")
	result.Outcome = OutcomeProcessed
	result.Receipt = receipt
	r.count(string(status), OutcomeProcessed)
	return result, nil
}

// routeEvent maps an order status to the payment event for the entry's order
// type. Statuses with no mapping are deliberate no-ops.
func routeEvent(orderType string, status twocheckout.OrderStatus, entryID, refNo string, total float64) (events.PaymentEvent, bool) {
	event := events.PaymentEvent{EntryID: entryID, TransactionID: refNo, Amount: total}

	if orderType == forms.OrderTypeSubscription {
		event.SubscriptionID = refNo
		switch status {
		case twocheckout.StatusComplete:
			event.Type = events.TypeAddSubscriptionPayment
		case twocheckout.StatusInvalid, twocheckout.StatusSuspect, twocheckout.StatusCanceled:
			event.Type = events.TypeFailSubscriptionPayment
		case twocheckout.StatusRefund, twocheckout.StatusReversed:
			event.Type = events.TypeRefundPayment
		default:
			return events.PaymentEvent{}, false
		}
		return event, true
	}

	switch status {
	case twocheckout.StatusComplete:
		event.Type = events.TypeCompletePayment
	case twocheckout.StatusInvalid, twocheckout.StatusSuspect:
		event.Type = events.TypeFailPayment
	case twocheckout.StatusCanceled:
		event.Type = events.TypeVoidAuthorization
	case twocheckout.StatusRefund, twocheckout.StatusReversed:
		event.Type = events.TypeRefundPayment
	default:
		return events.PaymentEvent{}, false
	}
	return event, true
}

// receipt builds the signed acknowledgment the processor expects: an HMAC
// over product id, product name and the notification date (twice, a wire
// quirk the processor checks for), in the same length-prefixed canonical
// form as the inbound signature. Receipts are always signed with sha3-256,
// whatever digest the inbound payload carried.
func (r *Reconciler) receipt(fields []signature.Field) string {
	date := signature.Value(fields, FieldDate)
	hash := signature.ComputeValues(r.SecretKey, signature.AlgorithmSHA3256,
		signature.Value(fields, FieldProductID),
		signature.Value(fields, FieldProductName),
		date,
		date)
	return fmt.Sprintf("<sig algo=\"%s\" date=\"%s\">%s</sig>\n", signature.AlgorithmSHA3256, date, hash)
}

func (r *Reconciler) count(status, outcome string) {
	if r.Metrics != nil {
		r.Metrics.IPNTotal.WithLabelValues(status, outcome).Inc()
	}
}

func amount(fields []signature.Field) float64 {
	raw := signature.Value(fields, FieldTotalGeneral)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}
