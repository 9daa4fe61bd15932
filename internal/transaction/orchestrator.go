// Package transaction owns the order/payment lifecycle of an entry:
// authorize, capture, optional 3-D Secure step-up, resume and the status
// transitions driven by reconciled notifications.
package transaction

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/formbridge/twocheckout-gateway/internal/checkout"
	"github.com/formbridge/twocheckout-gateway/internal/common"
	"github.com/formbridge/twocheckout-gateway/internal/events"
	"github.com/formbridge/twocheckout-gateway/internal/forms"
	"github.com/formbridge/twocheckout-gateway/internal/obs"
	"github.com/formbridge/twocheckout-gateway/internal/twocheckout"
)

// NonceParam is the query parameter carrying the 3DS success nonce on the
// return redirect.
const NonceParam = "gf_2checkout_3ds_success"

// PaymentMethodName is recorded on entries paid through this gateway.
const PaymentMethodName = "2Checkout"

// Gateway is the slice of the 2Checkout client the orchestrator needs.
type Gateway interface {
	PlaceOrder(ctx context.Context, order twocheckout.Order) (*twocheckout.OrderResult, error)
	GetOrder(ctx context.Context, refNo string) (*twocheckout.OrderResult, error)
}

// AuthorizationResult is the outcome of Authorize. Errors never escape as
// panics or raw errors past this boundary; they land in ErrorMessage.
type AuthorizationResult struct {
	Authorized     bool
	TransactionID  string
	PaymentDetails *twocheckout.ResultPaymentDetails
	ErrorMessage   string
	// Field names the submission field a validation failure belongs to.
	Field string
}

// CaptureResult maps the fetched order status onto an outcome. Deferred means
// the processor has not settled yet and the entry stays pending.
type CaptureResult struct {
	Success       bool
	Deferred      bool
	TransactionID string
	Amount        float64
	PaymentMethod string
	ErrorMessage  string
}

// SubscriptionResult is the outcome of Subscribe.
type SubscriptionResult struct {
	Success        bool
	SubscriptionID string
	Amount         float64
	PaymentMethod  string
	PaymentDetails *twocheckout.ResultPaymentDetails
	OrderDetails   *twocheckout.OrderResult
	ErrorMessage   string
}

// Completion is the result of finishing a pending authorization. A non-empty
// RedirectURL means the caller must send the browser to the 3DS challenge and
// stop normal flow; the core never issues the redirect itself.
type Completion struct {
	RedirectURL   string
	TransactionID string
	Amount        float64
}

// RedirectRequired reports whether the completion demands a browser redirect.
func (c Completion) RedirectRequired() bool { return c.RedirectURL != "" }

// Outcome is the submission-level result handed back to the HTTP layer.
type Outcome struct {
	EntryID       string
	Status        forms.PaymentStatus
	TransactionID string
	Amount        float64
	RedirectURL   string
	ErrorMessage  string
	Field         string
}

// Orchestrator drives the payment lifecycle. It is constructed per process
// with its collaborators injected; it holds no cross-request state.
type Orchestrator struct {
	Gateway Gateway
	Entries forms.EntryStore
	Builder checkout.Builder
	Bus     *events.Bus
	Logger  zerolog.Logger
	Metrics *obs.PaymentMetrics

	// ReturnURL is the base URL of the 3DS resume endpoint; the success
	// nonce is appended as a query parameter. CancelURL is passed through
	// to the gateway untouched.
	ReturnURL string
	CancelURL string
	NonceSalt string
	Sandbox   bool
}

// ProcessSubmission runs the full synchronous flow for one submission:
// authorize and capture for products, subscribe and process for
// subscriptions.
func (o *Orchestrator) ProcessSubmission(ctx context.Context, form forms.Form, feed forms.Feed, entry *forms.Entry, sub forms.SubmissionData) Outcome {
	ctx, span := otel.Tracer("transaction.Orchestrator").Start(ctx, "ProcessSubmission")
	defer span.End()
	span.SetAttributes(
		attribute.String("entry.id", entry.ID),
		attribute.String("feed.transaction_type", feed.TransactionType),
	)

	nonce := mintNonce()
	opts := checkout.PaymentOptions{
		ReturnURL: o.returnURLWithNonce(nonce),
		CancelURL: o.CancelURL,
		Sandbox:   o.Sandbox,
	}

	if feed.IsSubscription() {
		return o.processSubscriptionSubmission(ctx, form, feed, entry, sub, opts, nonce)
	}
	return o.processProductSubmission(ctx, form, feed, entry, sub, opts, nonce)
}

func (o *Orchestrator) processProductSubmission(ctx context.Context, form forms.Form, feed forms.Feed, entry *forms.Entry, sub forms.SubmissionData, opts checkout.PaymentOptions, nonce string) Outcome {
	auth := o.Authorize(ctx, form, feed, entry, sub, opts)
	if !auth.Authorized {
		o.count("authorize_failed")
		return Outcome{EntryID: entry.ID, Status: forms.StatusFailed, ErrorMessage: auth.ErrorMessage, Field: auth.Field}
	}

	capture := o.Capture(ctx, auth, entry)
	switch {
	case capture.Deferred:
		completion, err := o.CompleteAuthorization(ctx, entry, nonce)
		if err != nil {
			o.Logger.Error().Err(err).Str("entry_id", entry.ID).Msg("complete authorization")
			return Outcome{EntryID: entry.ID, Status: forms.StatusFailed, ErrorMessage: "Unable to complete the authorization."}
		}
		o.count("pending")
		return Outcome{
			EntryID:       entry.ID,
			Status:        forms.StatusPending,
			TransactionID: completion.TransactionID,
			Amount:        completion.Amount,
			RedirectURL:   completion.RedirectURL,
		}
	case capture.Success:
		if err := o.Apply(ctx, events.PaymentEvent{
			Type:          events.TypeCompletePayment,
			EntryID:       entry.ID,
			TransactionID: capture.TransactionID,
			Amount:        capture.Amount,
		}); err != nil {
			o.Logger.Error().Err(err).Str("entry_id", entry.ID).Msg("apply payment completion")
		}
		o.count("paid")
		return Outcome{EntryID: entry.ID, Status: forms.StatusPaid, TransactionID: capture.TransactionID, Amount: capture.Amount}
	default:
		if err := o.Apply(ctx, events.PaymentEvent{
			Type:          events.TypeFailPayment,
			EntryID:       entry.ID,
			TransactionID: capture.TransactionID,
		}); err != nil {
			o.Logger.Error().Err(err).Str("entry_id", entry.ID).Msg("apply payment failure")
		}
		o.count("failed")
		return Outcome{EntryID: entry.ID, Status: forms.StatusFailed, ErrorMessage: capture.ErrorMessage}
	}
}

func (o *Orchestrator) processSubscriptionSubmission(ctx context.Context, form forms.Form, feed forms.Feed, entry *forms.Entry, sub forms.SubmissionData, opts checkout.PaymentOptions, nonce string) Outcome {
	auth := o.Subscribe(ctx, form, feed, entry, sub, opts)
	if !auth.Success {
		o.count("subscribe_failed")
		return Outcome{EntryID: entry.ID, Status: forms.StatusFailed, ErrorMessage: auth.ErrorMessage}
	}

	completion, err := o.ProcessSubscription(ctx, auth, entry, nonce)
	if err != nil {
		o.count("subscribe_failed")
		return Outcome{EntryID: entry.ID, Status: forms.StatusFailed, ErrorMessage: err.Error()}
	}
	if completion.RedirectRequired() {
		o.count("pending")
		return Outcome{
			EntryID:       entry.ID,
			Status:        forms.StatusPending,
			TransactionID: completion.TransactionID,
			Amount:        completion.Amount,
			RedirectURL:   completion.RedirectURL,
		}
	}
	o.count("subscribed")
	return Outcome{EntryID: entry.ID, Status: forms.StatusActive, TransactionID: completion.TransactionID, Amount: completion.Amount}
}

// Authorize validates the submission, builds the order and places it with the
// gateway. All failures come back as authorization-error results.
func (o *Orchestrator) Authorize(ctx context.Context, form forms.Form, feed forms.Feed, entry *forms.Entry, sub forms.SubmissionData, opts checkout.PaymentOptions) AuthorizationResult {
	if verr := checkout.ValidateSubmission(sub, feed); verr != nil {
		return AuthorizationResult{ErrorMessage: verr.Message, Field: verr.Field}
	}

	order := o.Builder.Build(sub, form, feed, opts)
	if verr := checkout.ValidateOrder(order, feed); verr != nil {
		return AuthorizationResult{ErrorMessage: verr.Message, Field: verr.Field}
	}

	result, err := o.Gateway.PlaceOrder(ctx, order)
	if err != nil {
		o.Logger.Error().Err(err).Str("entry_id", entry.ID).Msg("place order")
		return AuthorizationResult{ErrorMessage: err.Error()}
	}
	if msg, bad := result.FirstError(); bad {
		o.Logger.Error().Str("entry_id", entry.ID).Str("order_error", msg).Msg("order created with an error")
		return AuthorizationResult{ErrorMessage: msg}
	}

	return AuthorizationResult{
		Authorized:     true,
		TransactionID:  result.RefNo,
		PaymentDetails: &result.PaymentDetails,
	}
}

// Capture fetches the placed order and maps its status to an outcome. The
// fetched OrderResult is persisted into entry metadata before branching so a
// later resume or notification can reconstruct the state.
func (o *Orchestrator) Capture(ctx context.Context, auth AuthorizationResult, entry *forms.Entry) CaptureResult {
	if !auth.Authorized || auth.TransactionID == "" {
		return CaptureResult{ErrorMessage: auth.ErrorMessage}
	}

	details, err := o.Gateway.GetOrder(ctx, auth.TransactionID)
	if err != nil {
		o.Logger.Error().Err(err).Str("refno", auth.TransactionID).Msg("could not retrieve order")
		return CaptureResult{ErrorMessage: err.Error()}
	}

	if err := o.persistOrderState(ctx, entry.ID, details, auth.PaymentDetails, forms.OrderTypeProduct); err != nil {
		o.Logger.Error().Err(err).Str("entry_id", entry.ID).Msg("persist order state")
		return CaptureResult{ErrorMessage: "Unable to record the order."}
	}

	switch details.Status {
	case twocheckout.StatusAuthReceived, twocheckout.StatusPending:
		return CaptureResult{Deferred: true, TransactionID: auth.TransactionID}
	case twocheckout.StatusComplete:
		return CaptureResult{
			Success:       true,
			TransactionID: auth.TransactionID,
			Amount:        details.NetPrice.Float64(),
			PaymentMethod: details.PaymentDetails.Type,
		}
	case twocheckout.StatusCanceled, twocheckout.StatusInvalid, twocheckout.StatusSuspect,
		twocheckout.StatusRefund, twocheckout.StatusReversed:
		return CaptureResult{TransactionID: auth.TransactionID, ErrorMessage: "Order was cancelled"}
	default:
		o.Logger.Warn().Str("status", string(details.Status)).Str("refno", auth.TransactionID).Msg("unrecognized order status")
		return CaptureResult{TransactionID: auth.TransactionID, ErrorMessage: "Order was cancelled"}
	}
}

// CompleteAuthorization finishes a deferred order: copies the card descriptor
// onto the entry, marks it pending and, when the stored order demands a 3DS
// challenge, stores the nonce hash and asks the caller to redirect.
func (o *Orchestrator) CompleteAuthorization(ctx context.Context, entry *forms.Entry, nonce string) (Completion, error) {
	details, err := forms.GetOrderDetails(ctx, o.Entries, entry.ID)
	if err != nil {
		return Completion{}, err
	}
	if details == nil {
		return Completion{}, fmt.Errorf("entry %s has no stored order details", entry.ID)
	}

	if err := o.markPending(ctx, entry, details); err != nil {
		return Completion{}, err
	}

	completion := Completion{TransactionID: details.RefNo, Amount: details.NetPrice.Float64()}
	redirect, err := o.maybeThreeDSRedirect(ctx, entry.ID, nonce)
	if err != nil {
		return Completion{}, err
	}
	completion.RedirectURL = redirect
	return completion, nil
}

// Subscribe places a recurring order with the gateway.
func (o *Orchestrator) Subscribe(ctx context.Context, form forms.Form, feed forms.Feed, entry *forms.Entry, sub forms.SubmissionData, opts checkout.PaymentOptions) SubscriptionResult {
	if verr := checkout.ValidateSubmission(sub, feed); verr != nil {
		return SubscriptionResult{ErrorMessage: verr.Message}
	}

	order := o.Builder.Build(sub, form, feed, opts)
	if verr := checkout.ValidateOrder(order, feed); verr != nil {
		return SubscriptionResult{ErrorMessage: verr.Message}
	}

	result, err := o.Gateway.PlaceOrder(ctx, order)
	if err != nil {
		o.Logger.Error().Err(err).Str("entry_id", entry.ID).Msg("place subscription order")
		return SubscriptionResult{ErrorMessage: err.Error()}
	}
	if msg, bad := result.FirstError(); bad {
		o.Logger.Error().Str("entry_id", entry.ID).Str("order_error", msg).Msg("subscription order created with an error")
		return SubscriptionResult{ErrorMessage: msg}
	}

	return SubscriptionResult{
		Success:        true,
		SubscriptionID: result.RefNo,
		Amount:         sub.PaymentAmount,
		PaymentMethod:  result.PaymentDetails.Type,
		PaymentDetails: &result.PaymentDetails,
		OrderDetails:   result,
	}
}

// ProcessSubscription completes a successful Subscribe. The entry is tagged
// as a subscription before anything else: the processor reports subscription
// events uniformly, and the reconciler routes notifications by this tag.
func (o *Orchestrator) ProcessSubscription(ctx context.Context, auth SubscriptionResult, entry *forms.Entry, nonce string) (Completion, error) {
	if err := o.Entries.SetMeta(ctx, entry.ID, forms.MetaOrderType, forms.OrderTypeSubscription); err != nil {
		return Completion{}, err
	}

	details, err := o.Gateway.GetOrder(ctx, auth.SubscriptionID)
	if err != nil {
		o.Logger.Error().Err(err).Str("refno", auth.SubscriptionID).Msg("could not retrieve subscription order")
		return Completion{}, fmt.Errorf("could not retrieve subscription from 2Checkout")
	}

	if err := o.persistOrderState(ctx, entry.ID, details, auth.PaymentDetails, forms.OrderTypeSubscription); err != nil {
		return Completion{}, err
	}
	if err := o.markPending(ctx, entry, details); err != nil {
		return Completion{}, err
	}

	redirect, err := o.maybeThreeDSRedirect(ctx, entry.ID, nonce)
	if err != nil {
		return Completion{}, err
	}
	if redirect != "" {
		return Completion{RedirectURL: redirect, TransactionID: details.RefNo, Amount: details.NetPrice.Float64()}, nil
	}

	if err := o.Apply(ctx, events.PaymentEvent{
		Type:           events.TypeCreateSubscription,
		EntryID:        entry.ID,
		TransactionID:  details.RefNo,
		SubscriptionID: details.RefNo,
		Amount:         auth.Amount,
	}); err != nil {
		o.Logger.Error().Err(err).Str("entry_id", entry.ID).Msg("apply subscription creation")
	}
	return Completion{TransactionID: details.RefNo, Amount: auth.Amount}, nil
}

// ResumeThreeDS handles the browser returning from the step-up challenge.
// The entry is located by the salted nonce hash; an entry no longer pending
// was already finalized by the notification path and is left untouched.
func (o *Orchestrator) ResumeThreeDS(ctx context.Context, nonce string) (*forms.Entry, error) {
	if strings.TrimSpace(nonce) == "" {
		return nil, forms.ErrEntryNotFound
	}
	entry, err := o.Entries.FindByMeta(ctx, forms.MetaThreeDSNonce, common.SaltedHash(o.NonceSalt, nonce))
	if err != nil {
		return nil, err
	}

	if entry.PaymentStatus != forms.StatusPending {
		// The IPN won the race; completing again would double-process.
		o.Logger.Debug().Str("entry_id", entry.ID).Str("status", string(entry.PaymentStatus)).Msg("3DS resume on finalized entry, skipping")
		return entry, nil
	}

	details, err := forms.GetOrderDetails(ctx, o.Entries, entry.ID)
	if err != nil {
		return nil, err
	}
	if details == nil {
		return nil, fmt.Errorf("entry %s has no stored order details", entry.ID)
	}

	orderType, _, err := o.Entries.GetMeta(ctx, entry.ID, forms.MetaOrderType)
	if err != nil {
		return nil, err
	}
	if orderType == forms.OrderTypeSubscription {
		if err := o.Apply(ctx, events.PaymentEvent{
			Type:           events.TypeCreateSubscription,
			EntryID:        entry.ID,
			TransactionID:  details.RefNo,
			SubscriptionID: details.RefNo,
			Amount:         details.NetPrice.Float64(),
		}); err != nil {
			return nil, err
		}
	}
	// Product entries stay pending until the COMPLETE notification lands;
	// the successful challenge only finishes the authorization.
	return o.Entries.Get(ctx, entry.ID)
}

// CancelThreeDS handles the browser returning from an abandoned challenge.
// No transition happens: the authorization may still settle or expire on the
// processor side, so the entry is only located and reported in its current
// state.
func (o *Orchestrator) CancelThreeDS(ctx context.Context, nonce string) (*forms.Entry, error) {
	if strings.TrimSpace(nonce) == "" {
		return nil, forms.ErrEntryNotFound
	}
	entry, err := o.Entries.FindByMeta(ctx, forms.MetaThreeDSNonce, common.SaltedHash(o.NonceSalt, nonce))
	if err != nil {
		return nil, err
	}
	o.Logger.Debug().Str("entry_id", entry.ID).Str("status", string(entry.PaymentStatus)).Msg("3DS challenge abandoned")
	return entry, nil
}

// Apply performs the entry status transition for a payment event and then
// fans the event out. The orchestrator is the only writer of payment_status;
// the reconciler delegates here.
func (o *Orchestrator) Apply(ctx context.Context, event events.PaymentEvent) error {
	entry, err := o.Entries.Get(ctx, event.EntryID)
	if err != nil {
		return err
	}

	switch event.Type {
	case events.TypeCompletePayment:
		if entry.PaymentStatus == forms.StatusPaid {
			return nil
		}
		entry.PaymentStatus = forms.StatusPaid
		entry.PaymentAmount = event.Amount
	case events.TypeCreateSubscription:
		if entry.PaymentStatus == forms.StatusActive {
			return nil
		}
		entry.PaymentStatus = forms.StatusActive
		entry.PaymentAmount = event.Amount
	case events.TypeAddSubscriptionPayment:
		entry.PaymentStatus = forms.StatusActive
		entry.PaymentAmount = event.Amount
	case events.TypeFailPayment, events.TypeFailSubscriptionPayment:
		entry.PaymentStatus = forms.StatusFailed
	case events.TypeRefundPayment:
		entry.PaymentStatus = forms.StatusRefunded
	case events.TypeVoidAuthorization:
		entry.PaymentStatus = forms.StatusVoided
	default:
		o.Logger.Warn().Str("type", string(event.Type)).Msg("unrecognized payment event type")
		return nil
	}

	if event.TransactionID != "" {
		entry.TransactionID = event.TransactionID
	}
	entry.PaymentMethod = PaymentMethodName
	if err := o.Entries.Update(ctx, entry); err != nil {
		return err
	}

	if o.Bus != nil {
		return o.Bus.Dispatch(ctx, event)
	}
	return nil
}

// persistOrderState stores the fetched order, the payment descriptor and the
// order type into entry metadata.
func (o *Orchestrator) persistOrderState(ctx context.Context, entryID string, details *twocheckout.OrderResult, payment *twocheckout.ResultPaymentDetails, orderType string) error {
	if err := forms.SetMetaJSON(ctx, o.Entries, entryID, forms.MetaOrderDetails, details); err != nil {
		return err
	}
	if payment != nil {
		if err := forms.SetMetaJSON(ctx, o.Entries, entryID, forms.MetaPaymentDetails, payment); err != nil {
			return err
		}
	}
	return o.Entries.SetMeta(ctx, entryID, forms.MetaOrderType, orderType)
}

// markPending copies the card descriptor onto the entry and parks it in
// Pending until settlement.
func (o *Orchestrator) markPending(ctx context.Context, entry *forms.Entry, details *twocheckout.OrderResult) error {
	method := details.PaymentDetails.PaymentMethod
	if method.LastDigits != "" {
		entry.CardNumberMasked = "XXXX XXXXX XXXXX " + method.LastDigits
	}
	entry.CardType = method.CardType
	entry.PaymentStatus = forms.StatusPending
	entry.PaymentMethod = PaymentMethodName
	entry.TransactionID = details.RefNo
	return o.Entries.Update(ctx, entry)
}

// maybeThreeDSRedirect returns the challenge URL when the stored payment
// descriptor carries one, persisting the salted nonce hash first so the
// return redirect can be matched to this entry.
func (o *Orchestrator) maybeThreeDSRedirect(ctx context.Context, entryID, nonce string) (string, error) {
	payment, err := forms.GetPaymentDetails(ctx, o.Entries, entryID)
	if err != nil {
		return "", err
	}
	if payment == nil || payment.PaymentMethod.Authorize3DS == nil {
		return "", nil
	}
	redirect := payment.PaymentMethod.Authorize3DS.RedirectURL()
	if redirect == "" {
		return "", nil
	}
	if err := o.Entries.SetMeta(ctx, entryID, forms.MetaThreeDSNonce, common.SaltedHash(o.NonceSalt, nonce)); err != nil {
		return "", err
	}
	o.Logger.Debug().Str("entry_id", entryID).Msg("3DS step-up required")
	return redirect, nil
}

func (o *Orchestrator) returnURLWithNonce(nonce string) string {
	base := strings.TrimSpace(o.ReturnURL)
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + NonceParam + "=" + url.QueryEscape(nonce)
}

func (o *Orchestrator) count(result string) {
	if o.Metrics != nil {
		o.Metrics.SubmissionsTotal.WithLabelValues(result).Inc()
	}
}

// mintNonce produces the one-time 3DS success token. Only its salted hash is
// ever persisted.
func mintNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
