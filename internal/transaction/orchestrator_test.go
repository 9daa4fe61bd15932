package transaction_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/formbridge/twocheckout-gateway/internal/checkout"
	"github.com/formbridge/twocheckout-gateway/internal/common"
	"github.com/formbridge/twocheckout-gateway/internal/events"
	"github.com/formbridge/twocheckout-gateway/internal/forms"
	"github.com/formbridge/twocheckout-gateway/internal/transaction"
	"github.com/formbridge/twocheckout-gateway/internal/twocheckout"
)

type fakeGateway struct {
	placed      []twocheckout.Order
	placeResult *twocheckout.OrderResult
	placeErr    error
	getResult   *twocheckout.OrderResult
	getErr      error
}

func (f *fakeGateway) PlaceOrder(_ context.Context, order twocheckout.Order) (*twocheckout.OrderResult, error) {
	f.placed = append(f.placed, order)
	return f.placeResult, f.placeErr
}

func (f *fakeGateway) GetOrder(context.Context, string) (*twocheckout.OrderResult, error) {
	return f.getResult, f.getErr
}

type eventRecorder struct {
	events []events.PaymentEvent
}

func (r *eventRecorder) HandlePaymentEvent(_ context.Context, ev events.PaymentEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func testForm() forms.Form { return forms.Form{ID: "form-1", Currency: "USD"} }

func testFeed() forms.Feed {
	return forms.Feed{
		ID: "feed-1", FormID: "form-1", Name: "Store feed",
		TransactionType: forms.TransactionTypeProduct,
		BillingFields: map[string]string{
			"address": "f.address", "city": "f.city", "state": "f.state",
			"zip": "f.zip", "country": "f.country", "email": "f.email", "phone": "f.phone",
		},
	}
}

func testSubmission() forms.SubmissionData {
	return forms.SubmissionData{
		CardholderName: "Ada Lovelace",
		CardToken:      "ees-token",
		PaymentAmount:  50,
		LineItems:      []forms.LineItem{{Name: "Widget", Quantity: 1, UnitPrice: 50}},
		FieldValues: map[string]string{
			"f.address": "1 Main St", "f.city": "Austin", "f.state": "TX",
			"f.zip": "78701", "f.country": "US", "f.email": "ada@example.com",
			"f.phone": "+1 555 0100",
		},
	}
}

func newOrchestrator(gw *fakeGateway, store *forms.MemoryStore, rec *eventRecorder) *transaction.Orchestrator {
	return &transaction.Orchestrator{
		Gateway: gw,
		Entries: store,
		Builder: checkout.Builder{Now: func() time.Time {
			return time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)
		}},
		Bus:       &events.Bus{Logger: zerolog.Nop(), Handlers: []events.Handler{rec}},
		Logger:    zerolog.Nop(),
		ReturnURL: "https://pay.example/api/v1/3dsecure/return",
		CancelURL: "https://pay.example/api/v1/3dsecure/cancel",
		NonceSalt: "salt",
	}
}

func completeOrder(refNo string) *twocheckout.OrderResult {
	return &twocheckout.OrderResult{
		RefNo:    refNo,
		Status:   twocheckout.StatusComplete,
		NetPrice: twocheckout.Amount(50),
		PaymentDetails: twocheckout.ResultPaymentDetails{
			Type: "EES_TOKEN_PAYMENT",
			PaymentMethod: twocheckout.ResultPaymentMethod{
				LastDigits: "1111",
				CardType:   "visa",
			},
		},
	}
}

func TestProcessSubmissionProductPaid(t *testing.T) {
	store := forms.NewMemoryStore()
	store.Put(forms.Entry{ID: "entry-1", FormID: "form-1"})
	gw := &fakeGateway{
		placeResult: completeOrder("REF-1"),
		getResult:   completeOrder("REF-1"),
	}
	rec := &eventRecorder{}
	orc := newOrchestrator(gw, store, rec)

	entry, _ := store.Get(context.Background(), "entry-1")
	outcome := orc.ProcessSubmission(context.Background(), testForm(), testFeed(), entry, testSubmission())

	require.Equal(t, forms.StatusPaid, outcome.Status)
	require.Equal(t, "REF-1", outcome.TransactionID)
	require.Equal(t, 50.0, outcome.Amount)
	require.Empty(t, outcome.RedirectURL)

	updated, err := store.Get(context.Background(), "entry-1")
	require.NoError(t, err)
	require.Equal(t, forms.StatusPaid, updated.PaymentStatus)
	require.Equal(t, "REF-1", updated.TransactionID)
	require.Equal(t, transaction.PaymentMethodName, updated.PaymentMethod)

	details, err := forms.GetOrderDetails(context.Background(), store, "entry-1")
	require.NoError(t, err)
	require.Equal(t, twocheckout.StatusComplete, details.Status)

	orderType, ok, err := store.GetMeta(context.Background(), "entry-1", forms.MetaOrderType)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, forms.OrderTypeProduct, orderType)

	require.Len(t, rec.events, 1)
	require.Equal(t, events.TypeCompletePayment, rec.events[0].Type)
}

func TestProcessSubmissionProductDeclined(t *testing.T) {
	declined := completeOrder("REF-2")
	declined.Status = twocheckout.StatusCanceled
	store := forms.NewMemoryStore()
	store.Put(forms.Entry{ID: "entry-2", FormID: "form-1"})
	gw := &fakeGateway{placeResult: completeOrder("REF-2"), getResult: declined}
	rec := &eventRecorder{}
	orc := newOrchestrator(gw, store, rec)

	entry, _ := store.Get(context.Background(), "entry-2")
	outcome := orc.ProcessSubmission(context.Background(), testForm(), testFeed(), entry, testSubmission())

	require.Equal(t, forms.StatusFailed, outcome.Status)
	require.Equal(t, "Order was cancelled", outcome.ErrorMessage)
	require.Len(t, rec.events, 1)
	require.Equal(t, events.TypeFailPayment, rec.events[0].Type)
}

func TestProcessSubmissionValidationFailure(t *testing.T) {
	store := forms.NewMemoryStore()
	store.Put(forms.Entry{ID: "entry-3", FormID: "form-1"})
	gw := &fakeGateway{}
	orc := newOrchestrator(gw, store, &eventRecorder{})

	sub := testSubmission()
	sub.CardToken = ""
	entry, _ := store.Get(context.Background(), "entry-3")
	outcome := orc.ProcessSubmission(context.Background(), testForm(), testFeed(), entry, sub)

	require.Equal(t, forms.StatusFailed, outcome.Status)
	require.Equal(t, "card", outcome.Field)
	require.Empty(t, gw.placed)
}

func deferredThreeDSOrder(refNo string) *twocheckout.OrderResult {
	order := completeOrder(refNo)
	order.Status = twocheckout.StatusAuthReceived
	order.PaymentDetails.PaymentMethod.Authorize3DS = &twocheckout.Authorize3DS{
		Href:   "https://secure.2checkout.com/3ds",
		Params: map[string]string{"avng8apitoken": "tok"},
	}
	return order
}

func nonceFromPlacedOrder(t *testing.T, order twocheckout.Order) string {
	t.Helper()
	u, err := url.Parse(order.PaymentDetails.PaymentMethod.Vendor3DSReturnURL)
	require.NoError(t, err)
	nonce := u.Query().Get(transaction.NonceParam)
	require.NotEmpty(t, nonce)
	return nonce
}

func TestProcessSubmissionProductThreeDS(t *testing.T) {
	store := forms.NewMemoryStore()
	store.Put(forms.Entry{ID: "entry-4", FormID: "form-1"})
	gw := &fakeGateway{
		placeResult: deferredThreeDSOrder("REF-4"),
		getResult:   deferredThreeDSOrder("REF-4"),
	}
	rec := &eventRecorder{}
	orc := newOrchestrator(gw, store, rec)

	entry, _ := store.Get(context.Background(), "entry-4")
	outcome := orc.ProcessSubmission(context.Background(), testForm(), testFeed(), entry, testSubmission())

	require.Equal(t, forms.StatusPending, outcome.Status)
	require.Contains(t, outcome.RedirectURL, "https://secure.2checkout.com/3ds")
	require.Contains(t, outcome.RedirectURL, "avng8apitoken=tok")
	require.Empty(t, rec.events)

	updated, _ := store.Get(context.Background(), "entry-4")
	require.Equal(t, forms.StatusPending, updated.PaymentStatus)
	require.Equal(t, "XXXX XXXXX XXXXX 1111", updated.CardNumberMasked)
	require.Equal(t, "visa", updated.CardType)

	// The nonce travels to the gateway inside the return URL; only its
	// salted hash is stored.
	require.Len(t, gw.placed, 1)
	nonce := nonceFromPlacedOrder(t, gw.placed[0])
	stored, ok, err := store.GetMeta(context.Background(), "entry-4", forms.MetaThreeDSNonce)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, common.SaltedHash("salt", nonce), stored)
	require.NotEqual(t, nonce, stored)

	// A product entry stays pending after the challenge; settlement arrives
	// via notification.
	resumed, err := orc.ResumeThreeDS(context.Background(), nonce)
	require.NoError(t, err)
	require.Equal(t, "entry-4", resumed.ID)
	require.Equal(t, forms.StatusPending, resumed.PaymentStatus)
	require.Empty(t, rec.events)
}

func TestProcessSubmissionSubscription(t *testing.T) {
	feed := testFeed()
	feed.TransactionType = forms.TransactionTypeSubscription
	feed.SubscriptionName = "Gold plan"
	feed.BillingCycleLength = 1
	feed.BillingCycleUnit = "month"

	store := forms.NewMemoryStore()
	store.Put(forms.Entry{ID: "entry-5", FormID: "form-1"})
	gw := &fakeGateway{
		placeResult: completeOrder("SUB-5"),
		getResult:   completeOrder("SUB-5"),
	}
	rec := &eventRecorder{}
	orc := newOrchestrator(gw, store, rec)

	entry, _ := store.Get(context.Background(), "entry-5")
	outcome := orc.ProcessSubmission(context.Background(), testForm(), feed, entry, testSubmission())

	require.Equal(t, forms.StatusActive, outcome.Status)
	require.Equal(t, "SUB-5", outcome.TransactionID)

	orderType, ok, _ := store.GetMeta(context.Background(), "entry-5", forms.MetaOrderType)
	require.True(t, ok)
	require.Equal(t, forms.OrderTypeSubscription, orderType)

	require.Len(t, rec.events, 1)
	require.Equal(t, events.TypeCreateSubscription, rec.events[0].Type)
	require.Equal(t, "SUB-5", rec.events[0].SubscriptionID)
}

func TestResumeThreeDSSubscription(t *testing.T) {
	feed := testFeed()
	feed.TransactionType = forms.TransactionTypeSubscription
	feed.SubscriptionName = "Gold plan"
	feed.BillingCycleLength = 1
	feed.BillingCycleUnit = "month"

	store := forms.NewMemoryStore()
	store.Put(forms.Entry{ID: "entry-6", FormID: "form-1"})
	gw := &fakeGateway{
		placeResult: deferredThreeDSOrder("SUB-6"),
		getResult:   deferredThreeDSOrder("SUB-6"),
	}
	rec := &eventRecorder{}
	orc := newOrchestrator(gw, store, rec)

	entry, _ := store.Get(context.Background(), "entry-6")
	outcome := orc.ProcessSubmission(context.Background(), testForm(), feed, entry, testSubmission())
	require.Equal(t, forms.StatusPending, outcome.Status)
	require.NotEmpty(t, outcome.RedirectURL)
	require.Empty(t, rec.events)

	nonce := nonceFromPlacedOrder(t, gw.placed[0])
	resumed, err := orc.ResumeThreeDS(context.Background(), nonce)
	require.NoError(t, err)
	require.Equal(t, forms.StatusActive, resumed.PaymentStatus)
	require.Len(t, rec.events, 1)
	require.Equal(t, events.TypeCreateSubscription, rec.events[0].Type)

	// The challenge return is one-shot in effect: a finalized entry is not
	// touched again.
	again, err := orc.ResumeThreeDS(context.Background(), nonce)
	require.NoError(t, err)
	require.Equal(t, forms.StatusActive, again.PaymentStatus)
	require.Len(t, rec.events, 1)
}

func TestCancelThreeDSKeepsEntryPending(t *testing.T) {
	store := forms.NewMemoryStore()
	store.Put(forms.Entry{ID: "entry-9", FormID: "form-1"})
	gw := &fakeGateway{
		placeResult: deferredThreeDSOrder("REF-9"),
		getResult:   deferredThreeDSOrder("REF-9"),
	}
	rec := &eventRecorder{}
	orc := newOrchestrator(gw, store, rec)

	entry, _ := store.Get(context.Background(), "entry-9")
	outcome := orc.ProcessSubmission(context.Background(), testForm(), testFeed(), entry, testSubmission())
	require.Equal(t, forms.StatusPending, outcome.Status)

	// Abandoning the challenge transitions nothing; the authorization can
	// still settle or expire on the processor side.
	nonce := nonceFromPlacedOrder(t, gw.placed[0])
	abandoned, err := orc.CancelThreeDS(context.Background(), nonce)
	require.NoError(t, err)
	require.Equal(t, "entry-9", abandoned.ID)
	require.Equal(t, forms.StatusPending, abandoned.PaymentStatus)
	require.Empty(t, rec.events)

	_, err = orc.CancelThreeDS(context.Background(), "")
	require.ErrorIs(t, err, forms.ErrEntryNotFound)
}

func TestResumeThreeDSUnknownNonce(t *testing.T) {
	orc := newOrchestrator(&fakeGateway{}, forms.NewMemoryStore(), &eventRecorder{})
	_, err := orc.ResumeThreeDS(context.Background(), "bogus")
	require.ErrorIs(t, err, forms.ErrEntryNotFound)
}

func TestApplyCompletePaymentIsIdempotent(t *testing.T) {
	store := forms.NewMemoryStore()
	store.Put(forms.Entry{ID: "entry-7", FormID: "form-1", PaymentStatus: forms.StatusPending})
	rec := &eventRecorder{}
	orc := newOrchestrator(&fakeGateway{}, store, rec)

	event := events.PaymentEvent{
		Type:          events.TypeCompletePayment,
		EntryID:       "entry-7",
		TransactionID: "REF-7",
		Amount:        25,
	}
	require.NoError(t, orc.Apply(context.Background(), event))
	require.NoError(t, orc.Apply(context.Background(), event))

	updated, _ := store.Get(context.Background(), "entry-7")
	require.Equal(t, forms.StatusPaid, updated.PaymentStatus)
	require.Equal(t, 25.0, updated.PaymentAmount)
	require.Len(t, rec.events, 1)
}

func TestApplyRefund(t *testing.T) {
	store := forms.NewMemoryStore()
	store.Put(forms.Entry{ID: "entry-8", FormID: "form-1", PaymentStatus: forms.StatusPaid})
	rec := &eventRecorder{}
	orc := newOrchestrator(&fakeGateway{}, store, rec)

	require.NoError(t, orc.Apply(context.Background(), events.PaymentEvent{
		Type:    events.TypeRefundPayment,
		EntryID: "entry-8",
	}))
	updated, _ := store.Get(context.Background(), "entry-8")
	require.Equal(t, forms.StatusRefunded, updated.PaymentStatus)
	require.Len(t, rec.events, 1)
	require.Equal(t, events.TypeRefundPayment, rec.events[0].Type)
}
