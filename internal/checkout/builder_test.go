package checkout_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formbridge/twocheckout-gateway/internal/checkout"
	"github.com/formbridge/twocheckout-gateway/internal/forms"
	"github.com/formbridge/twocheckout-gateway/internal/twocheckout"
)

func productFeed() forms.Feed {
	return forms.Feed{
		ID:              "feed-1",
		FormID:          "form-1",
		Name:            "Store feed",
		TransactionType: forms.TransactionTypeProduct,
		BillingFields: map[string]string{
			"address": "f.address", "address2": "f.address2", "city": "f.city",
			"state": "f.state", "zip": "f.zip", "country": "f.country",
			"email": "f.email", "phone": "f.phone",
		},
	}
}

func subscriptionFeed() forms.Feed {
	feed := productFeed()
	feed.TransactionType = forms.TransactionTypeSubscription
	feed.SubscriptionName = "Gold plan"
	feed.BillingCycleLength = 1
	feed.BillingCycleUnit = "month"
	return feed
}

func validSubmission() forms.SubmissionData {
	return forms.SubmissionData{
		CardholderName: "Ada Lovelace",
		CardToken:      "ees-token",
		PaymentAmount:  50,
		LineItems:      []forms.LineItem{{Name: "Widget", Description: "A widget", Quantity: 2, UnitPrice: 25}},
		FieldValues: map[string]string{
			"f.address": "1 Main St", "f.city": "Austin", "f.state": "TX",
			"f.zip": "78701", "f.country": "US", "f.email": "ada@example.com",
			"f.phone": "+1 555 0100",
		},
	}
}

func newBuilder() checkout.Builder {
	return checkout.Builder{Now: func() time.Time {
		return time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)
	}}
}

func TestBuildProductOrder(t *testing.T) {
	sub := validSubmission()
	sub.Discounts = []forms.Discount{{Name: "SAVE5", Quantity: 1, UnitPrice: 5}}

	order := newBuilder().Build(sub, forms.Form{ID: "form-1", Currency: "USD"}, productFeed(), checkout.PaymentOptions{
		ReturnURL: "https://forms.example/return",
		CancelURL: "https://forms.example/cancel",
	})

	require.Equal(t, "USD", order.Currency)
	require.Equal(t, "2026-08-31 09:30:00", order.LocalTime)
	require.Len(t, order.Items, 2)

	require.Equal(t, twocheckout.PurchaseTypeProduct, order.Items[0].PurchaseType)
	require.Equal(t, 2, order.Items[0].Quantity)
	require.Equal(t, 25.0, order.Items[0].Price.Amount)

	require.Equal(t, twocheckout.PurchaseTypeCoupon, order.Items[1].PurchaseType)
	require.Equal(t, -5.0, order.Items[1].Price.Amount)

	_, hasPlan := order.SubscriptionPlan()
	require.False(t, hasPlan)
	require.NoError(t, errOrNil(checkout.ValidateOrder(order, productFeed())))

	require.Equal(t, order.BillingDetails, order.DeliveryDetails)
	require.Equal(t, "Ada", order.BillingDetails.FirstName)
	require.Equal(t, "Lovelace", order.BillingDetails.LastName)
	require.Equal(t, "US", order.BillingDetails.CountryCode)
	require.Equal(t, "EES_TOKEN_PAYMENT", order.PaymentDetails.Type)
	require.Equal(t, "ees-token", order.PaymentDetails.PaymentMethod.EesToken)
	require.False(t, order.PaymentDetails.PaymentMethod.RecurringEnabled)
}

func TestBuildSubscriptionOrder(t *testing.T) {
	feed := subscriptionFeed()
	feed.SetupFeeEnabled = true
	sub := validSubmission()
	sub.SetupFee = 10

	order := newBuilder().Build(sub, forms.Form{Currency: "USD"}, feed, checkout.PaymentOptions{})

	require.Len(t, order.Items, 2)
	plan, ok := order.SubscriptionPlan()
	require.True(t, ok)
	require.Equal(t, "Gold plan", plan.Name)
	require.Equal(t, 1, plan.RecurringOptions.CycleLength)
	require.Equal(t, "Month", plan.RecurringOptions.CycleUnit)
	require.Equal(t, 50.0, plan.RecurringOptions.CycleAmount)
	require.Equal(t, 1, plan.RecurringOptions.ContractLength)
	require.Equal(t, twocheckout.ContractUnitForever, plan.RecurringOptions.ContractUnit)

	require.Equal(t, twocheckout.PurchaseTypeTax, order.Items[1].PurchaseType)
	require.Equal(t, "Setup fee", order.Items[1].Name)
	require.Equal(t, 10.0, order.Items[1].Price.Amount)

	require.True(t, order.PaymentDetails.PaymentMethod.RecurringEnabled)
	require.NoError(t, errOrNil(checkout.ValidateOrder(order, feed)))
}

func TestBuildSubscriptionBoundedContract(t *testing.T) {
	feed := subscriptionFeed()
	feed.RecurringTimes = 12

	order := newBuilder().Build(validSubmission(), forms.Form{Currency: "USD"}, feed, checkout.PaymentOptions{})
	plan, ok := order.SubscriptionPlan()
	require.True(t, ok)
	require.Equal(t, 12, plan.RecurringOptions.ContractLength)
	require.Equal(t, "Month", plan.RecurringOptions.ContractUnit)
}

func TestValidateSubmissionRequiresFullName(t *testing.T) {
	sub := validSubmission()
	sub.CardholderName = "Prince"
	err := checkout.ValidateSubmission(sub, productFeed())
	require.NotNil(t, err)
	require.Equal(t, "card", err.Field)
}

func TestValidateSubmissionStateZipAllowList(t *testing.T) {
	// US requires state and zip.
	sub := validSubmission()
	sub.FieldValues["f.zip"] = ""
	err := checkout.ValidateSubmission(sub, productFeed())
	require.NotNil(t, err)
	require.Equal(t, "address", err.Field)

	// Germany does not; missing state and zip must not block on their own.
	sub = validSubmission()
	sub.FieldValues["f.country"] = "DE"
	sub.FieldValues["f.state"] = ""
	sub.FieldValues["f.zip"] = ""
	require.Nil(t, checkout.ValidateSubmission(sub, productFeed()))
}

func TestValidateSubmissionContactFields(t *testing.T) {
	sub := validSubmission()
	sub.FieldValues["f.email"] = "not-an-email"
	err := checkout.ValidateSubmission(sub, productFeed())
	require.NotNil(t, err)
	require.Equal(t, "email", err.Field)

	sub = validSubmission()
	sub.FieldValues["f.phone"] = ""
	err = checkout.ValidateSubmission(sub, productFeed())
	require.NotNil(t, err)
	require.Equal(t, "phone", err.Field)
}

func TestCountryCodeNormalization(t *testing.T) {
	require.Equal(t, "US", checkout.CountryCode("us"))
	require.Equal(t, "GB", checkout.CountryCode("United Kingdom"))
	require.Equal(t, "", checkout.CountryCode("Atlantis"))
}

func errOrNil(err *checkout.ValidationError) error {
	if err == nil {
		return nil
	}
	return err
}
