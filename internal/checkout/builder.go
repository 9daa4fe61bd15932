// Package checkout turns a validated form submission into a 2Checkout order.
package checkout

import (
	"time"

	"github.com/formbridge/twocheckout-gateway/internal/forms"
	"github.com/formbridge/twocheckout-gateway/internal/twocheckout"
)

// PaymentOptions carries the per-attempt payment parameters that are not part
// of the submission itself.
type PaymentOptions struct {
	// ReturnURL and CancelURL are where the issuer sends the browser after a
	// 3-D Secure challenge.
	ReturnURL string
	CancelURL string
	// Sandbox switches the payment type to the gateway's TEST mode.
	Sandbox bool
}

// Builder assembles orders in the placeOrder wire format. Orders are built
// fresh per transaction attempt and never persisted.
type Builder struct {
	Sandbox bool

	// Now is overridable in tests; defaults to time.Now.
	Now func() time.Time
}

// Build produces the order for a submission. Callers must run
// ValidateSubmission first; Build assumes its inputs are well formed.
func (b Builder) Build(sub forms.SubmissionData, form forms.Form, feed forms.Feed, opts PaymentOptions) twocheckout.Order {
	order := twocheckout.Order{
		Currency:  form.Currency,
		LocalTime: b.now().UTC().Format("2006-01-02 15:04:05"),
	}

	if feed.IsSubscription() {
		order.Items = b.subscriptionItems(sub, feed)
	} else {
		order.Items = b.productItems(sub)
	}

	order.BillingDetails = billingDetails(sub, feed)
	// The gateway requires delivery details; a separate shipping address is
	// not supported, so delivery mirrors billing.
	order.DeliveryDetails = order.BillingDetails

	order.PaymentDetails = twocheckout.PaymentDetails{
		Type:     paymentType(b.Sandbox || opts.Sandbox),
		Currency: form.Currency,
		PaymentMethod: twocheckout.PaymentMethod{
			EesToken:           sub.CardToken,
			Vendor3DSReturnURL: opts.ReturnURL,
			Vendor3DSCancelURL: opts.CancelURL,
			RecurringEnabled:   feed.IsSubscription(),
		},
	}
	return order
}

// productItems emits one PRODUCT item per line item and one COUPON item per
// discount, with the discount amount negated.
func (b Builder) productItems(sub forms.SubmissionData) []twocheckout.Item {
	items := make([]twocheckout.Item, 0, len(sub.LineItems)+len(sub.Discounts))
	for _, line := range sub.LineItems {
		items = append(items, twocheckout.Item{
			Name:         line.Name,
			Description:  line.Description,
			Quantity:     line.Quantity,
			PurchaseType: twocheckout.PurchaseTypeProduct,
			IsDynamic:    true,
			Price:        twocheckout.CustomPrice(line.UnitPrice),
		})
	}
	for _, discount := range sub.Discounts {
		items = append(items, twocheckout.Item{
			Name:         discount.Name,
			Quantity:     discount.Quantity,
			PurchaseType: twocheckout.PurchaseTypeCoupon,
			IsDynamic:    true,
			Price:        twocheckout.CustomPrice(-discount.UnitPrice),
		})
	}
	return items
}

// subscriptionItems emits exactly one recurring plan item, plus an optional
// setup-fee line. A configured recurring-times limit bounds the contract;
// otherwise the contract is open-ended.
func (b Builder) subscriptionItems(sub forms.SubmissionData, feed forms.Feed) []twocheckout.Item {
	recurring := &twocheckout.RecurringOptions{
		CycleLength: feed.BillingCycleLength,
		CycleUnit:   cycleUnit(feed.BillingCycleUnit),
		CycleAmount: sub.PaymentAmount,
	}
	if feed.RecurringTimes > 0 {
		recurring.ContractLength = feed.RecurringTimes
		recurring.ContractUnit = cycleUnit(feed.BillingCycleUnit)
	} else {
		recurring.ContractLength = 1
		recurring.ContractUnit = twocheckout.ContractUnitForever
	}

	items := []twocheckout.Item{{
		Name:             feed.PlanName(),
		Quantity:         1,
		PurchaseType:     twocheckout.PurchaseTypeProduct,
		IsDynamic:        true,
		Price:            twocheckout.CustomPrice(sub.PaymentAmount),
		RecurringOptions: recurring,
	}}

	if feed.SetupFeeEnabled {
		// The gateway only accepts flat extra charges as TAX-typed lines.
		items = append(items, twocheckout.Item{
			Name:         "Setup fee",
			Quantity:     1,
			PurchaseType: twocheckout.PurchaseTypeTax,
			IsDynamic:    true,
			Price:        twocheckout.CustomPrice(sub.SetupFee),
		})
	}
	return items
}

func billingDetails(sub forms.SubmissionData, feed forms.Feed) twocheckout.BillingDetails {
	first, last, _ := sub.CardholderNames()
	return twocheckout.BillingDetails{
		Address1:    sub.BillingValue(feed, "address"),
		Address2:    sub.BillingValue(feed, "address2"),
		City:        sub.BillingValue(feed, "city"),
		State:       sub.BillingValue(feed, "state"),
		CountryCode: CountryCode(sub.BillingValue(feed, "country")),
		Phone:       sub.BillingValue(feed, "phone"),
		Email:       sub.BillingValue(feed, "email"),
		FirstName:   first,
		LastName:    last,
		Zip:         sub.BillingValue(feed, "zip"),
	}
}

func paymentType(sandbox bool) string {
	if sandbox {
		return "TEST"
	}
	return "EES_TOKEN_PAYMENT"
}

func cycleUnit(unit string) string {
	switch unit {
	case "day", "Day", "DAY":
		return "Day"
	case "week", "Week", "WEEK":
		return "Week"
	case "year", "Year", "YEAR":
		return "Year"
	default:
		return "Month"
	}
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}
