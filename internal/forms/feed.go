package forms

import "strings"

// Transaction types a feed can be configured for.
const (
	TransactionTypeProduct      = "product"
	TransactionTypeSubscription = "subscription"
)

// Form is the minimal form descriptor the payment core needs.
type Form struct {
	ID       string
	Title    string
	Currency string
}

// Feed maps a form to its payment configuration.
type Feed struct {
	ID                 string
	FormID             string
	Name               string
	TransactionType    string
	SubscriptionName   string
	BillingCycleLength int
	BillingCycleUnit   string
	// RecurringTimes bounds the contract length; zero means open-ended.
	RecurringTimes  int
	SetupFeeEnabled bool
	// BillingFields maps logical billing keys (address, address2, city,
	// state, zip, country, email, phone) to form field ids.
	BillingFields map[string]string
}

// IsSubscription reports whether the feed charges on a recurring cycle.
func (f Feed) IsSubscription() bool {
	return f.TransactionType == TransactionTypeSubscription
}

// PlanName returns the subscription plan label, falling back to the feed name.
func (f Feed) PlanName() string {
	if strings.TrimSpace(f.SubscriptionName) != "" {
		return f.SubscriptionName
	}
	return f.Name
}

// LineItem is one purchasable line of a submission.
type LineItem struct {
	Name        string
	Description string
	Quantity    int
	UnitPrice   float64
}

// Discount is a negative line applied to a submission.
type Discount struct {
	Name      string
	Quantity  int
	UnitPrice float64
}

// SubmissionData is the customer and transaction data extracted from one
// form submission.
type SubmissionData struct {
	CardholderName string
	// CardToken is the EES token produced by the browser-side tokenizer.
	CardToken     string
	PaymentAmount float64
	SetupFee      float64
	LineItems     []LineItem
	Discounts     []Discount
	// FieldValues holds submitted values keyed by form field id; billing
	// values are resolved through the feed's field map.
	FieldValues map[string]string
}

// BillingValue resolves a logical billing key through the feed's field map.
func (s SubmissionData) BillingValue(feed Feed, key string) string {
	fieldID, ok := feed.BillingFields[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(s.FieldValues[fieldID])
}

// CardholderNames splits the cardholder name into first and last tokens.
// The remainder after the first token is the last name.
func (s SubmissionData) CardholderNames() (first, last string, ok bool) {
	parts := strings.Fields(s.CardholderName)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], strings.Join(parts[1:], " "), true
}
