package checkout

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/formbridge/twocheckout-gateway/internal/forms"
	"github.com/formbridge/twocheckout-gateway/internal/twocheckout"
)

// ValidationError is a recoverable submission error surfaced to the submitter
// as a field-level message.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string { return e.Message }

// stateZipRequired lists the ISO country codes for which the gateway rejects
// orders without a state and zip code.
var stateZipRequired = map[string]struct{}{
	"AR": {}, "AU": {}, "BG": {}, "CA": {}, "CN": {}, "CY": {}, "EG": {},
	"ES": {}, "FR": {}, "GB": {}, "ID": {}, "IN": {}, "IT": {}, "JP": {},
	"MX": {}, "MY": {}, "NL": {}, "PA": {}, "PH": {}, "PL": {}, "RO": {},
	"RU": {}, "RS": {}, "SE": {}, "SG": {}, "TH": {}, "TR": {}, "US": {},
	"ZA": {},
}

// billingInput is the structurally validated view of the billing block.
type billingInput struct {
	Address1    string `validate:"required"`
	City        string `validate:"required"`
	CountryCode string `validate:"required,iso3166_1_alpha2"`
	Email       string `validate:"required,email"`
	Phone       string `validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateSubmission checks that the submission carries everything needed to
// place an order. It fails fast with the first problem found, so a malformed
// order is never built.
func ValidateSubmission(sub forms.SubmissionData, feed forms.Feed) *ValidationError {
	if _, _, ok := sub.CardholderNames(); !ok {
		return &ValidationError{Field: "card", Message: "You must provide the cardholder's full name."}
	}
	if strings.TrimSpace(sub.CardToken) == "" {
		return &ValidationError{Field: "card", Message: "Your card could not be tokenized. Please try again."}
	}

	input := billingInput{
		Address1:    sub.BillingValue(feed, "address"),
		City:        sub.BillingValue(feed, "city"),
		CountryCode: CountryCode(sub.BillingValue(feed, "country")),
		Email:       sub.BillingValue(feed, "email"),
		Phone:       sub.BillingValue(feed, "phone"),
	}
	if err := validate.Struct(input); err != nil {
		return billingValidationError(err)
	}

	// State and zip are only mandatory for countries the gateway requires
	// them for.
	if _, required := stateZipRequired[input.CountryCode]; required {
		if sub.BillingValue(feed, "state") == "" || sub.BillingValue(feed, "zip") == "" {
			return &ValidationError{Field: "address", Message: "You must provide a valid billing address."}
		}
	}

	if feed.IsSubscription() {
		if sub.PaymentAmount <= 0 {
			return &ValidationError{Field: "amount", Message: "Subscription amount must be greater than zero."}
		}
	} else if len(sub.LineItems) == 0 {
		return &ValidationError{Field: "amount", Message: "There is nothing to charge for this submission."}
	}

	return nil
}

// ValidateOrder inspects an Order before it is sent, enforcing the
// at-most-one-plan invariant.
func ValidateOrder(order twocheckout.Order, feed forms.Feed) *ValidationError {
	plans := 0
	for _, item := range order.Items {
		if item.IsSubscriptionPlan() {
			plans++
		}
	}
	if feed.IsSubscription() && plans != 1 {
		return &ValidationError{Field: "amount", Message: "Subscription orders must carry exactly one plan."}
	}
	if !feed.IsSubscription() && plans != 0 {
		return &ValidationError{Field: "amount", Message: "Product orders cannot carry a subscription plan."}
	}
	return nil
}

func billingValidationError(err error) *ValidationError {
	var fieldErrs validator.ValidationErrors
	msg := "You must provide a valid billing address."
	field := "address"
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		switch fieldErrs[0].Field() {
		case "Email":
			field, msg = "email", "You must provide your email address."
		case "Phone":
			field, msg = "phone", "You must provide your phone number."
		}
	}
	return &ValidationError{Field: field, Message: msg}
}

// countryNames maps English country names to ISO codes for forms that submit
// names instead of codes. Covers the state/zip allow-list plus common cases.
var countryNames = map[string]string{
	"argentina": "AR", "australia": "AU", "bulgaria": "BG", "canada": "CA",
	"china": "CN", "cyprus": "CY", "egypt": "EG", "spain": "ES",
	"france": "FR", "united kingdom": "GB", "indonesia": "ID", "india": "IN",
	"italy": "IT", "japan": "JP", "mexico": "MX", "malaysia": "MY",
	"netherlands": "NL", "panama": "PA", "philippines": "PH", "poland": "PL",
	"romania": "RO", "russia": "RU", "serbia": "RS", "sweden": "SE",
	"singapore": "SG", "thailand": "TH", "turkey": "TR",
	"united states": "US", "south africa": "ZA", "germany": "DE",
	"brazil": "BR", "austria": "AT", "belgium": "BE", "switzerland": "CH",
	"denmark": "DK", "finland": "FI", "greece": "GR", "ireland": "IE",
	"norway": "NO", "portugal": "PT", "new zealand": "NZ",
}

// CountryCode normalizes a submitted country value to an ISO 3166-1 alpha-2
// code. Two-letter inputs pass through uppercased; known English names are
// mapped; anything else comes back empty and fails validation.
func CountryCode(value string) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) == 2 {
		return strings.ToUpper(trimmed)
	}
	if code, ok := countryNames[strings.ToLower(trimmed)]; ok {
		return code
	}
	return ""
}
