package twocheckout

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// OrderStatus is the closed set of order states reported by the 2Checkout
// API and its IPN notifications.
type OrderStatus string

const (
	StatusAuthReceived OrderStatus = "AUTHRECEIVED"
	StatusPending      OrderStatus = "PENDING"
	StatusComplete     OrderStatus = "COMPLETE"
	StatusCanceled     OrderStatus = "CANCELED"
	StatusInvalid      OrderStatus = "INVALID"
	StatusSuspect      OrderStatus = "SUSPECT"
	StatusRefund       OrderStatus = "REFUND"
	StatusReversed     OrderStatus = "REVERSED"
)

// ParseStatus normalizes a raw status string. Unrecognized statuses pass
// through so callers can log them before treating them as no-ops.
func ParseStatus(raw string) OrderStatus {
	return OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
}

// Known reports whether the status belongs to the enumerated set.
func (s OrderStatus) Known() bool {
	switch s {
	case StatusAuthReceived, StatusPending, StatusComplete, StatusCanceled,
		StatusInvalid, StatusSuspect, StatusRefund, StatusReversed:
		return true
	}
	return false
}

// Purchase types accepted by placeOrder for dynamic items.
const (
	PurchaseTypeProduct = "PRODUCT"
	PurchaseTypeCoupon  = "COUPON"
	PurchaseTypeTax     = "TAX"
)

// ContractUnitForever marks an open-ended subscription contract.
const ContractUnitForever = "FOREVER"

// Price is the dynamic-pricing block attached to every item.
type Price struct {
	Amount float64 `json:"Amount"`
	Type   string  `json:"Type"`
}

// CustomPrice builds the CUSTOM price block used for all dynamic items.
func CustomPrice(amount float64) Price {
	return Price{Amount: amount, Type: "CUSTOM"}
}

// RecurringOptions describes the billing cycle of a subscription item.
type RecurringOptions struct {
	CycleLength    int     `json:"CycleLength"`
	CycleUnit      string  `json:"CycleUnit"`
	CycleAmount    float64 `json:"CycleAmount"`
	ContractLength int     `json:"ContractLength"`
	ContractUnit   string  `json:"ContractUnit"`
}

// Item is one order line. Product, discount, subscription-plan and setup-fee
// lines are all expressed through PurchaseType plus the optional
// RecurringOptions block, matching the placeOrder wire format.
type Item struct {
	Code             *string           `json:"Code"`
	Name             string            `json:"Name"`
	Description      string            `json:"Description,omitempty"`
	Quantity         int               `json:"Quantity"`
	PurchaseType     string            `json:"PurchaseType"`
	Tangible         bool              `json:"Tangible"`
	IsDynamic        bool              `json:"IsDynamic"`
	Price            Price             `json:"Price"`
	RecurringOptions *RecurringOptions `json:"RecurringOptions,omitempty"`
}

// IsSubscriptionPlan reports whether the item carries recurring billing terms.
func (i Item) IsSubscriptionPlan() bool {
	return i.RecurringOptions != nil
}

// BillingDetails is the customer address block. Delivery details reuse the
// same shape; the gateway requires both even when identical.
type BillingDetails struct {
	Address1    string `json:"Address1"`
	Address2    string `json:"Address2,omitempty"`
	City        string `json:"City"`
	State       string `json:"State"`
	CountryCode string `json:"CountryCode"`
	Phone       string `json:"Phone"`
	Email       string `json:"Email"`
	FirstName   string `json:"FirstName"`
	LastName    string `json:"LastName"`
	Zip         string `json:"Zip"`
}

// PaymentMethod carries the tokenized card reference and the 3-D Secure
// return URLs for an outbound order.
type PaymentMethod struct {
	EesToken           string `json:"EesToken"`
	Vendor3DSReturnURL string `json:"Vendor3DSReturnURL"`
	Vendor3DSCancelURL string `json:"Vendor3DSCancelURL"`
	RecurringEnabled   bool   `json:"RecurringEnabled,omitempty"`
}

// PaymentDetails wraps the payment method for an outbound order. Type is
// EES_TOKEN_PAYMENT in production and TEST in sandbox mode.
type PaymentDetails struct {
	Type          string        `json:"Type"`
	Currency      string        `json:"Currency"`
	PaymentMethod PaymentMethod `json:"PaymentMethod"`
}

// Order is the ephemeral request representation sent to placeOrder. It is
// built fresh per attempt and never persisted; only the OrderResult is.
type Order struct {
	Currency        string         `json:"Currency"`
	Language        string         `json:"Language,omitempty"`
	LocalTime       string         `json:"LocalTime"`
	Items           []Item         `json:"Items"`
	BillingDetails  BillingDetails `json:"BillingDetails"`
	DeliveryDetails BillingDetails `json:"DeliveryDetails"`
	PaymentDetails  PaymentDetails `json:"PaymentDetails"`
}

// SubscriptionPlan returns the single recurring item of a subscription order,
// if present.
func (o Order) SubscriptionPlan() (Item, bool) {
	for _, it := range o.Items {
		if it.IsSubscriptionPlan() {
			return it, true
		}
	}
	return Item{}, false
}

// Amount tolerates the gateway's habit of returning numbers as either JSON
// numbers or quoted strings.
type Amount float64

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*a = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*a = 0
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return err
		}
		*a = Amount(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*a = Amount(f)
	return nil
}

// Float64 returns the amount as a plain float.
func (a Amount) Float64() float64 { return float64(a) }

// Authorize3DS is the step-up challenge descriptor returned when the issuer
// requires additional authentication.
type Authorize3DS struct {
	Href   string            `json:"Href"`
	Params map[string]string `json:"Params"`
}

// RedirectURL combines the challenge href with its query parameters.
func (a Authorize3DS) RedirectURL() string {
	href := strings.TrimSpace(a.Href)
	if href == "" || len(a.Params) == 0 {
		return href
	}
	sep := "?"
	if strings.Contains(href, "?") {
		sep = "&"
	}
	return href + sep + encodeParams(a.Params)
}

// ResultPaymentMethod describes how a placed order was (or will be) paid.
type ResultPaymentMethod struct {
	LastDigits   string        `json:"LastDigits"`
	CardType     string        `json:"CardType"`
	Authorize3DS *Authorize3DS `json:"Authorize3DS,omitempty"`
}

// ResultPaymentDetails is the payment descriptor of an order response.
type ResultPaymentDetails struct {
	Type          string              `json:"Type"`
	Currency      string              `json:"Currency"`
	PaymentMethod ResultPaymentMethod `json:"PaymentMethod"`
}

// OrderResult is the processor's view of an order, returned by both
// placeOrder and getOrder and persisted into entry metadata.
type OrderResult struct {
	RefNo          string               `json:"RefNo"`
	OrderNo        int64                `json:"OrderNo,omitempty"`
	Status         OrderStatus          `json:"Status"`
	NetPrice       Amount               `json:"NetPrice"`
	GrossPrice     Amount               `json:"GrossPrice,omitempty"`
	Currency       string               `json:"Currency,omitempty"`
	PaymentDetails ResultPaymentDetails `json:"PaymentDetails"`
	Errors         map[string]string    `json:"Errors,omitempty"`
}

// FirstError returns one of the processor-reported order errors, if any.
// placeOrder can "succeed" while still attaching errors to the order.
func (r *OrderResult) FirstError() (string, bool) {
	for _, msg := range r.Errors {
		if strings.TrimSpace(msg) != "" {
			return msg, true
		}
	}
	return "", false
}

// ThreeDSRedirect returns the step-up challenge URL when the order requires
// one.
func (r *OrderResult) ThreeDSRedirect() (string, bool) {
	a := r.PaymentDetails.PaymentMethod.Authorize3DS
	if a == nil || strings.TrimSpace(a.Href) == "" {
		return "", false
	}
	return a.RedirectURL(), true
}

func encodeParams(params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return q.Encode()
}
