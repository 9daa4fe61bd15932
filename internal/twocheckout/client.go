package twocheckout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/formbridge/twocheckout-gateway/internal/signature"
)

// DefaultBaseURL is the production JSON-RPC endpoint.
const DefaultBaseURL = "https://api.2checkout.com/rpc/6.0/"

// CallTimeout bounds every RPC. The gateway offers no idempotency key for
// placeOrder, so callers must never retry after a timeout; the error is
// surfaced instead.
const CallTimeout = 120 * time.Second

// APIError is the normalized form of every gateway-side failure: transport
// errors, non-2xx responses and JSON-RPC error envelopes.
type APIError struct {
	Code    string
	Message string
	Raw     json.RawMessage
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" || e.Code == "generic" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AuthError marks invalid merchant credentials. Terminal for the attempt.
type AuthError struct {
	Err error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return "invalid API credentials: " + e.Err.Error()
}

// Unwrap exposes the underlying APIError.
func (e *AuthError) Unwrap() error { return e.Err }

// Client issues authenticated JSON-RPC calls against the 2Checkout API.
// A fresh session id is generated per call; sessions are deliberately not
// cached across calls to avoid stale-session races.
type Client struct {
	MerchantCode string
	SecretKey    string
	BaseURL      string
	Algorithm    signature.Algorithm
	HTTPClient   *http.Client
	Logger       zerolog.Logger

	// Now is overridable in tests; defaults to time.Now.
	Now func() time.Time
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      string `json:"id"`
}

type rpcError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Login authenticates and returns a session id.
func (c *Client) Login(ctx context.Context) (string, error) {
	date := c.now().UTC().Format("2006-01-02 15:04:05")
	hash := signature.ComputeValues(c.SecretKey, c.algorithm(), c.MerchantCode, date)

	var sessionID string
	if err := c.call(ctx, "login", []any{c.MerchantCode, date, hash}, &sessionID); err != nil {
		return "", &AuthError{Err: err}
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", &AuthError{Err: &APIError{Code: "generic", Message: "empty session id"}}
	}
	return sessionID, nil
}

// PlaceOrder creates an order. Not safe to retry: the gateway exposes no
// idempotency key and a repeat after a timeout risks a duplicate charge.
func (c *Client) PlaceOrder(ctx context.Context, order Order) (*OrderResult, error) {
	var result OrderResult
	if err := c.authenticatedCall(ctx, "placeOrder", []any{order}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetOrder fetches the current state of an order by reference number.
func (c *Client) GetOrder(ctx context.Context, refNo string) (*OrderResult, error) {
	var result OrderResult
	if err := c.authenticatedCall(ctx, "getOrder", []any{refNo}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// authenticatedCall prepends a freshly minted session id to the params.
func (c *Client) authenticatedCall(ctx context.Context, method string, params []any, out any) error {
	sessionID, err := c.Login(ctx)
	if err != nil {
		return err
	}
	return c.call(ctx, method, append([]any{sessionID}, params...), out)
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	ctx, span := otel.Tracer("twocheckout.Client").Start(ctx, "twocheckout."+method)
	defer span.End()
	span.SetAttributes(attribute.String("rpc.method", method))

	// The hash algorithm identifier is required on every request.
	params = append(params, string(c.algorithm()))

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      uuid.NewString(),
	})
	if err != nil {
		return &APIError{Code: "generic", Message: "encode request: " + err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(), bytes.NewReader(body))
	if err != nil {
		return &APIError{Code: "generic", Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		span.RecordError(err)
		return &APIError{Code: "generic", Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Code: "generic", Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.Logger.Error().Str("method", method).Int("status", resp.StatusCode).Msg("gateway returned non-2xx")
		return &APIError{
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: http.StatusText(resp.StatusCode),
			Raw:     raw,
		}
	}

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &APIError{Code: "generic", Message: "decode response: " + err.Error(), Raw: raw}
	}
	if envelope.Error != nil {
		apiErr := splitErrorMessage(envelope.Error.Message)
		apiErr.Raw = raw
		c.Logger.Error().Str("method", method).Str("code", apiErr.Code).Str("message", apiErr.Message).Msg("gateway error")
		return apiErr
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return &APIError{Code: "generic", Message: "API request failed", Raw: raw}
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return &APIError{Code: "generic", Message: "decode result: " + err.Error(), Raw: raw}
	}
	return nil
}

// splitErrorMessage extracts "CODE: message" shaped errors from the JSON-RPC
// error message, falling back to a generic code.
func splitErrorMessage(message string) *APIError {
	code, rest, found := strings.Cut(message, ":")
	if !found {
		return &APIError{Code: "generic", Message: strings.TrimSpace(message)}
	}
	return &APIError{Code: strings.TrimSpace(code), Message: strings.TrimSpace(rest)}
}

// IsAuthError reports whether err stems from failed gateway authentication.
func IsAuthError(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

func (c *Client) baseURL() string {
	if strings.TrimSpace(c.BaseURL) == "" {
		return DefaultBaseURL
	}
	return c.BaseURL
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: CallTimeout}
}

func (c *Client) algorithm() signature.Algorithm {
	if c.Algorithm.Valid() {
		return c.Algorithm
	}
	return signature.AlgorithmSHA3256
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
